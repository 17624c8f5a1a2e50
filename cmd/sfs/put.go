package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/josssch/simple-file-server/internal/errutil"
)

var putCmd = &cobra.Command{
	Use:   "put <name> [file]",
	Short: "Upload a file to the server",
	Long: `Uploads the given file (or stdin) under the given name, replacing any
previous content. Requires a bearer token.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		contentType, err := cmd.Flags().GetString("content-type")
		if err != nil {
			errutil.ReportError(err, "Failed to get content-type flag")
			os.Exit(1)
		}

		var in io.Reader = os.Stdin
		if len(args) == 2 {
			file, err := os.Open(args[1])
			if err != nil {
				errutil.ReportError(err, "Failed to open input file")
				os.Exit(1)
			}
			defer func() {
				errutil.LogMsg(file.Close(), "Failed to close input file")
			}()
			in = file
		}

		client := newClient(cmd)

		bar := newTransferBar("uploading")
		result, err := client.Upload(cmd.Context(), name, contentType, io.TeeReader(in, bar))
		if err != nil {
			errutil.ReportError(err, "Upload failed", "name", name)
			os.Exit(1)
		}

		verb := "replaced"
		if result.Created {
			verb = "created"
		}
		if _, err := fmt.Printf("%s %s (%d bytes, etag %s)\n", verb, result.Name, result.Size, result.ETag); err != nil {
			errutil.LogMsg(err, "Failed to print result")
		}
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().String("content-type", "", "Content type stored with the file (default guessed)")
}
