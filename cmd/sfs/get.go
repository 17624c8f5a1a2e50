package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	simplefileserver "github.com/josssch/simple-file-server"
	"github.com/josssch/simple-file-server/internal/errutil"
)

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Download a file from the server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			errutil.ReportError(err, "Failed to get output flag")
			os.Exit(1)
		}
		encoding, err := cmd.Flags().GetString("encoding")
		if err != nil {
			errutil.ReportError(err, "Failed to get encoding flag")
			os.Exit(1)
		}

		client := newClient(cmd)

		var out io.Writer
		if output != "" {
			file, err := os.Create(output)
			if err != nil {
				errutil.ReportError(err, "Failed to create output file")
				os.Exit(1)
			}
			defer func() {
				errutil.LogMsg(file.Close(), "Failed to close output file")
			}()
			out = file
		} else {
			out = os.Stdout
		}

		bar := newTransferBar("downloading")
		result, err := client.Download(cmd.Context(), name, simplefileserver.DownloadOptions{
			AcceptEncoding: encoding,
		}, io.MultiWriter(out, bar))
		if err != nil {
			errutil.ReportError(err, "Download failed", "name", name)
			if output != "" {
				errutil.LogMsg(os.Remove(output), "Failed to remove output file after failed download", "path", output)
			}
			os.Exit(1)
		}

		if _, err := fmt.Fprintf(os.Stderr, "etag: %s\n", result.ETag); err != nil {
			errutil.LogMsg(err, "Failed to print etag")
		}
	},
}

func newClient(cmd *cobra.Command) *simplefileserver.Client {
	server, err := cmd.Flags().GetString("server")
	if err != nil || server == "" {
		if servers := simplefileserver.ServersFromEnv(); len(servers) > 0 {
			server = servers[0]
		}
	}
	if server == "" {
		server = "http://localhost:3000"
	}
	client := simplefileserver.NewClient(server, nil)
	if token, err := cmd.Flags().GetString("token"); err == nil && token != "" {
		client.Token = token
	} else if env := os.Getenv("SFS_TOKEN"); env != "" {
		client.Token = env
	}
	return client
}

func newTransferBar(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			if _, err := fmt.Fprint(os.Stderr, "\n"); err != nil {
				errutil.LogMsg(err, "Failed to print newline to stderr")
			}
		}),
	)
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	getCmd.Flags().String("encoding", "gzip, br", "Accept-Encoding sent to the server")
}
