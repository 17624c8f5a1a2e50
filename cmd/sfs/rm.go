package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/josssch/simple-file-server/internal/errutil"
)

var rmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a file from the server",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		client := newClient(cmd)
		if err := client.Remove(cmd.Context(), name); err != nil {
			errutil.ReportError(err, "Delete failed", "name", name)
			os.Exit(1)
		}

		if _, err := fmt.Printf("deleted %s\n", name); err != nil {
			errutil.LogMsg(err, "Failed to print result")
		}
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
