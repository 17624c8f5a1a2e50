package main

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/josssch/simple-file-server/internal/app"
	"github.com/josssch/simple-file-server/internal/errutil"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the HTTP file server",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := app.Config{
			Addr:               viper.GetString("addr"),
			FilesDir:           viper.GetString("files-dir"),
			CacheDir:           viper.GetString("cache-dir"),
			MaxCacheBytes:      viper.GetInt64("max-cache-size"),
			MaxEntryBytes:      viper.GetInt64("max-entry-size"),
			MaxDiskBytes:       viper.GetInt64("max-disk-cache-size"),
			CacheTTL:           viper.GetDuration("cache-ttl"),
			SweepInterval:      viper.GetDuration("sweep-interval"),
			CacheControlMaxAge: viper.GetDuration("cache-control-max-age"),
			AllowedOrigins:     viper.GetStringSlice("allowed-origins"),
			MaxUploadBytes:     viper.GetInt64("max-upload-size"),
			OriginTimeout:      viper.GetDuration("origin-timeout"),
			JWTSecret:          viper.GetString("jwt-secret"),
		}

		server, cleanup, err := app.NewServer(cfg)
		if err != nil {
			errutil.ReportError(err, "Failed to build server")
			os.Exit(1)
		}
		defer cleanup()

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errutil.ReportError(err, "Server failed")
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().String("addr", ":3000", "Address to listen on")
	serverCmd.Flags().String("files-dir", "./files", "Directory holding the origin files")
	serverCmd.Flags().String("cache-dir", "", "Directory for the disk cache tier (empty disables it)")
	serverCmd.Flags().Int64("max-cache-size", 64*1024*1024, "Memory cache size in bytes")
	serverCmd.Flags().Int64("max-entry-size", 0, "Largest cacheable payload in bytes (0 = max-cache-size/8)")
	serverCmd.Flags().Int64("max-disk-cache-size", 1024*1024*1024, "Disk cache tier size in bytes")
	serverCmd.Flags().Duration("cache-ttl", 5*time.Minute, "How long cached entries stay servable")
	serverCmd.Flags().Duration("sweep-interval", time.Minute, "Interval between cache expiry sweeps")
	serverCmd.Flags().Duration("cache-control-max-age", time.Hour, "max-age advertised in Cache-Control")
	serverCmd.Flags().StringSlice("allowed-origins", []string{"*"}, "CORS allowed origins")
	serverCmd.Flags().Int64("max-upload-size", 256*1024*1024, "Largest accepted upload in bytes (0 = unlimited)")
	serverCmd.Flags().Duration("origin-timeout", 30*time.Second, "Deadline per origin store operation")
	serverCmd.Flags().String("jwt-secret", "", "HMAC secret for mutation tokens (required)")

	errutil.ReportError(viper.BindPFlags(serverCmd.Flags()), "Failed to bind server flags")
}
