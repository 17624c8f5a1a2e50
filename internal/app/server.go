package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/josssch/simple-file-server/internal/auth"
	"github.com/josssch/simple-file-server/internal/cache"
	"github.com/josssch/simple-file-server/internal/handler"
	"github.com/josssch/simple-file-server/internal/store"
)

type Config struct {
	Addr string

	// FilesDir is the origin store's base directory.
	FilesDir string

	// CacheDir enables the disk cache tier when non-empty.
	CacheDir      string
	MaxCacheBytes int64
	MaxEntryBytes int64
	MaxDiskBytes  int64
	CacheTTL      time.Duration
	SweepInterval time.Duration

	CacheControlMaxAge time.Duration
	AllowedOrigins     []string
	MaxUploadBytes     int64
	OriginTimeout      time.Duration

	JWTSecret string
}

// NewServer assembles the origin store, cache tiers and request pipeline
// into a ready-to-run http.Server. The returned cleanup stops the cache
// sweeper and closes the store.
func NewServer(cfg Config) (*http.Server, func(), error) {
	// An empty HMAC key would let anyone mint valid mutation tokens.
	if cfg.JWTSecret == "" {
		return nil, nil, errors.New("jwt secret must be configured")
	}

	origin, err := store.OpenLocal(cfg.FilesDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open origin store: %w", err)
	}

	var disk *cache.Disk
	if cfg.CacheDir != "" {
		disk, err = cache.OpenDisk(cfg.CacheDir, cfg.MaxDiskBytes)
		if err != nil {
			_ = origin.Close()
			return nil, nil, fmt.Errorf("failed to open disk cache tier: %w", err)
		}
	}

	tiers := cache.New(cache.Options{
		MaxMemoryBytes: cfg.MaxCacheBytes,
		MaxEntryBytes:  cfg.MaxEntryBytes,
		TTL:            cfg.CacheTTL,
		Disk:           disk,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go tiers.Start(ctx, cfg.SweepInterval)

	h := handler.New(origin, tiers, auth.NewHMAC([]byte(cfg.JWTSecret)), handler.Options{
		CacheControlMaxAge: cfg.CacheControlMaxAge,
		AllowedOrigins:     cfg.AllowedOrigins,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		OriginTimeout:      cfg.OriginTimeout,
	})

	mux := http.NewServeMux()
	mux.Handle("/", h)

	slog.Info("Starting server", "addr", cfg.Addr, "files_dir", cfg.FilesDir, "cache_dir", cfg.CacheDir)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	cleanup := func() {
		cancel()
		_ = origin.Close()
	}

	return server, cleanup, nil
}
