package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/josssch/simple-file-server/internal/errutil"
	"github.com/josssch/simple-file-server/internal/hashutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Local implements Store on top of a base directory for content plus a
// SQLite database for per-file metadata.
//
// Writes follow the temp-file-then-rename discipline: content is streamed
// to a temporary file while the hash is computed, and only a fully
// written, hashed file is renamed into its final place. The metadata row
// is updated after the rename, so a row always describes bytes that are
// actually on disk.
type Local struct {
	baseDir string
	db      *sql.DB
}

// OpenLocal opens (creating if necessary) a local store rooted at baseDir.
// The metadata database lives at {baseDir}/metadata.db and is migrated to
// the current schema on open.
func OpenLocal(baseDir string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create files dir: %w", err)
	}

	dbPath := filepath.Join(baseDir, "metadata.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping metadata database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate metadata database: %w", err)
	}

	return &Local{baseDir: baseDir, db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Local) Close() error {
	return s.db.Close()
}

// contentPath maps a validated name onto the filesystem. Names are
// slash-separated and already checked by ValidName, so the join cannot
// escape baseDir.
func (s *Local) contentPath(name string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(name))
}

func (s *Local) Exists(ctx context.Context, name string) (bool, error) {
	if !ValidName(name) {
		return false, ErrInvalidName
	}
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM files WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query existence of %s: %w", name, err)
	}
	return true, nil
}

func (s *Local) Stat(ctx context.Context, name string) (*Metadata, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	meta := Metadata{Name: name}
	var modUnix int64
	err := s.db.QueryRowContext(ctx,
		"SELECT size, content_type, mod_time, hash FROM files WHERE name = ?", name,
	).Scan(&meta.Size, &meta.ContentType, &modUnix, &meta.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	meta.ModTime = time.Unix(modUnix, 0).UTC()
	return &meta, nil
}

func (s *Local) Open(ctx context.Context, name string) (io.ReadCloser, *Metadata, error) {
	meta, err := s.Stat(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.contentPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			// Metadata row without content: the store is inconsistent, but
			// from the caller's perspective the file is simply gone.
			slog.Warn("Metadata row has no content file", "name", name)
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return f, meta, nil
}

func (s *Local) Put(ctx context.Context, name, contentType string, r io.Reader) (*Metadata, bool, error) {
	if !ValidName(name) {
		return nil, false, ErrInvalidName
	}

	existed, err := s.Exists(ctx, name)
	if err != nil {
		return nil, false, err
	}

	finalPath := s.contentPath(name)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create parent dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(s.baseDir, "put-*")
	if err != nil {
		return nil, false, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	hasher := hashutil.New()
	written, err := io.Copy(io.MultiWriter(tmpFile, hasher), r)
	if err != nil {
		return nil, false, fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return nil, false, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), finalPath); err != nil {
		return nil, false, fmt.Errorf("failed to rename to final path: %w", err)
	}

	meta := &Metadata{
		Name:        name,
		Size:        written,
		ContentType: normalizeContentType(contentType, name),
		ModTime:     time.Now().UTC().Truncate(time.Second),
		Hash:        hashutil.Encode(hasher),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO files (name, size, content_type, mod_time, hash)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		   size = excluded.size,
		   content_type = excluded.content_type,
		   mod_time = excluded.mod_time,
		   hash = excluded.hash`,
		meta.Name, meta.Size, meta.ContentType, meta.ModTime.Unix(), meta.Hash,
	)
	if err != nil {
		// Content is on disk but unregistered. Remove it so a failed Put
		// leaves no half-visible state behind.
		errutil.LogMsg(os.Remove(finalPath), "Failed to remove orphaned content", "name", name)
		return nil, false, fmt.Errorf("failed to record metadata for %s: %w", name, err)
	}

	slog.Info("Stored file", "name", name, "size", written, "hash", meta.Hash)
	return meta, !existed, nil
}

func (s *Local) Delete(ctx context.Context, name string) error {
	if !ValidName(name) {
		return ErrInvalidName
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete metadata for %s: %w", name, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	if err := os.Remove(s.contentPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete content for %s: %w", name, err)
	}

	slog.Info("Deleted file", "name", name)
	return nil
}

// normalizeContentType picks the stored content type: the one the client
// sent, or a guess from the file extension. HTML is deliberately demoted
// to plain text so stored files are never rendered by browsers.
func normalizeContentType(contentType, name string) string {
	ct := strings.TrimSpace(contentType)
	if ct == "" {
		ct = mime.TypeByExtension(path.Ext(name))
	}
	if ct == "" {
		return "application/octet-stream"
	}
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil && mediaType == "text/html" {
		return "text/plain; charset=utf-8"
	}
	return ct
}
