package simplefileserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestDownload(t *testing.T) {
	content := "hello from the server"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/docs/readme.txt" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(content))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	var buf bytes.Buffer
	result, err := client.Download(context.Background(), "docs/readme.txt", DownloadOptions{}, &buf)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}

	if buf.String() != content {
		t.Errorf("body: got %q", buf.String())
	}
	if result.ETag != "abc123" {
		t.Errorf("etag: got %q", result.ETag)
	}
	if result.ContentType != "text/plain" {
		t.Errorf("content type: got %q", result.ContentType)
	}
	if result.N != int64(len(content)) {
		t.Errorf("n: got %d", result.N)
	}
}

func TestDownloadDecodesGzip(t *testing.T) {
	content := strings.Repeat("compress me ", 50)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept-Encoding"); got != "gzip, br" {
			t.Errorf("Accept-Encoding: got %q", got)
		}
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		_, _ = gw.Write([]byte(content))
		_ = gw.Close()
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	var buf bytes.Buffer
	result, err := client.Download(context.Background(), "a.txt", DownloadOptions{AcceptEncoding: "gzip, br"}, &buf)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}

	if buf.String() != content {
		t.Errorf("decoded body does not match")
	}
	if result.ContentEncoding != "gzip" {
		t.Errorf("content encoding: got %q", result.ContentEncoding)
	}
}

func TestDownloadNotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("If-None-Match"); got != `"abc123"` {
			t.Errorf("If-None-Match: got %q", got)
		}
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	var buf bytes.Buffer
	result, err := client.Download(context.Background(), "a.txt", DownloadOptions{ETag: "abc123"}, &buf)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}

	if !result.NotModified {
		t.Errorf("expected NotModified")
	}
	if buf.Len() != 0 {
		t.Errorf("expected no bytes written, got %d", buf.Len())
	}
}

func TestDownloadNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := client.Download(context.Background(), "nope.txt", DownloadOptions{}, &bytes.Buffer{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDownloadEscapesName(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := client.Download(context.Background(), "reports/q1 2024.pdf", DownloadOptions{}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if gotPath != "/reports/q1%202024.pdf" {
		t.Errorf("path: got %q", gotPath)
	}
}

func TestUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token123" {
			t.Errorf("Authorization: got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "text/plain" {
			t.Errorf("Content-Type: got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"name":"a.txt","size":5,"etag":"abc123"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	client.Token = "token123"
	result, err := client.Upload(context.Background(), "a.txt", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if !result.Created {
		t.Errorf("expected Created")
	}
	if result.Name != "a.txt" || result.Size != 5 || result.ETag != "abc123" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestUploadUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := client.Upload(context.Background(), "a.txt", "", strings.NewReader("x"))
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"deleted", http.StatusNoContent, nil},
		{"missing", http.StatusNotFound, ErrNotFound},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete {
					t.Errorf("method: got %s", r.Method)
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := NewClient(server.URL, nil).Remove(context.Background(), "a.txt")
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestServersFromEnv(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv("SFS_SERVER", "")
		if servers := ServersFromEnv(); servers != nil {
			t.Errorf("expected nil, got %v", servers)
		}
	})
	t.Run("list", func(t *testing.T) {
		t.Setenv("SFS_SERVER", `"http://a.example:3000", "http://b.example:3000"`)
		servers := ServersFromEnv()
		want := []string{"http://a.example:3000", "http://b.example:3000"}
		if len(servers) != len(want) {
			t.Fatalf("got %v", servers)
		}
		for i := range want {
			if servers[i] != want[i] {
				t.Errorf("server %d: got %q, want %q", i, servers[i], want[i])
			}
		}
	})
}
