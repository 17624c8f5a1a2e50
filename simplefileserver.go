// Package simplefileserver provides a client for the simple-file-server
// HTTP API: download files (with transparent content-encoding handling
// and ETag revalidation), upload new content, and delete files.
package simplefileserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/shogo82148/go-sfv"

	"github.com/josssch/simple-file-server/internal/errutil"
)

var (
	// ErrNotFound is returned when the server has no file under the name.
	ErrNotFound = errors.New("file not found")

	// ErrUnauthorized is returned when the server rejects the client's
	// credential on a mutation.
	ErrUnauthorized = errors.New("unauthorized")
)

// HTTPStatusError is returned when the server responds with an
// unexpected status code.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Client talks to one simple-file-server instance.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Token is the bearer credential sent on mutations.
	Token string
}

func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: client,
	}
}

// ServersFromEnv reads the SFS_SERVER environment variable as an RFC 8941
// structured-field list of base URLs.
func ServersFromEnv() []string {
	envServer := os.Getenv("SFS_SERVER")
	if envServer == "" {
		return nil
	}
	list, err := sfv.DecodeList([]string{envServer})
	if err != nil {
		errutil.LogMsg(err, "Failed to parse SFS_SERVER")
		return nil
	}
	var servers []string
	for _, item := range list {
		if s, ok := item.Value.(string); ok {
			servers = append(servers, s)
		}
	}
	return servers
}

func (c *Client) fileURL(name string) string {
	// Escape per segment: names may contain slashes that must survive.
	segments := strings.Split(name, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return c.BaseURL + "/" + strings.Join(segments, "/")
}

// DownloadOptions tune a Download call.
type DownloadOptions struct {
	// AcceptEncoding is sent as-is (e.g. "gzip, br"). The response body
	// is transparently decoded before reaching the writer.
	AcceptEncoding string
	// ETag, when set, is sent as If-None-Match; a match yields
	// NotModified with no bytes written.
	ETag string
}

// DownloadResult reports what the server sent.
type DownloadResult struct {
	ETag            string
	ContentType     string
	ContentEncoding string
	NotModified     bool
	N               int64
}

// Download fetches the named file into out.
func (c *Client) Download(ctx context.Context, name string, opts DownloadOptions, out io.Writer) (*DownloadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(name), nil)
	if err != nil {
		return nil, err
	}
	if opts.AcceptEncoding != "" {
		req.Header.Set("Accept-Encoding", opts.AcceptEncoding)
	}
	if opts.ETag != "" {
		req.Header.Set("If-None-Match", `"`+opts.ETag+`"`)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	result := &DownloadResult{
		ETag:            strings.Trim(resp.Header.Get("ETag"), `"`),
		ContentType:     resp.Header.Get("Content-Type"),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		result.NotModified = true
		return result, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	body, err := decodeBody(resp.Body, result.ContentEncoding)
	if err != nil {
		return nil, err
	}

	result.N, err = io.Copy(out, body)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// decodeBody unwraps the server's content encoding so callers always see
// identity bytes.
func decodeBody(body io.Reader, encoding string) (io.Reader, error) {
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip":
		return gzip.NewReader(body)
	case "br":
		return brotli.NewReader(body), nil
	}
	return nil, fmt.Errorf("server sent unsupported encoding %q", encoding)
}

// UploadResult reports the stored file's identity.
type UploadResult struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ETag    string `json:"etag"`
	Created bool   `json:"-"`
}

// Upload stores the bytes read from r under name, replacing any previous
// content.
func (c *Client) Upload(ctx context.Context, name, contentType string, r io.Reader) (*UploadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.fileURL(name), r)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.setAuth(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	default:
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	result.Created = resp.StatusCode == http.StatusCreated
	return &result, nil
}

// Remove deletes the named file.
func (c *Client) Remove(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.fileURL(name), nil)
	if err != nil {
		return err
	}
	c.setAuth(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	default:
		return &HTTPStatusError{StatusCode: resp.StatusCode}
	}
}

func (c *Client) setAuth(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}
