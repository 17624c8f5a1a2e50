// Package variant produces and negotiates compressed representations of
// file content. A variant is a file's bytes under one content encoding;
// computing one is a pure function of (content bytes, encoding), so
// results are cached by the caller under the content hash and never
// recomputed while that hash is live.
package variant

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// Supported content encodings, by their Accept-Encoding tokens.
const (
	Identity = "identity"
	Gzip     = "gzip"
	Brotli   = "br"
)

var (
	// ErrUnsupported is returned for encodings outside the supported set.
	ErrUnsupported = errors.New("unsupported encoding")

	// ErrMalformedHeader is returned when an Accept-Encoding header cannot
	// be parsed. It maps to a 400 at the edge.
	ErrMalformedHeader = errors.New("malformed Accept-Encoding header")
)

// Supported reports whether enc is an encoding this server can produce.
func Supported(enc string) bool {
	switch enc {
	case Identity, Gzip, Brotli:
		return true
	}
	return false
}

// Encode compresses src under the given encoding. Identity returns src
// unchanged. Failures here are recoverable: callers fall back to serving
// the identity bytes rather than failing the request.
func Encode(encoding string, src []byte) ([]byte, error) {
	if encoding == Identity {
		return src, nil
	}
	var buf bytes.Buffer
	w, err := NewWriter(encoding, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("%s compression failed: %w", encoding, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s compression failed: %w", encoding, err)
	}
	return buf.Bytes(), nil
}

// NewWriter wraps w with a streaming compressor for the given encoding.
// Used on the large-file path, where variants are streamed rather than
// buffered and cached.
func NewWriter(encoding string, w io.Writer) (io.WriteCloser, error) {
	switch encoding {
	case Identity:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Brotli:
		return brotli.NewWriter(w), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, encoding)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
