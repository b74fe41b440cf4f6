package events

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Export encodings.
const (
	EncodingGzip = "gzip"
	EncodingZstd = "zstd"
)

// Export streams the audit log bytes, unchanged, through the compressor named
// by encoding. A missing log exports as an empty stream.
func (r *Reader) Export(w io.Writer, encoding string) (int64, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("open audit log: %w", err)
		}
		f = nil
	}
	if f != nil {
		defer f.Close()
	}

	var zw io.WriteCloser
	switch encoding {
	case EncodingGzip, "":
		zw = gzip.NewWriter(w)
	case EncodingZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return 0, fmt.Errorf("zstd writer: %w", err)
		}
		zw = enc
	default:
		return 0, fmt.Errorf("unsupported export encoding %q", encoding)
	}

	var n int64
	if f != nil {
		n, err = io.Copy(zw, f)
		if err != nil {
			zw.Close()
			return n, fmt.Errorf("export audit log: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("finish export: %w", err)
	}
	return n, nil
}

// OpenArchive opens an audit log for reading, decompressing .gz and .zst
// exports by file extension.
func OpenArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return &archive{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return &archive{Reader: zr, closers: []io.Closer{closerFunc(zr.Close), f}}, nil
	default:
		return f, nil
	}
}

type archive struct {
	io.Reader
	closers []io.Closer
}

func (a *archive) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
