package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrExists is returned by CreateExclusive when the target already exists.
var ErrExists = errors.New("file already exists")

// WriteOptions tune the durability of WriteFileAtomic and CreateExclusive.
type WriteOptions struct {
	Fsync bool
	Perm  os.FileMode
}

// WriteFileAtomic replaces path with data. Readers observe either the old
// content or the new content, never a partial write.
func WriteFileAtomic(path string, data []byte, opts WriteOptions) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	tmp, err := writeTemp(path, data, opts)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	if opts.Fsync {
		if err := syncDir(filepath.Dir(path)); err != nil {
			return err
		}
	}
	return nil
}

// CreateExclusive creates path holding data, failing with ErrExists if path
// is already present. The content is complete before the name appears: it is
// written to a private temp file and hard linked into place.
func CreateExclusive(path string, data []byte, opts WriteOptions) error {
	tmp, err := writeTemp(path, data, opts)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("link into place: %w", err)
	}
	if opts.Fsync {
		if err := syncDir(filepath.Dir(path)); err != nil {
			return err
		}
	}
	return nil
}

func writeTemp(path string, data []byte, opts WriteOptions) (string, error) {
	perm := opts.Perm
	if perm == 0 {
		perm = 0o644
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}

	tmp := path + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.Itoa(os.Getpid())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if opts.Fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return "", fmt.Errorf("sync temp file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename already happened.
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
