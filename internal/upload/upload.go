// Package upload stores files attached to chat messages on local disk.
package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const URLPrefix = "/uploads/"

var ErrTooLarge = errors.New("upload exceeds size limit")

// DiskStore writes uploads under dir as <base>-<unixMillis><ext>.
type DiskStore struct {
	dir      string
	maxBytes int64
	now      func() time.Time
}

func NewDiskStore(dir string, maxBytes int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	return &DiskStore{
		dir:      dir,
		maxBytes: maxBytes,
		now:      time.Now,
	}, nil
}

func (s *DiskStore) Dir() string {
	return s.dir
}

func (s *DiskStore) MaxBytes() int64 {
	return s.maxBytes
}

// Save copies r to a new file named after originalName and returns the
// stored name. The file is removed again if r exceeds the size limit.
func (s *DiskStore) Save(originalName string, r io.Reader) (string, error) {
	base, ext := splitName(originalName)
	name := base + "-" + strconv.FormatInt(s.now().UnixMilli(), 10) + ext

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		name = base + "-" + strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + uuid.NewString()[:8] + ext
		f, err = os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(filepath.Join(s.dir, name))
		if errors.Is(err, ErrTooLarge) {
			return "", err
		}
		return "", fmt.Errorf("write upload: %w", err)
	}

	return name, nil
}

// URL is the public path a stored upload is served from.
func (s *DiskStore) URL(name string) string {
	return URLPrefix + name
}

func splitName(originalName string) (string, string) {
	name := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	ext := sanitize(filepath.Ext(name))
	base := sanitize(strings.TrimSuffix(name, filepath.Ext(name)))

	base = strings.Trim(base, ".")
	if base == "" {
		base = "file"
	}

	return base, ext
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
