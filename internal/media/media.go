// Package media manages the local image files attached to posts: upload
// validation, normalisation, per-job copies and cleanup.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxBytes is the largest accepted upload.
	DefaultMaxBytes int64 = 10 << 20
	// DefaultMaxDimension bounds the long edge of stored JPEG/PNG images.
	DefaultMaxDimension = 2048
)

var (
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("media: file too large")
	// ErrUnsupportedType is returned for content other than JPEG, PNG or GIF.
	ErrUnsupportedType = errors.New("media: unsupported file type")
	// ErrEmpty is returned for zero-length uploads.
	ErrEmpty = errors.New("media: empty file")
)

// Library stores media files in a single directory.
type Library struct {
	dir          string
	maxBytes     int64
	maxDimension int
	now          func() time.Time
}

// Opts holds parameters for creating a Library.
type Opts struct {
	Dir          string
	MaxBytes     int64 // defaults to DefaultMaxBytes
	MaxDimension int   // defaults to DefaultMaxDimension
	// For testing.
	Now func() time.Time
}

// New creates the media directory if needed and returns a Library over it.
func New(opts Opts) (*Library, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("media: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create dir: %w", err)
	}
	l := &Library{
		dir:          opts.Dir,
		maxBytes:     opts.MaxBytes,
		maxDimension: opts.MaxDimension,
		now:          opts.Now,
	}
	if l.maxBytes <= 0 {
		l.maxBytes = DefaultMaxBytes
	}
	if l.maxDimension <= 0 {
		l.maxDimension = DefaultMaxDimension
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// Dir returns the directory files are stored in.
func (l *Library) Dir() string { return l.dir }

// MaxBytes returns the upload size limit.
func (l *Library) MaxBytes() int64 { return l.maxBytes }

// Save validates and stores an upload, returning the stored file's path.
// The original name only contributes a hint to logging.
func (l *Library) Save(r io.Reader, name string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("media: read upload: %w", err)
	}
	return l.SaveBytes(data, name)
}

// SaveBytes is Save for in-memory content.
func (l *Library) SaveBytes(data []byte, name string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if int64(len(data)) > l.maxBytes {
		return "", fmt.Errorf("%w: limit is %s", ErrTooLarge, humanize.Bytes(uint64(l.maxBytes)))
	}

	mtype := mimetype.Detect(data)
	var (
		ext string
		out []byte
	)
	switch {
	case mtype.Is("image/gif"):
		ext, out = ".gif", data
	case mtype.Is("image/jpeg"), mtype.Is("image/png"):
		normalized, err := l.normalize(data)
		if err != nil {
			return "", err
		}
		ext, out = ".jpg", normalized
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mtype.String())
	}

	path := filepath.Join(l.dir, l.newName(ext))
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("media: write: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"name": name,
		"path": path,
		"size": humanize.Bytes(uint64(len(out))),
	}).Debug("media: stored upload")
	return path, nil
}

// normalize applies EXIF orientation, bounds the long edge and re-encodes as JPEG.
func (l *Library) normalize(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnsupportedType, err)
	}
	b := img.Bounds()
	if b.Dx() > l.maxDimension || b.Dy() > l.maxDimension {
		img = imaging.Fit(img, l.maxDimension, l.maxDimension, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("media: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (l *Library) newName(ext string) string {
	return l.now().Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + ext
}

// Clone copies a stored file under a fresh name so another job can own it.
func (l *Library) Clone(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("media: clone: %w", err)
	}
	defer src.Close()

	dstPath := filepath.Join(l.dir, l.newName(filepath.Ext(path)))
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("media: clone: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("media: clone: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", fmt.Errorf("media: clone: %w", err)
	}
	return dstPath, nil
}

// Remove deletes a file. Missing files and empty paths are not errors.
func (l *Library) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("media: remove: %w", err)
	}
	return nil
}

// Contains reports whether path lives directly in the library directory.
func (l *Library) Contains(path string) bool {
	if path == "" {
		return false
	}
	dir, err := filepath.Abs(l.dir)
	if err != nil {
		return false
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return filepath.Dir(p) == dir
}
