// Package imagestore keeps reference and transient face images on local disk.
package imagestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"
)

const (
	referenceDir = "references"
	transientDir = "transient"
)

// ErrInvalidImage is returned for payloads that are not a decodable image.
var ErrInvalidImage = errors.New("invalid image")

// ErrInvalidHandle is returned for handles that escape the store.
var ErrInvalidHandle = errors.New("invalid image handle")

// Local stores images under a base directory. Handles are slash-separated
// paths relative to that directory.
type Local struct {
	baseDir string
}

// NewLocal ensures the directory layout exists.
func NewLocal(baseDir string) (*Local, error) {
	if baseDir == "" {
		baseDir = "./data/images"
	}
	for _, dir := range []string{referenceDir, transientDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create image directory: %w", err)
		}
	}
	return &Local{baseDir: baseDir}, nil
}

// Validate checks that data decodes as JPEG, PNG or WebP and returns the format.
func Validate(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrInvalidImage
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return format, nil
}

// SaveReference writes a subject's reference image under a fresh name, so a
// losing enrollment attempt never overwrites the winner's file.
func (s *Local) SaveReference(ctx context.Context, subjectID string, data []byte) (string, error) {
	dir := referenceDir + "/" + safeSegment(subjectID)
	return s.save(ctx, dir, data)
}

// SaveTransient writes a candidate image that must be deleted after use.
func (s *Local) SaveTransient(ctx context.Context, data []byte) (string, error) {
	return s.save(ctx, transientDir, data)
}

func (s *Local) save(ctx context.Context, dir string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle := dir + "/" + uuid.NewString() + extension(data)
	path := s.resolve(handle)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare image directory: %w", err)
	}
	if err := writeFile(ctx, path, data); err != nil {
		return "", err
	}
	return handle, nil
}

// Open returns a reader for a stored image.
func (s *Local) Open(_ context.Context, handle string) (io.ReadCloser, error) {
	if !s.valid(handle) {
		return nil, ErrInvalidHandle
	}
	f, err := os.Open(s.resolve(handle))
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	return f, nil
}

// Read loads a stored image fully.
func (s *Local) Read(ctx context.Context, handle string) ([]byte, error) {
	rc, err := s.Open(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Delete removes a stored image; missing files are not an error.
func (s *Local) Delete(_ context.Context, handle string) error {
	if !s.valid(handle) {
		return ErrInvalidHandle
	}
	if err := os.Remove(s.resolve(handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}

// CleanupTransient removes transient images older than ttl and returns their handles.
func (s *Local) CleanupTransient(ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl)
	root := filepath.Join(s.baseDir, transientDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list transient images: %w", err)
	}
	var deleted []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(root, e.Name())); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("remove transient image: %w", err)
		}
		deleted = append(deleted, transientDir+"/"+e.Name())
	}
	return deleted, nil
}

func (s *Local) resolve(handle string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(handle))
}

func (s *Local) valid(handle string) bool {
	if handle == "" || strings.HasPrefix(handle, "/") {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(handle)))
	return clean == handle && !strings.HasPrefix(clean, "../") && clean != ".."
}

// writeFile writes to a temp name and renames, giving up if ctx expires.
func writeFile(ctx context.Context, path string, data []byte) error {
	tmp := path + ".part"
	done := make(chan error, 1)
	go func() {
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			done <- fmt.Errorf("write image: %w", err)
			return
		}
		done <- os.Rename(tmp, path)
	}()
	select {
	case err := <-done:
		if err != nil {
			_ = os.Remove(tmp)
		}
		return err
	case <-ctx.Done():
		go func() {
			<-done
			_ = os.Remove(tmp)
			_ = os.Remove(path)
		}()
		return ctx.Err()
	}
}

func extension(data []byte) string {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ".img"
	}
	if format == "jpeg" {
		return ".jpg"
	}
	return "." + format
}

func safeSegment(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
