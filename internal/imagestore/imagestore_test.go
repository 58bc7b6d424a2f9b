package imagestore

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestValidate(t *testing.T) {
	format, err := Validate(pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	_, err = Validate([]byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrInvalidImage)

	_, err = Validate(nil)
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestSaveOpenDelete(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	data := pngBytes(t)

	ref, err := s.SaveReference(ctx, "S1", data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "references/S1/"))
	assert.True(t, strings.HasSuffix(ref, ".png"))

	again, err := s.SaveReference(ctx, "S1", data)
	require.NoError(t, err)
	assert.NotEqual(t, ref, again, "reference handles are unique per attempt")

	got, err := s.Read(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	tmp, err := s.SaveTransient(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tmp, "transient/"))

	require.NoError(t, s.Delete(ctx, tmp))
	_, err = s.Open(ctx, tmp)
	assert.Error(t, err)
	assert.NoError(t, s.Delete(ctx, tmp), "deleting twice is fine")
}

func TestSubjectIDIsSanitised(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	ref, err := s.SaveReference(context.Background(), "../../etc", pngBytes(t))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "references/______etc/"))
}

func TestRejectsEscapingHandles(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, h := range []string{"", "/etc/passwd", "../secret", "references/../../x", "a//b"} {
		_, err := s.Open(ctx, h)
		assert.ErrorIs(t, err, ErrInvalidHandle, h)
		assert.ErrorIs(t, s.Delete(ctx, h), ErrInvalidHandle, h)
	}
}

func TestSaveHonoursCancelledContext(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.SaveTransient(ctx, pngBytes(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCleanupTransient(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocal(dir)
	require.NoError(t, err)
	ctx := context.Background()

	old, err := s.SaveTransient(ctx, pngBytes(t))
	require.NoError(t, err)
	fresh, err := s.SaveTransient(ctx, pngBytes(t))
	require.NoError(t, err)
	ref, err := s.SaveReference(ctx, "S1", pngBytes(t))
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, filepath.FromSlash(old)), past, past))

	deleted, err := s.CleanupTransient(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{old}, deleted)

	_, err = s.Open(ctx, fresh)
	assert.NoError(t, err)
	_, err = s.Open(ctx, ref)
	assert.NoError(t, err, "references are never swept")
}
