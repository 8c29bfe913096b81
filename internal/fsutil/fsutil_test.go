package fsutil

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"photo.png":           "photo.png",
		"../../etc/passwd":    "passwd",
		`C:\Users\me\pic.jpg`: "pic.jpg",
		"my holiday (1).JPG":  "my_holiday_1_.JPG",
		"..":                  "image",
		"":                    "image",
	}
	for in, want := range cases {
		assert.Equal(t, want, SafeName(in), in)
	}
}

func TestUniqueName(t *testing.T) {
	re := regexp.MustCompile(`^photo_[0-9a-f-]{36}\.png$`)
	a, b := UniqueName("photo.PNG"), UniqueName("photo.PNG")
	assert.Regexp(t, re, a)
	assert.NotEqual(t, a, b)
}

func TestResolve(t *testing.T) {
	p, err := Resolve("/u", "a.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/u", "a.png"), p)

	for _, bad := range []string{"", "..", "../a.png", "x/a.png", `x\a.png`} {
		_, err := Resolve("/u", bad)
		assert.True(t, errors.Is(err, ErrUnsafeName), bad)
	}
}

func TestListProbeAndClear(t *testing.T) {
	dir := t.TempDir()
	var b bytes.Buffer
	require.NoError(t, png.Encode(&b, image.NewGray(image.Rect(0, 0, 6, 4))))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), b.Bytes(), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	files, err := ListImages(dir, func(ext string) bool { return ext == "png" })
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "b.png")}, files)

	info, err := Probe(files[0])
	require.NoError(t, err)
	assert.Equal(t, 6, info.Width)
	assert.Equal(t, 4, info.Height)
	assert.Equal(t, "png", info.Format)
	assert.Equal(t, int64(b.Len()), info.Size)

	n, err := Clear(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.DirExists(t, filepath.Join(dir, "sub"))

	n, err = Clear(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
