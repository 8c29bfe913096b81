// Package fsutil manages the upload and result directories on disk.
package fsutil

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsafeName is returned for names that would escape the directory.
var ErrUnsafeName = errors.New("unsafe file name")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName reduces a client-supplied file name to its base with a restricted character set.
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "image"
	}
	return name
}

// UniqueName returns <stem>_<uuid><ext> for a client-supplied name.
func UniqueName(name string) string {
	safe := SafeName(name)
	ext := strings.ToLower(filepath.Ext(safe))
	stem := strings.TrimSuffix(safe, filepath.Ext(safe))
	if stem == "" {
		stem = "image"
	}
	return fmt.Sprintf("%s_%s%s", stem, uuid.NewString(), ext)
}

// Resolve returns the path of name inside dir, refusing names with directory parts.
func Resolve(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return filepath.Join(dir, name), nil
}

// Ext returns the lower-case extension of path without the dot.
func Ext(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// FileInfo describes one image file in a directory.
type FileInfo struct {
	Name   string
	Path   string
	Size   int64
	Width  int
	Height int
	Format string
}

// Probe reads the image header of path. Width and height stay zero for formats
// the Go decoders do not know.
func Probe(path string) (FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	info := FileInfo{Name: filepath.Base(path), Path: path, Size: st.Size(), Format: Ext(path)}
	f, err := os.Open(path)
	if err != nil {
		return info, err
	}
	defer f.Close()
	if cfg, format, err := image.DecodeConfig(f); err == nil {
		info.Width, info.Height, info.Format = cfg.Width, cfg.Height, format
	}
	return info, nil
}

// ListImages returns the files directly under dir whose extension passes allowed, by name.
func ListImages(dir string, allowed func(ext string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !allowed(Ext(e.Name())) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Clear removes every regular file directly under dir and returns how many were removed.
// A missing directory counts as empty.
func Clear(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
