// Package imagestore keeps uploaded receipt images and their thumbnails on
// the local filesystem under a single root directory.
package imagestore

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

const (
	// PublicPrefix is the URL path under which stored files are served.
	PublicPrefix = "/uploads/"
	// MaxFileSize caps a single upload.
	MaxFileSize = 10 << 20
	// MaxPixels caps the decoded size of an image, checked from its header
	// before any pixel data is decoded.
	MaxPixels = 50_000_000

	thumbDir      = "thumbs"
	thumbSize     = 200
	thumbQuality  = 85
	storedPerm    = 0644
	directoryPerm = 0755
)

var (
	// ErrInvalidFormat is returned when the declared type is not allowed or
	// the bytes do not decode as an allowed image format.
	ErrInvalidFormat = errors.New("unsupported image format: only JPEG, PNG and WebP are accepted")
	// ErrTooLarge is returned when an upload exceeds MaxFileSize.
	ErrTooLarge = errors.New("image exceeds the 10 MB limit")
	// ErrTooManyPixels is returned when an image's dimensions exceed MaxPixels.
	ErrTooManyPixels = errors.New("image dimensions exceed the 50 megapixel limit")
	// ErrOutsideRoot is returned when a path resolves outside the upload root.
	ErrOutsideRoot = errors.New("path escapes upload directory")
)

// allowedTypes maps accepted declared content types to themselves.
var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// formatExt maps image.Decode format names to stored extensions.
var formatExt = map[string]string{
	"jpeg": ".jpg",
	"png":  ".png",
	"webp": ".webp",
}

// Store implements receipt image storage on the local filesystem.
type Store struct {
	root string
}

// New creates a Store rooted at root, creating root and its thumbnail
// directory if needed.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving upload directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, thumbDir), directoryPerm); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	// Symlinks inside the root are compared against its real location.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving upload directory: %w", err)
	}
	return &Store{root: resolved}, nil
}

// Root returns the absolute upload directory.
func (s *Store) Root() string {
	return s.root
}

// Save validates and stores an uploaded image and returns its public path.
// The stored extension follows the detected format, not the declared one.
func (s *Store) Save(r io.Reader, contentType string, size int64) (string, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if !allowedTypes[contentType] {
		return "", fmt.Errorf("%w (got %q)", ErrInvalidFormat, contentType)
	}
	if size > MaxFileSize {
		return "", ErrTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return "", fmt.Errorf("reading upload: %w", err)
	}
	if len(data) > MaxFileSize {
		return "", ErrTooLarge
	}

	format, err := detectFormat(data)
	if err != nil {
		return "", err
	}

	name := uuid.NewString() + formatExt[format]
	if err := os.WriteFile(filepath.Join(s.root, name), data, storedPerm); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return PublicPrefix + name, nil
}

func detectFormat(data []byte) (string, error) {
	format, err := checkHeader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return format, nil
}

// checkHeader reads only the image header and rejects formats outside the
// allow-list and images over MaxPixels.
func checkHeader(r io.Reader) (string, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if _, ok := formatExt[format]; !ok {
		return "", fmt.Errorf("%w (detected %s)", ErrInvalidFormat, format)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return "", fmt.Errorf("%w (%dx%d)", ErrTooManyPixels, cfg.Width, cfg.Height)
	}
	return format, nil
}

// Resolve maps a public path such as /uploads/x.jpg to an absolute path
// inside the root. Existing paths are checked after following symlinks; a
// path that does not exist yet is checked lexically.
func (s *Store) Resolve(publicPath string) (string, error) {
	rel := strings.TrimPrefix(publicPath, PublicPrefix)
	rel = strings.TrimLeft(rel, "/")
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if !s.within(full) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, publicPath)
	}

	resolved, err := filepath.EvalSymlinks(full)
	if errors.Is(err, os.ErrNotExist) {
		return full, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", publicPath, err)
	}
	if !s.within(resolved) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, publicPath)
	}
	return full, nil
}

func (s *Store) within(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Thumbnail writes a JPEG fitting inside 200x200 and returns its public
// path. It returns "" on any failure; thumbnails are optional.
func (s *Store) Thumbnail(publicPath string) string {
	source, err := s.Resolve(publicPath)
	if err != nil {
		slog.Warn("Refusing thumbnail outside upload directory", "path", publicPath)
		return ""
	}

	f, err := os.Open(source)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to open image for thumbnail", "path", publicPath, "error", err)
		}
		return ""
	}
	defer f.Close()

	if _, err := checkHeader(f); err != nil {
		slog.Warn("Refusing thumbnail for image", "path", publicPath, "error", err)
		return ""
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		slog.Warn("Failed to rewind image for thumbnail", "path", publicPath, "error", err)
		return ""
	}
	img, _, err := image.Decode(f)
	if err != nil {
		slog.Warn("Failed to decode image for thumbnail", "path", publicPath, "error", err)
		return ""
	}

	name := uuid.NewString() + ".jpg"
	if err := writeThumbnail(filepath.Join(s.root, thumbDir, name), img); err != nil {
		slog.Warn("Failed to write thumbnail", "path", publicPath, "error", err)
		return ""
	}
	return PublicPrefix + thumbDir + "/" + name
}

func writeThumbnail(path string, img image.Image) error {
	w, h := fit(img.Bounds().Dx(), img.Bounds().Dy(), thumbSize, thumbSize)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating thumbnail: %w", err)
	}
	if err := jpeg.Encode(out, dst, &jpeg.Options{Quality: thumbQuality}); err != nil {
		out.Close()
		os.Remove(path)
		return fmt.Errorf("encoding thumbnail: %w", err)
	}
	return out.Close()
}

// fit scales w x h down to fit the box, keeping aspect ratio. Images already
// inside the box keep their size.
func fit(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return max(w, 1), max(h, 1)
	}
	if w*maxH > h*maxW {
		return maxW, max(h*maxW/w, 1)
	}
	return max(w*maxH/h, 1), maxH
}

// Delete removes a stored file. A missing file is not an error.
func (s *Store) Delete(publicPath string) error {
	full, err := s.Resolve(publicPath)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
