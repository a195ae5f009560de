// Package imagestore reads the coordinator's input batch from a directory
// of raster files and writes results as numbered PNG files.
package imagestore

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"  // register decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder

	"github.com/fluxorio/ekc/pkg/codec"
)

// DefaultPattern names output files by input index.
const DefaultPattern = "%05d.png"

var extensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// ErrNoImages is returned by OpenDir for a directory without raster files.
var ErrNoImages = errors.New("imagestore: no images found")

// DirSource is the sorted list of raster files in a directory.
type DirSource struct {
	dir   string
	files []string
}

// OpenDir lists dir. Files are ordered by name; subdirectories and files
// with unknown extensions are skipped.
func OpenDir(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("imagestore: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !extensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, e.Name())
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, dir)
	}
	sort.Strings(files)
	return &DirSource{dir: dir, files: files}, nil
}

func (s *DirSource) Len() int { return len(s.files) }

func (s *DirSource) Name(i int) string { return s.files[i] }

// Load decodes file i into tightly packed non-premultiplied RGBA.
func (s *DirSource) Load(i int) (codec.Image, error) {
	path := filepath.Join(s.dir, s.files[i])
	f, err := os.Open(path) // #nosec G304 -- listed from the configured input directory.
	if err != nil {
		return codec.Image{}, fmt.Errorf("imagestore: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return codec.Image{}, fmt.Errorf("imagestore: decode %s: %w", path, err)
	}
	return FromImage(img)
}

// FromImage converts any image to the wire representation.
func FromImage(img image.Image) (codec.Image, error) {
	b := img.Bounds()
	if b.Empty() {
		return codec.Image{}, fmt.Errorf("imagestore: empty image %v", b)
	}
	w, h := b.Dx(), b.Dy()

	if n, ok := img.(*image.NRGBA); ok && n.Stride == 4*w && n.Rect.Min == (image.Point{}) {
		pixels := make([]byte, len(n.Pix[:4*w*h]))
		copy(pixels, n.Pix)
		return codec.Image{Width: uint32(w), Height: uint32(h), Pixels: pixels}, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return codec.Image{Width: uint32(w), Height: uint32(h), Pixels: dst.Pix}, nil
}

// ToImage wraps wire pixels as an image without copying.
func ToImage(img codec.Image) (*image.NRGBA, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return &image.NRGBA{
		Pix:    img.Pixels,
		Stride: int(img.RowBytes()),
		Rect:   image.Rect(0, 0, int(img.Width), int(img.Height)),
	}, nil
}

// PNGSink writes results into a directory.
type PNGSink struct {
	dir     string
	pattern string
	encoder png.Encoder
}

// NewPNGSink creates dir if needed. An empty pattern uses DefaultPattern.
func NewPNGSink(dir, pattern string) (*PNGSink, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("imagestore: %w", err)
	}
	return &PNGSink{
		dir:     dir,
		pattern: pattern,
		encoder: png.Encoder{CompressionLevel: png.BestSpeed},
	}, nil
}

// Store writes the result for input index and returns the file path.
func (s *PNGSink) Store(index int, img codec.Image) (string, error) {
	nrgba, err := ToImage(img)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, fmt.Sprintf(s.pattern, index))
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) // #nosec G304 -- path built from the output directory.
	if err != nil {
		return "", fmt.Errorf("imagestore: %w", err)
	}
	if err := s.encoder.Encode(f, nrgba); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("imagestore: encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("imagestore: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("imagestore: %w", err)
	}
	return path, nil
}
