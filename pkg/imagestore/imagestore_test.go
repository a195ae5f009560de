package imagestore

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/fluxorio/ekc/pkg/codec"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func checker(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: uint8(x + y), A: 200})
		}
	}
	return img
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"), checker(3, 2))
	writePNG(t, filepath.Join(dir, "a.PNG"), checker(5, 4))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	f, err := os.Create(filepath.Join(dir, "c.bmp"))
	require.NoError(t, err)
	gray := image.NewGray(image.Rect(0, 0, 2, 2))
	gray.SetGray(1, 1, color.Gray{Y: 77})
	require.NoError(t, bmp.Encode(f, gray))
	require.NoError(t, f.Close())

	src, err := OpenDir(dir)
	require.NoError(t, err)
	require.Equal(t, 3, src.Len())
	require.Equal(t, []string{"a.PNG", "b.png", "c.bmp"}, []string{src.Name(0), src.Name(1), src.Name(2)})

	img, err := src.Load(0)
	require.NoError(t, err)
	require.Equal(t, uint32(5), img.Width)
	require.Equal(t, uint32(4), img.Height)
	require.NoError(t, img.Validate())
	// (2,1): R=20 G=10 B=3 A=200
	i := (1*5 + 2) * 4
	require.Equal(t, []byte{20, 10, 3, 200}, img.Pixels[i:i+4])

	img, err = src.Load(2)
	require.NoError(t, err)
	require.Equal(t, []byte{77, 77, 77, 255}, img.Pixels[12:16])
}

func TestOpenDir_Errors(t *testing.T) {
	_, err := OpenDir(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	_, err = OpenDir(t.TempDir())
	require.ErrorIs(t, err, ErrNoImages)
}

func TestDirSource_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.png"), []byte("not a png"), 0o600))
	src, err := OpenDir(dir)
	require.NoError(t, err)
	_, err = src.Load(0)
	require.Error(t, err)
}

func TestFromImage_SubImage(t *testing.T) {
	full := checker(8, 8)
	sub := full.SubImage(image.Rect(2, 3, 5, 5))
	img, err := FromImage(sub)
	require.NoError(t, err)
	require.Equal(t, uint32(3), img.Width)
	require.Equal(t, uint32(2), img.Height)
	require.Equal(t, []byte{20, 30, 5, 200}, img.Pixels[0:4])
}

func TestPNGSink_RoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "output")
	sink, err := NewPNGSink(out, "")
	require.NoError(t, err)

	want, err := FromImage(checker(6, 3))
	require.NoError(t, err)
	path, err := sink.Store(7, want)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(out, "00007.png"), path)

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	src, err := OpenDir(out)
	require.NoError(t, err)
	got, err := src.Load(0)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = sink.Store(8, codec.Image{Width: 2, Height: 2, Pixels: make([]byte, 3)})
	require.Error(t, err)
}
