// Package codec defines the binary framing used to move images over the bus.
//
// An encoded image is a fixed little-endian record:
//
//	u32 width | u32 height | u64 pixel length | pixel bytes
//
// Pixels are RGBA, 4 bytes per pixel, row-major with no row padding, so the
// pixel length is always width*height*4. The codec does not compress; large
// images need a bus configured with a matching maximum payload.
package codec

import (
	"encoding/binary"
	"fmt"
)

// BytesPerPixel is the fixed pixel size (8-bit RGBA).
const BytesPerPixel = 4

// HeaderSize is the number of bytes preceding the pixel data.
const HeaderSize = 4 + 4 + 8

// Image is a tightly packed RGBA8 image.
type Image struct {
	Width  uint32
	Height uint32
	Pixels []byte
}

// NewImage allocates a zeroed image of the given size.
func NewImage(width, height uint32) Image {
	return Image{
		Width:  width,
		Height: height,
		Pixels: make([]byte, PixelLen(width, height)),
	}
}

// PixelLen returns width*height*4 without overflowing 32-bit arithmetic.
func PixelLen(width, height uint32) uint64 {
	return uint64(width) * uint64(height) * BytesPerPixel
}

// RowBytes returns the unpadded row stride of the image.
func (img Image) RowBytes() uint32 {
	return img.Width * BytesPerPixel
}

// Validate checks the dimension and buffer-length invariants.
func (img Image) Validate() error {
	if img.Width == 0 || img.Height == 0 {
		return &DecodeError{Reason: ReasonZeroSize, Width: img.Width, Height: img.Height}
	}
	if want := PixelLen(img.Width, img.Height); uint64(len(img.Pixels)) != want {
		return &DecodeError{
			Reason: ReasonLengthMismatch,
			Width:  img.Width,
			Height: img.Height,
			Want:   want,
			Got:    uint64(len(img.Pixels)),
		}
	}
	return nil
}

// Encode serializes an image. It fails only when the image itself violates
// the pixel length invariant.
func Encode(img Image) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize+len(img.Pixels))
	binary.LittleEndian.PutUint32(buf[0:4], img.Width)
	binary.LittleEndian.PutUint32(buf[4:8], img.Height)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(img.Pixels)))
	copy(buf[HeaderSize:], img.Pixels)
	return buf, nil
}

// Decode parses an encoded image. The returned pixel slice aliases data.
func Decode(data []byte) (Image, error) {
	if len(data) < HeaderSize {
		return Image{}, &DecodeError{Reason: ReasonShortHeader, Got: uint64(len(data))}
	}
	img := Image{
		Width:  binary.LittleEndian.Uint32(data[0:4]),
		Height: binary.LittleEndian.Uint32(data[4:8]),
	}
	declared := binary.LittleEndian.Uint64(data[8:16])
	trailing := uint64(len(data) - HeaderSize)
	if declared != trailing {
		return Image{}, &DecodeError{
			Reason: ReasonTruncated,
			Width:  img.Width,
			Height: img.Height,
			Want:   declared,
			Got:    trailing,
		}
	}
	img.Pixels = data[HeaderSize:]
	if err := img.Validate(); err != nil {
		return Image{}, err
	}
	return img, nil
}

// Reason classifies a DecodeError.
type Reason string

const (
	ReasonShortHeader    Reason = "short header"
	ReasonTruncated      Reason = "declared length does not match payload"
	ReasonLengthMismatch Reason = "pixel length does not match dimensions"
	ReasonZeroSize       Reason = "zero-sized image"
)

// DecodeError reports a malformed image payload.
type DecodeError struct {
	Reason Reason
	Width  uint32
	Height uint32
	Want   uint64
	Got    uint64
}

func (e *DecodeError) Error() string {
	switch e.Reason {
	case ReasonShortHeader:
		return fmt.Sprintf("codec: %s: %d bytes, need %d", e.Reason, e.Got, HeaderSize)
	case ReasonZeroSize:
		return fmt.Sprintf("codec: %s (%dx%d)", e.Reason, e.Width, e.Height)
	default:
		return fmt.Sprintf("codec: %s (%dx%d): want %d bytes, got %d", e.Reason, e.Width, e.Height, e.Want, e.Got)
	}
}
