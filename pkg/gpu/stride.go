package gpu

import (
	"fmt"
	"math"
)

const (
	// WorkgroupSize is the edge length of the square compute tile every
	// kernel is written for (@workgroup_size(16, 16)).
	WorkgroupSize = 16

	// CopyBytesPerRowAlignment is the row alignment texture-to-buffer copies
	// must respect.
	CopyBytesPerRowAlignment = 256

	bytesPerPixel = 4

	// MaxWidth is the widest image whose padded row stride fits in uint32.
	MaxWidth = (math.MaxUint32 - (CopyBytesPerRowAlignment - 1)) / bytesPerPixel
)

// UnpaddedBytesPerRow is the tight host-side row stride of an RGBA8 image.
// Widths above MaxWidth overflow; Pipeline.Execute rejects them.
func UnpaddedBytesPerRow(width uint32) uint32 {
	return width * bytesPerPixel
}

// PaddedBytesPerRow rounds the row stride up to CopyBytesPerRowAlignment.
func PaddedBytesPerRow(width uint32) uint32 {
	return alignUp(UnpaddedBytesPerRow(width), CopyBytesPerRowAlignment)
}

// WorkgroupCount returns the minimal number of workgroups covering the image
// in each dimension.
func WorkgroupCount(width, height uint32) (x, y uint32) {
	return divCeil(width, WorkgroupSize), divCeil(height, WorkgroupSize)
}

// StripRowPadding copies height rows of width*4 bytes out of a buffer laid
// out with paddedStride bytes per row.
func StripRowPadding(padded []byte, width, height, paddedStride uint32) ([]byte, error) {
	row := UnpaddedBytesPerRow(width)
	if paddedStride < row {
		return nil, fmt.Errorf("gpu: padded stride %d smaller than row %d", paddedStride, row)
	}
	if need := uint64(paddedStride) * uint64(height); uint64(len(padded)) < need {
		return nil, fmt.Errorf("gpu: readback buffer has %d bytes, need %d", len(padded), need)
	}
	out := make([]byte, uint64(row)*uint64(height))
	for y := uint32(0); y < height; y++ {
		src := uint64(y) * uint64(paddedStride)
		dst := uint64(y) * uint64(row)
		copy(out[dst:dst+uint64(row)], padded[src:src+uint64(row)])
	}
	return out, nil
}

// PadRows lays tight rows out with paddedStride bytes per row, filling the
// gap with fill. It is the inverse of StripRowPadding.
func PadRows(tight []byte, width, height, paddedStride uint32, fill byte) []byte {
	row := UnpaddedBytesPerRow(width)
	out := make([]byte, uint64(paddedStride)*uint64(height))
	for i := range out {
		out[i] = fill
	}
	for y := uint32(0); y < height; y++ {
		src := uint64(y) * uint64(row)
		dst := uint64(y) * uint64(paddedStride)
		copy(out[dst:dst+uint64(row)], tight[src:src+uint64(row)])
	}
	return out
}

func alignUp(n, align uint32) uint32 {
	return divCeil(n, align) * align
}

func divCeil(n, d uint32) uint32 {
	return uint32((uint64(n) + uint64(d) - 1) / uint64(d))
}
