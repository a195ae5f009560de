package gpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

var representativeWidths = []uint32{1, 3, 16, 17, 63, 64, 65, 255, 256, 257, 4096}

func TestPaddedBytesPerRow(t *testing.T) {
	for _, w := range representativeWidths {
		p := PaddedBytesPerRow(w)
		require.GreaterOrEqual(t, p, w*4, "width %d", w)
		require.Zero(t, p%CopyBytesPerRowAlignment, "width %d", w)
		require.Less(t, p-w*4, uint32(CopyBytesPerRowAlignment), "width %d not minimal", w)
	}
	require.Equal(t, uint32(256), PaddedBytesPerRow(1))
	require.Equal(t, uint32(256), PaddedBytesPerRow(64))
	require.Equal(t, uint32(512), PaddedBytesPerRow(65))
	require.Equal(t, uint32(16384), PaddedBytesPerRow(4096))
}

func TestPaddedBytesPerRow_WidestImage(t *testing.T) {
	p := PaddedBytesPerRow(MaxWidth)
	require.Equal(t, uint32(MaxWidth*4), p)
	require.Zero(t, p%CopyBytesPerRowAlignment)
	require.Greater(t, p, PaddedBytesPerRow(4096))
}

func TestWorkgroupCount_NoWrap(t *testing.T) {
	gx, gy := WorkgroupCount(math.MaxUint32, math.MaxUint32-1)
	require.Equal(t, uint32(math.MaxUint32/WorkgroupSize+1), gx)
	require.Equal(t, uint32(math.MaxUint32/WorkgroupSize+1), gy)
}

func TestStripRowPadding_RoundTrip(t *testing.T) {
	const height = 3
	for _, w := range representativeWidths {
		tight := make([]byte, w*4*height)
		for i := range tight {
			tight[i] = byte(i % 251)
		}
		stride := PaddedBytesPerRow(w)
		padded := PadRows(tight, w, height, stride, 0xEE)
		require.Len(t, padded, int(stride*height))

		got, err := StripRowPadding(padded, w, height, stride)
		require.NoError(t, err)
		require.Equal(t, tight, got, "width %d", w)
	}
}

func TestStripRowPadding_Rejects(t *testing.T) {
	_, err := StripRowPadding(make([]byte, 1024), 100, 1, 256)
	require.Error(t, err, "stride smaller than row")

	_, err = StripRowPadding(make([]byte, 255), 1, 1, 256)
	require.Error(t, err, "short buffer")
}

func TestWorkgroupCount(t *testing.T) {
	cases := []struct {
		w, h   uint32
		gx, gy uint32
	}{
		{1, 1, 1, 1},
		{16, 16, 1, 1},
		{17, 16, 2, 1},
		{16, 33, 1, 3},
		{255, 256, 16, 16},
		{257, 4096, 17, 256},
	}
	for _, tc := range cases {
		gx, gy := WorkgroupCount(tc.w, tc.h)
		require.Equal(t, tc.gx, gx, "%dx%d", tc.w, tc.h)
		require.Equal(t, tc.gy, gy, "%dx%d", tc.w, tc.h)
	}
	for _, w := range representativeWidths {
		for _, h := range representativeWidths {
			gx, gy := WorkgroupCount(w, h)
			require.GreaterOrEqual(t, gx*WorkgroupSize, w)
			require.GreaterOrEqual(t, gy*WorkgroupSize, h)
			require.Less(t, (gx-1)*WorkgroupSize, w)
			require.Less(t, (gy-1)*WorkgroupSize, h)
		}
	}
}
