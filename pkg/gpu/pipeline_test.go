package gpu_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxorio/ekc/pkg/codec"
	"github.com/fluxorio/ekc/pkg/gpu"
	"github.com/fluxorio/ekc/pkg/gpu/gputest"
)

func newPipeline(t *testing.T) (*gpu.Pipeline, *gputest.Device) {
	t.Helper()
	dev := gputest.NewDevice(map[string]gputest.Kernel{gputest.InvertSource: gputest.Invert})
	p, err := gpu.Compile(dev, gputest.InvertSource)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, dev
}

func gradient(w, h uint32) codec.Image {
	img := codec.NewImage(w, h)
	for i := range img.Pixels {
		img.Pixels[i] = byte(i)
	}
	return img
}

func TestCompile_UnknownSource(t *testing.T) {
	dev := gputest.NewDevice(nil)
	_, err := gpu.Compile(dev, "not wgsl")
	var se *gpu.StageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, gpu.StageCompile, se.Stage)
}

func TestExecute_InvertsImage(t *testing.T) {
	p, dev := newPipeline(t)

	for _, size := range [][2]uint32{{1, 1}, {17, 3}, {64, 64}, {65, 2}, {257, 5}} {
		in := gradient(size[0], size[1])
		out, err := p.Execute(context.Background(), in)
		require.NoError(t, err)
		require.Equal(t, in.Width, out.Width)
		require.Equal(t, in.Height, out.Height)
		require.Len(t, out.Pixels, len(in.Pixels))
		for i := 0; i < len(in.Pixels); i += 4 {
			require.Equal(t, 255-in.Pixels[i], out.Pixels[i])
			require.Equal(t, 255-in.Pixels[i+1], out.Pixels[i+1])
			require.Equal(t, 255-in.Pixels[i+2], out.Pixels[i+2])
			require.Equal(t, in.Pixels[i+3], out.Pixels[i+3])
		}
	}
	require.Equal(t, 1, dev.LiveResources(), "only the compiled kernel stays alive")
}

func TestExecute_Layouts(t *testing.T) {
	p, dev := newPipeline(t)

	_, err := p.Execute(context.Background(), gradient(17, 33))
	require.NoError(t, err)

	require.Len(t, dev.Uploads, 1)
	require.Equal(t, uint32(17*4), dev.Uploads[0].BytesPerRow)
	require.Equal(t, uint32(33), dev.Uploads[0].RowsPerImage)

	require.Len(t, dev.Dispatches, 1)
	d := dev.Dispatches[0]
	require.Equal(t, [3]uint32{2, 3, 1}, d.Workgroups)
	require.Equal(t, []uint32{0, 1}, d.Slots)
	require.Equal(t, uint32(256), d.CopyLayout.BytesPerRow)
	require.Equal(t, uint64(2*3*gpu.WorkgroupSize*gpu.WorkgroupSize), d.Invocations)
}

func TestExecute_RejectsBeforeSubmission(t *testing.T) {
	p, dev := newPipeline(t)

	_, err := p.Execute(context.Background(), codec.Image{})
	require.ErrorIs(t, err, gpu.ErrZeroSize)

	_, err = p.Execute(context.Background(), codec.Image{Width: 2, Height: 2, Pixels: make([]byte, 3)})
	var se *gpu.StageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, gpu.StageValidate, se.Stage)

	dev.WithLimits(gpu.Limits{MaxTextureDimension2D: 8})
	_, err = p.Execute(context.Background(), gradient(9, 1))
	require.True(t, errors.As(err, &se))
	require.Equal(t, gpu.StageValidate, se.Stage)

	require.Empty(t, dev.Dispatches)
}

func TestExecute_RejectsWidthBeyondStride(t *testing.T) {
	p, dev := newPipeline(t)
	dev.WithLimits(gpu.Limits{})

	_, err := p.Execute(context.Background(), codec.Image{Width: gpu.MaxWidth + 1, Height: 1})
	var se *gpu.StageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, gpu.StageValidate, se.Stage)
	require.Contains(t, err.Error(), "exceeds")
	require.Empty(t, dev.Dispatches)
}

func TestExecute_FailuresAreTaskLocal(t *testing.T) {
	cases := []struct {
		fault gputest.Fault
		stage gpu.Stage
	}{
		{gputest.Fault{Op: "texture"}, gpu.StageAllocate},
		{gputest.Fault{Op: "write"}, gpu.StageUpload},
		{gputest.Fault{Op: "buffer"}, gpu.StageAllocate},
		{gputest.Fault{Op: "submit"}, gpu.StageDispatch},
		{gputest.Fault{Op: "read"}, gpu.StageReadback},
		{gputest.Fault{Op: "submit", Panic: true}, gpu.StageDispatch},
	}
	for _, tc := range cases {
		t.Run(tc.fault.Op, func(t *testing.T) {
			p, dev := newPipeline(t)
			dev.Inject(tc.fault)

			_, err := p.Execute(context.Background(), gradient(4, 4))
			var se *gpu.StageError
			require.True(t, errors.As(err, &se), "got %v", err)
			require.Equal(t, tc.stage, se.Stage)
			require.Equal(t, 1, dev.LiveResources(), "resources released after failure")

			_, err = p.Execute(context.Background(), gradient(4, 4))
			require.NoError(t, err, "pipeline usable after a failed task")
		})
	}
}

func TestExecute_Closed(t *testing.T) {
	p, _ := newPipeline(t)
	p.Close()
	_, err := p.Execute(context.Background(), gradient(1, 1))
	require.ErrorIs(t, err, gpu.ErrNotCompiled)
}
