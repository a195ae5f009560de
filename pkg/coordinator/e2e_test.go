package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxorio/ekc/pkg/bus"
	"github.com/fluxorio/ekc/pkg/gpu/gputest"
	"github.com/fluxorio/ekc/pkg/kernel"
	"github.com/fluxorio/ekc/pkg/logging"
	"github.com/fluxorio/ekc/pkg/worker"
)

func TestEndToEnd_WorkersInvertBatch(t *testing.T) {
	hub := bus.NewMemoryHub(64 << 20)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	workerDone := make(chan error, 3)
	for _, id := range []string{"gpu-a", "gpu-b", "gpu-c"} {
		device := gputest.NewDevice(map[string]gputest.Kernel{gputest.InvertSource: gputest.Invert})
		conn := hub.Connect(id)
		defer conn.Close()
		w, err := worker.New(worker.Config{ID: id}, conn, device, logging.NewNop())
		require.NoError(t, err)
		defer w.Close()
		require.NoError(t, w.Start())
		go func() { workerDone <- w.Run(ctx) }()
	}

	src, err := kernel.New([]byte(gputest.InvertSource))
	require.NoError(t, err)
	source := newMemSource(7)
	sink := newMemSink()
	conn := hub.Connect("coordinator")
	defer conn.Close()

	c, err := New(Config{DispatchDelay: 10 * time.Millisecond}, conn, src, source, sink, logging.NewNop())
	require.NoError(t, err)

	p, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Progress{Total: 7, Dispatched: 7, Completed: 7}, p)

	for i, in := range source.imgs {
		out, ok := sink.stored[i]
		require.True(t, ok, "missing output %d", i)
		require.Equal(t, in.Width, out.Width)
		require.Equal(t, in.Height, out.Height)
		for j := 0; j < len(in.Pixels); j += 4 {
			require.Equal(t, 255-in.Pixels[j], out.Pixels[j])
			require.Equal(t, in.Pixels[j+3], out.Pixels[j+3])
		}
	}

	for _, info := range c.Snapshot().Workers {
		require.Equal(t, StatusReady, info.Status)
	}

	cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, <-workerDone)
	}
}

func TestEndToEnd_WorkerServesConsecutiveBatches(t *testing.T) {
	hub := bus.NewMemoryHub(64 << 20)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	device := gputest.NewDevice(map[string]gputest.Kernel{gputest.InvertSource: gputest.Invert})
	wconn := hub.Connect("gpu-a")
	defer wconn.Close()
	w, err := worker.New(worker.Config{ID: "gpu-a"}, wconn, device, logging.NewNop())
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Start())
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	src, err := kernel.New([]byte(gputest.InvertSource))
	require.NoError(t, err)

	for batch := 0; batch < 2; batch++ {
		batchCtx, batchCancel := context.WithTimeout(ctx, 2*time.Second)
		conn := hub.Connect("coordinator")
		c, err := New(Config{DispatchDelay: 5 * time.Millisecond}, conn, src, newMemSource(2), newMemSink(), logging.NewNop())
		require.NoError(t, err)

		p, err := c.Run(batchCtx)
		batchCancel()
		_ = conn.Close()
		require.NoError(t, err, "batch %d", batch)
		require.Equal(t, Progress{Total: 2, Dispatched: 2, Completed: 2}, p, "batch %d", batch)
		require.Len(t, c.Snapshot().Workers, 1, "batch %d", batch)
	}

	cancel()
	require.NoError(t, <-workerDone)
}
