package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxorio/ekc/pkg/bus"
	"github.com/fluxorio/ekc/pkg/logging"
)

func TestBroker_RaisedMaxPayload(t *testing.T) {
	b, err := Start(Config{Host: "127.0.0.1", Port: -1, MaxPayload: 8 << 20}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.Shutdown)
	require.Equal(t, int32(8<<20), b.MaxPayload())

	pub, err := bus.ConnectNATS(bus.NATSConfig{URL: b.ClientURL()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	sub, err := bus.ConnectNATS(bus.NATSConfig{URL: b.ClientURL()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	require.Equal(t, int64(8<<20), pub.MaxPayload())
	require.NoError(t, sub.Subscribe("ekc-send-big"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	big := make([]byte, 4<<20)
	big[len(big)-1] = 0x7f
	require.NoError(t, pub.Publish(ctx, "ekc-send-big", big))

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "ekc-send-big", msg.Topic)
	require.Len(t, msg.Payload, len(big))
	require.Equal(t, byte(0x7f), msg.Payload[len(big)-1])

	err = pub.Publish(ctx, "ekc-send-big", make([]byte, 9<<20))
	var tooLarge *bus.PayloadTooLargeError
	require.True(t, errors.As(err, &tooLarge))
}

func TestPendingFor(t *testing.T) {
	require.GreaterOrEqual(t, pendingFor(1<<20), int64(1<<20))
	require.Equal(t, int64(4*(64<<20)), pendingFor(64<<20))
}
