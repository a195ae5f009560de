package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	a := hub.Connect("a")
	b := hub.Connect("b")
	pub := hub.Connect("pub")
	defer a.Close()
	defer b.Close()
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Subscribe("ekc-init"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Second subscription to the same topic must not double deliveries.
	if err := a.Subscribe("ekc-init"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe("ekc-init"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe("ekc-send-b"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	payload := []byte("kernel")
	if err := pub.Publish(ctx, "ekc-init", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Publish(ctx, "ekc-send-b", []byte("img")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// No subscribers: dropped, not an error.
	if err := pub.Publish(ctx, "ekc-send-nobody", []byte("img")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	payload[0] = 'X'

	msg, err := a.Receive(ctx)
	if err != nil || msg.Topic != "ekc-init" || string(msg.Payload) != "kernel" {
		t.Fatalf("a got %q %q %v", msg.Topic, msg.Payload, err)
	}
	if n := a.(*memoryBus).inbox.len(); n != 0 {
		t.Fatalf("a has %d extra messages", n)
	}

	msg, err = b.Receive(ctx)
	if err != nil || msg.Topic != "ekc-init" {
		t.Fatalf("b first got %q %v", msg.Topic, err)
	}
	msg, err = b.Receive(ctx)
	if err != nil || msg.Topic != "ekc-send-b" || string(msg.Payload) != "img" {
		t.Fatalf("b second got %q %v", msg.Topic, err)
	}
}

func TestMemoryBus_ReceiveHonoursContextAndClose(t *testing.T) {
	hub := NewMemoryHub(0)
	c := hub.Connect("c")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}

	if err := c.Publish(context.Background(), "x", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after close: %v", err)
	}
	if err := c.Subscribe("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after close: %v", err)
	}
}

func TestMemoryBus_MaxPayload(t *testing.T) {
	hub := NewMemoryHub(8)
	c := hub.Connect("c")
	defer c.Close()

	err := c.Publish(context.Background(), "t", make([]byte, 9))
	var tooLarge *PayloadTooLargeError
	if !errors.As(err, &tooLarge) || tooLarge.Size != 9 || tooLarge.Max != 8 {
		t.Fatalf("Expected PayloadTooLargeError, got %v", err)
	}
}

func TestInbox_FIFO(t *testing.T) {
	q := newInbox()
	for i := 0; i < 100; i++ {
		q.push(Message{Topic: "t", Payload: []byte{byte(i)}})
	}
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		msg, err := q.pop(ctx)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if msg.Payload[0] != byte(i) {
			t.Fatalf("Expected %d, got %d", i, msg.Payload[0])
		}
	}
	q.close()
	q.push(Message{})
	if _, err := q.pop(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}
