package bus

import (
	"context"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
)

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()

	opts := &natssrv.Options{
		Host: "127.0.0.1",
		Port: -1,
	}
	s, err := natssrv.NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(func() {
		s.Shutdown()
	})
	return s
}

func connect(t *testing.T, url, prefix string) *NATSBus {
	t.Helper()
	b, err := ConnectNATS(NATSConfig{URL: url, Prefix: prefix, Name: t.Name()}, nil)
	if err != nil {
		t.Fatalf("ConnectNATS: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNATSBus_ExactTopicRouting(t *testing.T) {
	s := runTestNATSServer(t)
	coord := connect(t, s.ClientURL(), "")
	w1 := connect(t, s.ClientURL(), "")
	w2 := connect(t, s.ClientURL(), "")

	for _, w := range []*NATSBus{w1, w2} {
		if err := w.Subscribe("ekc-init"); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	if err := w1.Subscribe("ekc-send-w1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := w2.Subscribe("ekc-send-w2"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := coord.Publish(ctx, "ekc-init", []byte("kernel")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := coord.Publish(ctx, "ekc-send-w2", []byte("img")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg, err := w1.Receive(ctx)
	if err != nil || msg.Topic != "ekc-init" || string(msg.Payload) != "kernel" {
		t.Fatalf("w1 got %q %q %v", msg.Topic, msg.Payload, err)
	}
	msg, err = w2.Receive(ctx)
	if err != nil || msg.Topic != "ekc-init" {
		t.Fatalf("w2 got %q %v", msg.Topic, err)
	}
	msg, err = w2.Receive(ctx)
	if err != nil || msg.Topic != "ekc-send-w2" || string(msg.Payload) != "img" {
		t.Fatalf("w2 got %q %v", msg.Topic, err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	if msg, err := w1.Receive(short); err == nil {
		t.Fatalf("w1 received foreign message on %s", msg.Topic)
	}
}

func TestNATSBus_Prefix(t *testing.T) {
	s := runTestNATSServer(t)
	a := connect(t, s.ClientURL(), "lab")
	b := connect(t, s.ClientURL(), "lab")
	other := connect(t, s.ClientURL(), "")

	if err := b.Subscribe("ekc-reg"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := other.Subscribe("ekc-reg"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Publish(ctx, "ekc-reg", []byte("w1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg, err := b.Receive(ctx)
	if err != nil || msg.Topic != "ekc-reg" || string(msg.Payload) != "w1" {
		t.Fatalf("b got %q %q %v", msg.Topic, msg.Payload, err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	if _, err := other.Receive(short); err == nil {
		t.Fatal("unprefixed client saw prefixed traffic")
	}
}

func TestNATSBus_InvalidPrefix(t *testing.T) {
	if _, err := ConnectNATS(NATSConfig{URL: "nats://127.0.0.1:1", Prefix: "a.*"}, nil); err == nil {
		t.Fatal("Expected invalid prefix error")
	}
}
