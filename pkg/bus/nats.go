package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxorio/ekc/pkg/logging"
)

// NATSConfig configures the NATS-backed Bus.
type NATSConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string `yaml:"url" json:"url"`

	// Prefix is prepended to every topic as "<prefix>.<topic>". Empty maps
	// topics 1:1 onto subjects.
	Prefix string `yaml:"prefix" json:"prefix"`

	// Name is an optional NATS connection name.
	Name string `yaml:"name" json:"name"`

	// FlushTimeout bounds the round trip that confirms a publish reached the
	// server when the caller's context has no deadline.
	FlushTimeout time.Duration `yaml:"flush_timeout" json:"flush_timeout"`

	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`

	// MaxReconnects is the number of reconnect attempts; negative retries forever.
	MaxReconnects int `yaml:"max_reconnects" json:"max_reconnects"`
}

// DefaultNATSConfig returns defaults for a local server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		FlushTimeout:  10 * time.Second,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSBus is a Bus backed by core NATS subjects.
type NATSBus struct {
	nc           *nats.Conn
	prefix       string
	flushTimeout time.Duration
	logger       logging.Logger
	inbox        *inbox

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

// ConnectNATS dials the server described by cfg.
func ConnectNATS(cfg NATSConfig, logger logging.Logger) (*NATSBus, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if strings.ContainsAny(cfg.Prefix, " *>") || strings.HasSuffix(cfg.Prefix, ".") {
		return nil, fmt.Errorf("bus: invalid subject prefix %q", cfg.Prefix)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithField("component", "bus")

	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("disconnected from nats: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("reconnected to nats at %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Errorf("nats async error on %q: %v", subject, err)
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", cfg.URL, err)
	}
	logger.Debugf("connected to %s (max payload %d bytes)", nc.ConnectedUrl(), nc.MaxPayload())

	return &NATSBus{
		nc:           nc,
		prefix:       cfg.Prefix,
		flushTimeout: cfg.FlushTimeout,
		logger:       logger,
		inbox:        newInbox(),
		subs:         make(map[string]*nats.Subscription),
	}, nil
}

// MaxPayload is the largest payload the server accepts.
func (b *NATSBus) MaxPayload() int64 { return b.nc.MaxPayload() }

func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if limit := b.nc.MaxPayload(); int64(len(payload)) > limit {
		return &PayloadTooLargeError{Topic: topic, Size: len(payload), Max: limit}
	}
	if err := b.nc.Publish(b.subject(topic), payload); err != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}

	// Round trip so a failed or oversized publish surfaces here rather than
	// as an async error.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.flushTimeout)
		defer cancel()
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("bus: flush %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.subs[topic]; ok {
		return nil
	}

	sub, err := b.nc.Subscribe(b.subject(topic), func(m *nats.Msg) {
		b.inbox.push(Message{Topic: topic, Payload: m.Data})
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}
	// Payloads are megabytes; only bound pending messages, not bytes.
	if err := sub.SetPendingLimits(nats.DefaultSubPendingMsgsLimit, -1); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("bus: pending limits %s: %w", topic, err)
	}
	b.subs[topic] = sub
	b.logger.Debugf("subscribed to %s", b.subject(topic))

	// Make sure the server has the interest before the caller relies on it.
	if err := b.nc.FlushTimeout(b.flushTimeout); err != nil {
		return fmt.Errorf("bus: flush subscription %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBus) Receive(ctx context.Context) (Message, error) {
	return b.inbox.pop(ctx)
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = nil
	b.mu.Unlock()

	err := b.nc.Drain()
	if err != nil {
		b.nc.Close()
	}
	b.inbox.close()
	return err
}

func (b *NATSBus) subject(topic string) string {
	if b.prefix == "" {
		return topic
	}
	return b.prefix + "." + topic
}

func (b *NATSBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
