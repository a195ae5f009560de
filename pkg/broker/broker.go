// Package broker runs an embedded NATS server sized for image payloads.
//
// The default NATS max_payload is 1 MiB, far below an encoded image; the
// broker raises it (64 MiB by default) and keeps max_pending above it.
package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/fluxorio/ekc/pkg/logging"
)

// Config configures the embedded server.
type Config struct {
	Host string `yaml:"host" json:"host"`
	// Port -1 picks a random free port.
	Port       int    `yaml:"port" json:"port"`
	MaxPayload int32  `yaml:"max_payload" json:"max_payload"`
	Name       string `yaml:"name" json:"name"`
	// ReadyTimeout bounds how long Start waits for the listener.
	ReadyTimeout time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
}

// DefaultConfig listens on the standard NATS port with a 64 MiB payload limit.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         4222,
		MaxPayload:   64 << 20,
		Name:         "ekc-broker",
		ReadyTimeout: 10 * time.Second,
	}
}

// Broker is a running embedded NATS server.
type Broker struct {
	srv *server.Server
}

// Start launches the server and waits until it accepts connections.
func Start(cfg Config, logger logging.Logger) (*Broker, error) {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = def.MaxPayload
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}

	opts := &server.Options{
		ServerName: cfg.Name,
		Host:       cfg.Host,
		Port:       cfg.Port,
		MaxPayload: cfg.MaxPayload,
		MaxPending: pendingFor(cfg.MaxPayload),
		NoSigs:     true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	if logger != nil {
		srv.SetLogger(&serverLogger{log: logger.WithField("component", "broker")}, false, false)
	}

	go srv.Start()
	if !srv.ReadyForConnections(cfg.ReadyTimeout) {
		srv.Shutdown()
		return nil, errors.New("broker: server not ready for connections")
	}
	return &Broker{srv: srv}, nil
}

// pendingFor keeps per-client pending bytes above the largest message.
func pendingFor(maxPayload int32) int64 {
	pending := int64(server.MAX_PENDING_SIZE)
	if p := 4 * int64(maxPayload); p > pending {
		pending = p
	}
	return pending
}

// ClientURL is the URL clients connect to.
func (b *Broker) ClientURL() string { return b.srv.ClientURL() }

// MaxPayload reports the configured payload limit.
func (b *Broker) MaxPayload() int32 { return b.srv.GetOpts().MaxPayload }

// Shutdown stops the server.
func (b *Broker) Shutdown() {
	b.srv.Shutdown()
	b.srv.WaitForShutdown()
}

// WaitForShutdown blocks until the server stops.
func (b *Broker) WaitForShutdown() { b.srv.WaitForShutdown() }

type serverLogger struct {
	log logging.Logger
}

func (l *serverLogger) Noticef(format string, v ...interface{}) { l.log.Infof(format, v...) }
func (l *serverLogger) Warnf(format string, v ...interface{})   { l.log.Warnf(format, v...) }
func (l *serverLogger) Fatalf(format string, v ...interface{})  { l.log.Errorf(format, v...) }
func (l *serverLogger) Errorf(format string, v ...interface{})  { l.log.Errorf(format, v...) }
func (l *serverLogger) Debugf(format string, v ...interface{})  { l.log.Debugf(format, v...) }
func (l *serverLogger) Tracef(format string, v ...interface{})  { l.log.Debugf(format, v...) }
