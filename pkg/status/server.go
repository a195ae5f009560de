// Package status serves process health, a JSON state snapshot and
// Prometheus metrics over fasthttp, and streams coordinator events to
// websocket clients.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/fluxorio/ekc/pkg/logging"
)

// Config configures the status endpoints. An empty address disables the
// corresponding listener.
type Config struct {
	Addr         string        `yaml:"addr" json:"addr"`
	FeedAddr     string        `yaml:"feed_addr" json:"feed_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultConfig keeps both listeners off.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Enabled reports whether the status server should run.
func (c Config) Enabled() bool { return c.Addr != "" }

// StatusFunc returns the value served as JSON on /status.
type StatusFunc func() interface{}

// Server serves /healthz, /status and /metrics.
type Server struct {
	cfg     Config
	status  StatusFunc
	metrics fasthttp.RequestHandler
	logger  logging.Logger
	srv     *fasthttp.Server
}

// NewServer builds a server. metrics may be nil, in which case /metrics
// answers 404.
func NewServer(cfg Config, status StatusFunc, metrics http.Handler, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		status: status,
		logger: logger.WithField("component", "status"),
	}
	if metrics != nil {
		s.metrics = fasthttpadaptor.NewFastHTTPHandler(metrics)
	}
	s.srv = &fasthttp.Server{
		Name:                  "ekc",
		Handler:               s.Handler,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		NoDefaultServerHeader: true,
	}
	return s
}

// Handler routes a request.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() && !ctx.IsHead() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString("ok")
	case "/status":
		s.serveStatus(ctx)
	case "/metrics":
		if s.metrics == nil {
			ctx.NotFound()
			return
		}
		s.metrics(ctx)
	default:
		ctx.NotFound()
	}
}

func (s *Server) serveStatus(ctx *fasthttp.RequestCtx) {
	var v interface{}
	if s.status != nil {
		v = s.status()
	}
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Errorf("encode status: %v", err)
		ctx.Error("encode status", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.logger.Infof("status listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
