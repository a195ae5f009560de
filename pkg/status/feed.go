package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/ekc/pkg/coordinator"
	"github.com/fluxorio/ekc/pkg/logging"
)

const (
	feedBuffer   = 256
	writeTimeout = 5 * time.Second
)

// Feed pushes coordinator events as JSON text frames to every connected
// websocket client. A client that falls feedBuffer events behind is
// disconnected.
type Feed struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewFeed creates a feed with no clients.
func NewFeed(logger logging.Logger) *Feed {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Feed{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.WithField("component", "feed"),
		clients: make(map[*feedClient]struct{}),
	}
}

// ObserveCoordinator implements coordinator.Observer.
func (f *Feed) ObserveCoordinator(ev coordinator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		f.logger.Errorf("encode event: %v", err)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			f.logger.Warnf("feed client %s too slow, disconnecting", c.conn.RemoteAddr())
			f.dropLocked(c)
		}
	}
}

// ServeHTTP upgrades the request and registers the client.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}
	c := &feedClient{conn: conn, send: make(chan []byte, feedBuffer)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	go f.writeLoop(c)
	go f.readLoop(c)
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close disconnects every client.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		f.dropLocked(c)
	}
}

// ListenAndServe serves the feed on addr at /feed until ctx is done.
func (f *Feed) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/feed", f)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	f.logger.Infof("event feed listening on ws://%s/feed", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	f.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (f *Feed) dropLocked(c *feedClient) {
	if _, ok := f.clients[c]; !ok {
		return
	}
	delete(f.clients, c)
	c.once.Do(func() { close(c.send) })
}

func (f *Feed) drop(c *feedClient) {
	f.mu.Lock()
	f.dropLocked(c)
	f.mu.Unlock()
}

func (f *Feed) writeLoop(c *feedClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			f.drop(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

// readLoop discards client frames and notices disconnects.
func (f *Feed) readLoop(c *feedClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Debugf("feed client %s: %v", c.conn.RemoteAddr(), err)
			}
			f.drop(c)
			return
		}
	}
}
