package status

import (
	"net"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func startServer(t *testing.T, status StatusFunc, metrics http.Handler) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	s := NewServer(DefaultConfig(), status, metrics, nil)
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		_ = ln.Close()
		_ = s.srv.Shutdown()
	})
	return &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}
}

func get(t *testing.T, c *fasthttp.Client, method, path string) (int, string, string) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://status" + path)
	require.NoError(t, c.Do(req, resp))
	return resp.StatusCode(), string(resp.Header.ContentType()), string(resp.Body())
}

func TestServer_Healthz(t *testing.T) {
	c := startServer(t, nil, nil)
	code, _, body := get(t, c, fasthttp.MethodGet, "/healthz")
	require.Equal(t, fasthttp.StatusOK, code)
	require.Equal(t, "ok", body)
}

func TestServer_Status(t *testing.T) {
	c := startServer(t, func() interface{} {
		return map[string]interface{}{"worker_id": "w-1", "state": "ready"}
	}, nil)

	code, ctype, body := get(t, c, fasthttp.MethodGet, "/status")
	require.Equal(t, fasthttp.StatusOK, code)
	require.Equal(t, "application/json", ctype)
	require.JSONEq(t, `{"worker_id":"w-1","state":"ready"}`, body)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ekc_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	c := startServer(t, nil, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	code, _, body := get(t, c, fasthttp.MethodGet, "/metrics")
	require.Equal(t, fasthttp.StatusOK, code)
	require.Contains(t, body, "ekc_test_total 3")
}

func TestServer_NotFoundAndMethod(t *testing.T) {
	c := startServer(t, nil, nil)

	code, _, _ := get(t, c, fasthttp.MethodGet, "/metrics")
	require.Equal(t, fasthttp.StatusNotFound, code)

	code, _, _ = get(t, c, fasthttp.MethodGet, "/nope")
	require.Equal(t, fasthttp.StatusNotFound, code)

	code, _, _ = get(t, c, fasthttp.MethodPost, "/healthz")
	require.Equal(t, fasthttp.StatusMethodNotAllowed, code)
}
