package proxy_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"minilb/internal/pool"
	"minilb/internal/proxy"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func newForwarder(t *testing.T, policy pool.Policy, addrs []string, opts ...proxy.Option) *proxy.Forwarder {
	t.Helper()
	p, err := pool.New(addrs, policy)
	require.NoError(t, err)
	opts = append([]proxy.Option{proxy.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	f := proxy.New(p, opts...)
	t.Cleanup(f.Close)
	return f
}

// newBackend starts an httptest.Server and returns it with its host:port.
func newBackend(t *testing.T, h http.HandlerFunc) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, srv.Listener.Addr().String()
}

func textBackend(t *testing.T, body string) string {
	t.Helper()
	_, addr := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	})
	return addr
}

// deadAddr returns the address of a server that has already been shut down.
func deadAddr(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()
	return addr
}

func get(path string) *http.Request {
	return httptest.NewRequest(http.MethodGet, path, nil)
}

func totalDispatched(states []pool.BackendState) int {
	n := 0
	for _, s := range states {
		n += s.Dispatched
	}
	return n
}

// ── Forwarding ───────────────────────────────────────────────────────────────

func TestForwarder_ForwardsStatusAndBody(t *testing.T) {
	f := newForwarder(t, pool.LeastConnections(), []string{textBackend(t, "ok")})
	srv := httptest.NewServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestForwarder_ForwardsPathAndQuery(t *testing.T) {
	uris := make(chan string, 1)
	_, addr := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		uris <- r.RequestURI
	})
	f := newForwarder(t, pool.RoundRobin(), []string{addr})

	resp := f.Handle(get("/api/items?id=7&sort=asc"))

	require.NoError(t, resp.Err)
	assert.Equal(t, "/api/items?id=7&sort=asc", <-uris)
	assert.Equal(t, addr, resp.Backend)
}

func TestForwarder_ForwardsMethodAndBody(t *testing.T) {
	var (
		mu        sync.Mutex
		gotMethod string
		gotBody   string
	)
	_, addr := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotMethod, gotBody = r.Method, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	f := newForwarder(t, pool.RoundRobin(), []string{addr})

	resp := f.Handle(httptest.NewRequest(http.MethodPost, "/items", strings.NewReader(`{"name":"x"}`)))

	require.NoError(t, resp.Err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"name":"x"}`, gotBody)
}

func TestForwarder_InjectsProxyHeaders(t *testing.T) {
	var (
		mu              sync.Mutex
		receivedHeaders http.Header
	)
	_, addr := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		receivedHeaders = r.Header.Clone()
		mu.Unlock()
	})
	f := newForwarder(t, pool.RoundRobin(), []string{addr})

	req := get("/anything")
	req.RemoteAddr = "203.0.113.9:4321"
	req.Header.Set("Connection", "X-Drop-Me")
	req.Header.Set("X-Drop-Me", "1")
	req.Header.Set("X-Keep-Me", "1")
	f.Handle(req)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "203.0.113.9", receivedHeaders.Get("X-Forwarded-For"))
	assert.Equal(t, "203.0.113.9", receivedHeaders.Get("X-Real-Ip"))
	assert.Equal(t, "example.com", receivedHeaders.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", receivedHeaders.Get("X-Forwarded-Proto"))
	assert.Empty(t, receivedHeaders.Get("X-Drop-Me"), "headers named by Connection are hop-by-hop")
	assert.Equal(t, "1", receivedHeaders.Get("X-Keep-Me"))
}

func TestForwarder_AppendsToExistingForwardedFor(t *testing.T) {
	got := make(chan string, 1)
	_, addr := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Forwarded-For")
	})
	f := newForwarder(t, pool.RoundRobin(), []string{addr})

	req := get("/")
	req.RemoteAddr = "10.0.0.2:1000"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	f.Handle(req)

	assert.Equal(t, "198.51.100.1, 10.0.0.2", <-got)
}

func TestForwarder_ForwardsStatusCodes(t *testing.T) {
	for _, code := range []int{200, 201, 302, 404, 503} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			_, addr := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				if code == http.StatusFound {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(code)
				_, _ = io.WriteString(w, "status body")
			})
			f := newForwarder(t, pool.RoundRobin(), []string{addr})

			resp := f.Handle(get("/"))
			require.NoError(t, resp.Err)
			assert.Equal(t, code, resp.StatusCode)
			assert.Equal(t, "status body", string(resp.Body))
		})
	}
}

func TestForwarder_CopiesResponseHeaders(t *testing.T) {
	_, addr := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "a")
		_, _ = io.WriteString(w, `{}`)
	})
	f := newForwarder(t, pool.RoundRobin(), []string{addr})
	srv := httptest.NewServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "a", resp.Header.Get("X-Backend"))
}

// ── Failures ─────────────────────────────────────────────────────────────────

func TestForwarder_RefusedConnection_Returns500EmptyBody(t *testing.T) {
	f := newForwarder(t, pool.LeastConnections(), []string{deadAddr(t)})
	srv := httptest.NewServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/probe")
	require.NoError(t, err, "the caller always gets a response")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, body)
}

func TestForwarder_RefusedConnection_NoFailover(t *testing.T) {
	dead := deadAddr(t)
	f := newForwarder(t, pool.RoundRobin(), []string{dead, textBackend(t, "live")})

	first := f.Handle(get("/"))
	assert.Equal(t, http.StatusInternalServerError, first.StatusCode)
	assert.ErrorIs(t, first.Err, proxy.ErrBackendUnreachable)
	assert.Equal(t, dead, first.Backend, "a failed backend is not swapped for another one")

	second := f.Handle(get("/"))
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "live", string(second.Body))
}

func TestForwarder_Timeout_Returns500(t *testing.T) {
	_, addr := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	f := newForwarder(t, pool.LeastConnections(), []string{addr}, proxy.WithTimeout(50*time.Millisecond))

	start := time.Now()
	resp := f.Handle(get("/slow"))

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, resp.Body)
	assert.ErrorIs(t, resp.Err, proxy.ErrBackendUnreachable)
	assert.Zero(t, f.Snapshot()[0].ActiveConnections, "failed requests still release their slot")
}

func TestForwarder_CancelledInboundRequest_Returns500(t *testing.T) {
	f := newForwarder(t, pool.RoundRobin(), []string{textBackend(t, "ok")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := f.Handle(get("/").WithContext(ctx))

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.True(t, errors.Is(resp.Err, context.Canceled))
}

func TestForwarder_TruncatedBody_ReturnsPlaceholder(t *testing.T) {
	_, addr := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		// Promise 100 bytes, deliver 5, hang up.
		_, _ = buf.WriteString("HTTP/1.1 202 Accepted\r\nContent-Type: text/plain\r\nContent-Length: 100\r\n\r\nshort")
		_ = buf.Flush()
	})
	f := newForwarder(t, pool.RoundRobin(), []string{addr})

	resp := f.Handle(get("/"))

	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "the real status code is kept")
	assert.Equal(t, proxy.BodyReadErrorPlaceholder, string(resp.Body))
	assert.Equal(t, "Error reading response body", string(resp.Body))
	assert.ErrorIs(t, resp.Err, proxy.ErrResponseBodyRead)
}

func TestForwarder_TimeoutMidBody_ReturnsPlaceholderWithRealStatus(t *testing.T) {
	stall := make(chan struct{})
	_, addr := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "part")
		w.(http.Flusher).Flush()
		select {
		case <-stall:
		case <-r.Context().Done():
		}
	})
	defer close(stall)
	f := newForwarder(t, pool.LeastConnections(), []string{addr}, proxy.WithTimeout(200*time.Millisecond))

	resp := f.Handle(get("/"))

	assert.Equal(t, http.StatusCreated, resp.StatusCode, "headers arrived before the deadline")
	assert.Equal(t, proxy.BodyReadErrorPlaceholder, string(resp.Body))
	assert.ErrorIs(t, resp.Err, proxy.ErrResponseBodyRead)
	assert.Zero(t, f.Snapshot()[0].ActiveConnections)
}

// ── Selection ────────────────────────────────────────────────────────────────

func TestForwarder_RoundRobinAcrossBackends(t *testing.T) {
	f := newForwarder(t, pool.RoundRobin(), []string{
		textBackend(t, "b1"),
		textBackend(t, "b2"),
		textBackend(t, "b3"),
	})

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, string(f.Handle(get("/")).Body))
	}
	assert.Equal(t, []string{"b1", "b2", "b3", "b1", "b2", "b3"}, got)

	for _, s := range f.Snapshot() {
		assert.Equal(t, 2, s.Dispatched)
		assert.Zero(t, s.ActiveConnections)
	}
}

func TestForwarder_LeastConnections_ReleasesAfterEachRequest(t *testing.T) {
	f := newForwarder(t, pool.LeastConnections(), []string{textBackend(t, "b1"), textBackend(t, "b2")})

	for i := 0; i < 4; i++ {
		assert.Equal(t, "b1", string(f.Handle(get("/")).Body),
			"with released counters every sequential request sees an idle first backend")
	}
	for _, s := range f.Snapshot() {
		assert.Zero(t, s.ActiveConnections)
	}
}

func TestForwarder_LeakyCounters_NeverRelease(t *testing.T) {
	f := newForwarder(t, pool.LeastConnections(),
		[]string{textBackend(t, "b1"), textBackend(t, "b2")},
		proxy.WithLeakyCounters(),
	)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, string(f.Handle(get("/")).Body))
	}
	assert.Equal(t, []string{"b1", "b2", "b1", "b2"}, got)

	for _, s := range f.Snapshot() {
		assert.Equal(t, 2, s.ActiveConnections, "counters only grow when release is disabled")
	}
}

// ── Concurrency ──────────────────────────────────────────────────────────────

// TestForwarder_ConcurrentLeastConnections holds every backend response until
// all K requests have been dispatched, so each selection sees every earlier
// one still in flight and the load must split evenly.
func TestForwarder_ConcurrentLeastConnections(t *testing.T) {
	const (
		backends = 4
		requests = 40
	)

	var arrived atomic.Int32
	allIn := make(chan struct{})
	handler := func(w http.ResponseWriter, r *http.Request) {
		if arrived.Add(1) == requests {
			close(allIn)
		}
		select {
		case <-allIn:
		case <-time.After(5 * time.Second):
		}
		_, _ = io.WriteString(w, "ok")
	}

	addrs := make([]string, backends)
	for i := range addrs {
		_, addrs[i] = newBackend(t, handler)
	}
	f := newForwarder(t, pool.LeastConnections(), addrs)

	var g errgroup.Group
	for i := 0; i < requests; i++ {
		g.Go(func() error {
			resp := f.Handle(get("/"))
			if resp.StatusCode != http.StatusOK {
				return resp.Err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	states := f.Snapshot()
	assert.Equal(t, requests, totalDispatched(states))
	for _, s := range states {
		assert.Equal(t, requests/backends, s.Dispatched, "%s should carry an equal share", s.Address)
		assert.Zero(t, s.ActiveConnections, "%s should have no requests left in flight", s.Address)
	}
}

func TestForwarder_ConcurrentLeakyCountersSumToRequests(t *testing.T) {
	const requests = 30
	f := newForwarder(t, pool.LeastConnections(),
		[]string{textBackend(t, "b1"), textBackend(t, "b2"), textBackend(t, "b3")},
		proxy.WithLeakyCounters(),
	)

	var g errgroup.Group
	for i := 0; i < requests; i++ {
		g.Go(func() error {
			f.Handle(get("/"))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	active := 0
	for _, s := range f.Snapshot() {
		active += s.ActiveConnections
	}
	assert.Equal(t, requests, active)
}

func TestForwarder_SlowBackendDoesNotBlockSelection(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	_, slow := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-unblock:
		case <-r.Context().Done():
		}
		_, _ = io.WriteString(w, "slow")
	})
	f := newForwarder(t, pool.RoundRobin(), []string{slow, textBackend(t, "fast")})

	slowResp := make(chan *proxy.Response, 1)
	go func() { slowResp <- f.Handle(get("/")) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("slow backend never received its request")
	}

	// The first request is parked inside the slow backend; the next one must
	// still be selected and served.
	fast := make(chan *proxy.Response, 1)
	go func() { fast <- f.Handle(get("/")) }()

	select {
	case resp := <-fast:
		assert.Equal(t, "fast", string(resp.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("selection blocked behind an in-flight upstream call")
	}

	close(unblock)
	assert.Equal(t, "slow", string((<-slowResp).Body))
}
