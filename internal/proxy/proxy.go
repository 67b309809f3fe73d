// Package proxy is the request-forwarding layer of minilb.
//
// Forwarder runs the full select-call-respond lifecycle of one request:
//   - Backend selection from a pool.ServerPool behind a single mutex.
//   - A plain-HTTP call to http://{backend}{request URI} made outside that
//     mutex, so a slow backend never stalls selection for other requests.
//   - Translation of the outcome into a response: the upstream status and
//     body, a placeholder body when the upstream body cannot be read, or an
//     empty 500 when the backend cannot be reached at all.
//
// There is no retry and no failover.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"minilb/internal/pool"
)

var (
	// ErrBackendUnreachable means no upstream response was obtained
	// (refused, timed out, DNS or protocol failure).
	ErrBackendUnreachable = errors.New("proxy: backend unreachable")

	// ErrResponseBodyRead means the upstream answered but its body could
	// not be read to completion.
	ErrResponseBodyRead = errors.New("proxy: reading backend response body")
)

// BodyReadErrorPlaceholder replaces the body of an upstream response that
// could not be read.
const BodyReadErrorPlaceholder = "Error reading response body"

// Response is the outcome of forwarding one request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Backend is the address that was selected for the request.
	Backend string
	// Err is nil on success, or wraps ErrBackendUnreachable or
	// ErrResponseBodyRead.
	Err error
}

// Forwarder is an http.Handler that balances requests across a fixed pool.
// It is safe for concurrent use.
type Forwarder struct {
	mu   sync.Mutex // guards pool
	pool *pool.ServerPool

	client  *http.Client
	timeout time.Duration
	release bool
	log     *slog.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithTimeout bounds the outbound call, including reading the body.
// Zero leaves only the inbound request's context in charge.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.timeout = d }
}

// WithTransport replaces the outbound HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Forwarder) { f.client.Transport = rt }
}

// WithLogger sets the logger used for per-request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.log = l }
}

// WithLeakyCounters stops the forwarder from releasing a backend's in-flight
// counter when a request completes. Counters then only grow, which turns
// least-connections into a count of requests served.
func WithLeakyCounters() Option {
	return func(f *Forwarder) { f.release = false }
}

// New creates a Forwarder over p. The Forwarder becomes the only user of p.
func New(p *pool.ServerPool, opts ...Option) *Forwarder {
	f := &Forwarder{
		pool:    p,
		release: true,
		log:     slog.Default(),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// ServeHTTP satisfies http.Handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := f.Handle(r)

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// Handle forwards r to the next backend and returns the response to send
// back. It never returns nil; backend failures are folded into the result.
func (f *Forwarder) Handle(r *http.Request) *Response {
	b, tracked := f.acquire()
	if tracked {
		defer f.releaseBackend(b)
	}

	resp := f.forward(r, b.Address())
	switch {
	case errors.Is(resp.Err, ErrBackendUnreachable):
		f.log.Error("backend unreachable",
			"backend", resp.Backend,
			"method", r.Method,
			"path", r.URL.Path,
			"error", resp.Err,
		)
	case errors.Is(resp.Err, ErrResponseBodyRead):
		f.log.Warn("backend response body unreadable",
			"backend", resp.Backend,
			"status", resp.StatusCode,
			"path", r.URL.Path,
			"error", resp.Err,
		)
	}
	return resp
}

// Snapshot returns the pool's counters, taken under the forwarder's lock.
func (f *Forwarder) Snapshot() []pool.BackendState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pool.Snapshot()
}

// Close drops idle upstream connections.
func (f *Forwarder) Close() {
	f.client.CloseIdleConnections()
}

// acquire selects a backend and, for load-tracking policies, records the new
// in-flight request before the lock is released. tracked reports whether a
// matching releaseBackend is owed.
func (f *Forwarder) acquire() (b *pool.Backend, tracked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b = f.pool.Next()
	if !f.pool.Policy().TracksLoad() {
		return b, false
	}
	f.pool.RecordStart(b)
	return b, f.release
}

func (f *Forwarder) releaseBackend(b *pool.Backend) {
	f.mu.Lock()
	f.pool.RecordEnd(b)
	f.mu.Unlock()
}

// forward performs the outbound call. It holds no lock.
func (f *Forwarder) forward(r *http.Request, addr string) *Response {
	ctx := r.Context()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	out, err := newOutboundRequest(ctx, r, addr)
	if err != nil {
		return unreachable(addr, err)
	}

	f.log.Debug("proxying request",
		"method", out.Method,
		"path", out.URL.Path,
		"backend", addr,
	)

	upstream, err := f.client.Do(out)
	if err != nil {
		return unreachable(addr, err)
	}
	defer upstream.Body.Close()

	resp := &Response{
		StatusCode: upstream.StatusCode,
		Header:     responseHeader(upstream.Header),
		Backend:    addr,
	}
	body, err := io.ReadAll(upstream.Body)
	if err != nil {
		resp.Body = []byte(BodyReadErrorPlaceholder)
		resp.Header.Del("Content-Type")
		resp.Header.Del("Content-Encoding")
		resp.Err = fmt.Errorf("%w from %s: %w", ErrResponseBodyRead, addr, err)
		return resp
	}
	resp.Body = body
	return resp
}

func unreachable(addr string, err error) *Response {
	return &Response{
		StatusCode: http.StatusInternalServerError,
		Header:     http.Header{},
		Backend:    addr,
		Err:        fmt.Errorf("%w: %s: %w", ErrBackendUnreachable, addr, err),
	}
}
