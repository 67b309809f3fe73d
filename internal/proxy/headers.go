package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// hopHeaders are meaningful only for a single transport-level connection and
// must not be forwarded (RFC 9110 section 7.6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// newOutboundRequest builds the upstream request for r against addr. The
// target is always plain HTTP: "http://" + addr + path and query.
func newOutboundRequest(ctx context.Context, r *http.Request, addr string) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		body = r.Body
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, "http://"+addr+r.URL.RequestURI(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength
	if body == nil {
		out.ContentLength = 0
	}

	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	removeHopHeaders(out.Header)

	// Let backends see the client-facing request.
	clientIP := remoteIP(r.RemoteAddr)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else if clientIP != "" {
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	if clientIP != "" {
		out.Header.Set("X-Real-IP", clientIP)
	}
	out.Header.Set("X-Forwarded-Host", r.Host)
	out.Header.Set("X-Forwarded-Proto", requestScheme(r))

	return out, nil
}

// responseHeader copies the end-to-end upstream headers. Content-Length is
// dropped because the relayed body may differ from the upstream one.
func responseHeader(upstream http.Header) http.Header {
	h := upstream.Clone()
	if h == nil {
		h = http.Header{}
	}
	removeHopHeaders(h)
	h.Del("Content-Length")
	return h
}

// removeHopHeaders deletes hop-by-hop headers, including any listed in the
// Connection header.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
