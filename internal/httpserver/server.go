// Package httpserver wraps http.Server with bind address validation and a
// bounded graceful shutdown.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const shutdownTimeout = 10 * time.Second

// Server wraps http.Server with validation and graceful shutdown.
type Server struct {
	server *http.Server
}

// Option configures a Server.
type Option func(*http.Server)

// WithWriteTimeout overrides the default 30s write timeout. It must cover the
// slowest upstream call, otherwise the client sees a reset connection instead
// of the relayed response. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *http.Server) { s.WriteTimeout = d }
}

// New creates a server for handler on addr ("host:port" or ":port").
// The address is validated before the server is created.
func New(addr string, handler http.Handler, opts ...Option) (*Server, error) {
	if err := validation.Validate(addr, validation.Required, validation.By(ValidateAddr)); err != nil {
		return nil, err
	}

	hs := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	for _, o := range opts {
		o(hs)
	}
	return &Server{server: hs}, nil
}

// Addr returns the validated listen address.
func (s *Server) Addr() string { return s.server.Addr }

// Listen binds the configured address. Binding separately from Serve lets the
// caller report a busy port before announcing that it is listening.
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.server.Addr)
}

// Serve accepts connections on ln and blocks until the server stops.
// It returns nil after a clean Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	err := s.server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// for at most 10 seconds or until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// ValidateAddr is an ozzo-validation rule function for listen and dial
// addresses: "host:port" or ":port", with a numeric port and, when present,
// a valid hostname or IP.
func ValidateAddr(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}
	if port == "" {
		return validation.NewError("validation_invalid_port", "port cant be empty")
	}
	if err := is.Port.Validate(port); err != nil {
		return validation.NewError("validation_invalid_port", "port must be a number between 1 and 65535")
	}
	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}
	return nil
}
