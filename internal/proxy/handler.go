// Package proxy implements the forwarding and CONNECT tunnel engines of
// the PAC-driven forward proxy.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/goodtune/pacrelay/internal/pac"
)

const (
	defaultRequestTimeout = 2 * time.Minute
	defaultDialTimeout    = 30 * time.Second
)

// ErrProtocolViolation marks requests that cannot be routed because the
// client sent a malformed request (missing Host, bad CONNECT target).
var ErrProtocolViolation = errors.New("protocol violation")

// Router resolves a destination URL to the PAC directive chain for it.
// *pac.Evaluator satisfies it.
type Router interface {
	Resolve(url, host string) (pac.Chain, error)
}

// Config configures a Handler. The zero value is usable.
type Config struct {
	// RequestTimeout bounds the wait for upstream response headers.
	// Defaults to 2 minutes.
	RequestTimeout time.Duration

	// DialTimeout bounds outbound TCP connects. Defaults to 30 seconds.
	DialTimeout time.Duration

	// ExtraHeaders are added to outbound requests and CONNECT handshakes
	// unless the client already sent the same header.
	ExtraHeaders http.Header

	// Logger receives per-request logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Handler is the main proxy HTTP handler.
type Handler struct {
	router    Router
	logger    *slog.Logger
	extra     http.Header
	timeout   time.Duration
	dialer    *net.Dialer
	transport *http.Transport
}

// NewHandler creates a new proxy handler.
func NewHandler(router Router, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	h := &Handler{
		router:  router,
		logger:  cfg.Logger,
		extra:   cfg.ExtraHeaders.Clone(),
		timeout: cfg.RequestTimeout,
		dialer:  dialer,
	}
	h.transport = &http.Transport{
		Proxy:                 upstreamFromContext,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		TLSHandshakeTimeout:   cfg.DialTimeout,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return h
}

// ServeHTTP routes requests to the appropriate engine.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.handleTunnel(w, r)
		return
	}
	h.handleForward(w, r)
}

// Close releases idle upstream connections.
func (h *Handler) Close() {
	h.transport.CloseIdleConnections()
}

type upstreamKey struct{}

// upstreamFromContext is the transport's Proxy function: the upstream
// chosen by the PAC script travels with the outbound request's context.
func upstreamFromContext(r *http.Request) (*url.URL, error) {
	u, _ := r.Context().Value(upstreamKey{}).(*url.URL)
	return u, nil
}

func withUpstream(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, upstreamKey{}, &url.URL{Scheme: "http", Host: addr})
}

// mergeExtraHeaders adds configured headers that the client did not send.
func mergeExtraHeaders(dst, extra http.Header) {
	for k, vv := range extra {
		if _, ok := dst[k]; ok {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// countingBody counts bytes read from a request body. The transport reads
// it from its own goroutine, hence the atomic.
type countingBody struct {
	io.ReadCloser
	n atomic.Int64
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n.Add(int64(n))
	return n, err
}
