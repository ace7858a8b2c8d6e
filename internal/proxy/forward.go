package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goodtune/pacrelay/internal/logging"
	"github.com/goodtune/pacrelay/internal/metrics"
	"github.com/goodtune/pacrelay/internal/pac"
)

// Hop-by-hop headers that must not be forwarded. Connection is left alone:
// it is propagated verbatim so the origin sees the client's keep-alive choice.
var hopByHopHeaders = []string{
	"Keep-Alive",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (h *Handler) handleForward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ActiveConnections.WithLabelValues("request").Inc()
	defer metrics.ActiveConnections.WithLabelValues("request").Dec()

	dest, err := requestURL(r)
	if err != nil {
		h.logger.Warn("rejecting request", "error", err, "client_ip", clientIP(r), "uri", r.RequestURI)
		http.Error(w, "bad request: missing Host header", http.StatusBadRequest)
		return
	}

	chain, err := h.router.Resolve(dest.String(), dest.Hostname())
	if err != nil {
		h.logger.Error("PAC evaluation failed", "error", err, "url", dest.String())
		metrics.PACErrors.WithLabelValues(pacErrorReason(err)).Inc()
		http.Error(w, "PAC evaluation error", http.StatusBadGateway)
		return
	}

	// Only the first directive is tried: replaying a request against the
	// next entry could duplicate side effects.
	target, err := NewRouteTarget(chain.First(), dest)
	if err != nil {
		h.logger.Warn("rejecting request", "error", err, "url", dest.String())
		http.Error(w, "bad request: invalid destination", http.StatusBadRequest)
		return
	}

	outReq := h.outboundRequest(r, dest, target)
	var body *countingBody
	if r.Body != nil && r.Body != http.NoBody {
		body = &countingBody{ReadCloser: r.Body}
		outReq.Body = body
	}

	resp, err := h.transport.RoundTrip(outReq)
	if err != nil {
		if errors.Is(r.Context().Err(), context.Canceled) {
			h.logger.Debug("client went away", "url", dest.String(), "upstream", target.Upstream())
			return
		}
		h.logger.Error("upstream request failed", "error", err, "url", dest.String(), "upstream", target.Upstream())
		metrics.UpstreamErrors.WithLabelValues(target.Upstream()).Inc()
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	var dst io.Writer = w
	if resp.ContentLength == -1 {
		// Streamed responses are flushed as they arrive.
		dst = flushWriter{w: w, rc: http.NewResponseController(w)}
	}
	bytesSent, copyErr := io.Copy(dst, resp.Body)

	duration := time.Since(start)
	var bytesRecv int64
	if body != nil {
		bytesRecv = body.n.Load()
	}
	metrics.RequestsTotal.WithLabelValues(r.Method, target.Label(), strconv.Itoa(resp.StatusCode)).Inc()
	metrics.RequestDuration.WithLabelValues(r.Method, target.Label()).Observe(duration.Seconds())
	metrics.BytesSent.WithLabelValues(target.Label()).Add(float64(bytesSent))
	metrics.BytesReceived.WithLabelValues(target.Label()).Add(float64(bytesRecv))

	logging.LogRequest(h.logger, logging.RequestEntry{
		ClientIP:   clientIP(r),
		Method:     r.Method,
		Host:       dest.Hostname(),
		URL:        dest.String(),
		PACResult:  chain.String(),
		Upstream:   target.Upstream(),
		StatusCode: resp.StatusCode,
		Duration:   duration,
		BytesSent:  bytesSent,
		BytesRecv:  bytesRecv,
	})

	if copyErr != nil {
		h.logger.Warn("response copy aborted", "error", copyErr, "url", dest.String(), "upstream", target.Upstream())
		// Headers are out already; drop the client connection so it does
		// not mistake a truncated body for a complete one.
		panic(http.ErrAbortHandler)
	}
}

// outboundRequest builds the request sent to the origin or upstream proxy.
// Via a proxy the URL stays absolute and the transport writes it as the
// request target; direct requests are sent to the resolved host:port.
func (h *Handler) outboundRequest(r *http.Request, dest *url.URL, target RouteTarget) *http.Request {
	ctx := r.Context()
	u := *dest
	if target.Direct {
		u.Host = target.Addr()
	} else {
		ctx = withUpstream(ctx, target.Addr())
	}

	outReq := r.Clone(ctx)
	outReq.RequestURI = ""
	outReq.URL = &u
	outReq.Host = r.Host

	for _, k := range hopByHopHeaders {
		outReq.Header.Del(k)
	}
	mergeExtraHeaders(outReq.Header, h.extra)
	if target.Direct {
		// Credentials meant for a proxy never go to an origin.
		outReq.Header.Del("Proxy-Authorization")
	}
	return outReq
}

// requestURL reconstructs the absolute destination URL from the request
// line and Host header.
func requestURL(r *http.Request) (*url.URL, error) {
	if r.Host == "" {
		return nil, fmt.Errorf("%w: missing Host header", ErrProtocolViolation)
	}
	u := *r.URL
	u.User = nil
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	return &u, nil
}

func pacErrorReason(err error) string {
	var ee *pac.EvalError
	switch {
	case errors.As(err, &ee):
		return "eval"
	case errors.Is(err, pac.ErrUnparseableDirective):
		return "unparseable"
	default:
		return "other"
	}
}

type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	_ = f.rc.Flush()
	return n, nil
}
