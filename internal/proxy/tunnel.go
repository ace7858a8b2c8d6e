package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/goodtune/pacrelay/internal/logging"
	"github.com/goodtune/pacrelay/internal/metrics"
)

type tunnelState int

const (
	stateResolving tunnelState = iota
	stateConnecting
	stateHandshaking
)

func (s tunnelState) String() string {
	switch s {
	case stateResolving:
		return "resolving"
	case stateConnecting:
		return "connecting"
	case stateHandshaking:
		return "handshaking"
	default:
		return "unknown"
	}
}

// handleTunnel serves a CONNECT request: the client connection is hijacked,
// routed by the PAC script, and relayed as an opaque byte stream.
func (h *Handler) handleTunnel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ActiveConnections.WithLabelValues("tunnel").Inc()
	defer metrics.ActiveConnections.WithLabelValues("tunnel").Dec()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		h.logger.Error("hijack failed", "error", err)
		return
	}
	_ = brw.Flush()

	state := stateResolving
	authority := r.Host
	fail := func(err error, upstream string) {
		h.logger.Warn("tunnel failed", "error", err, "state", state.String(),
			"client_ip", clientIP(r), "target", authority, "upstream", upstream)
		fmt.Fprintf(clientConn, "HTTP/%d.%d 500 Connection error\r\n\r\n", r.ProtoMajor, r.ProtoMinor)
		_ = clientConn.Close()
	}

	authority, err = connectTarget(r)
	if err != nil {
		fail(err, "")
		return
	}

	dest := &url.URL{Scheme: "https", Host: authority}
	chain, err := h.router.Resolve("https://"+authority, dest.Hostname())
	if err != nil {
		metrics.PACErrors.WithLabelValues(pacErrorReason(err)).Inc()
		fail(fmt.Errorf("PAC evaluation: %w", err), "")
		return
	}
	target, err := NewRouteTarget(chain.First(), dest)
	if err != nil {
		fail(err, "")
		return
	}

	state = stateConnecting
	upstreamConn, err := h.dialer.DialContext(r.Context(), "tcp", target.Addr())
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(target.Upstream()).Inc()
		metrics.TunnelsTotal.WithLabelValues(target.Label(), "failed").Inc()
		fail(err, target.Upstream())
		return
	}

	var upstream net.Conn = upstreamConn
	if target.Direct {
		fmt.Fprintf(clientConn, "HTTP/%d.%d 200 Connection established\r\n\r\n", r.ProtoMajor, r.ProtoMinor)
	} else {
		state = stateHandshaking
		br, resp, err := h.handshake(upstreamConn, r, authority)
		if err != nil {
			_ = upstreamConn.Close()
			metrics.UpstreamErrors.WithLabelValues(target.Upstream()).Inc()
			metrics.TunnelsTotal.WithLabelValues(target.Label(), "failed").Inc()
			fail(err, target.Upstream())
			return
		}
		// The upstream's answer is the client's answer.
		fmt.Fprintf(clientConn, "HTTP/%d.%d %s\r\n", r.ProtoMajor, r.ProtoMinor, resp.Status)
		_ = resp.Header.Write(clientConn)
		_, _ = clientConn.Write([]byte("\r\n"))
		upstream = &bufferedConn{Conn: upstreamConn, r: br}
	}
	metrics.TunnelsTotal.WithLabelValues(target.Label(), "established").Inc()
	h.logger.Debug("tunnel established", "client_ip", clientIP(r), "target", authority, "upstream", target.Upstream())

	// Bytes the client sent after the CONNECT header are still sitting in
	// the hijacked reader; reading through it relays them first.
	client := &bufferedConn{Conn: clientConn, r: brw.Reader}

	sent, recv, err := CopyBidirectional(r.Context(), client, upstream)
	if err != nil {
		h.logger.Debug("tunnel relay ended with error", "error", err, "target", authority)
	}

	duration := time.Since(start)
	metrics.TunnelDuration.WithLabelValues(target.Label()).Observe(duration.Seconds())
	metrics.BytesReceived.WithLabelValues(target.Label()).Add(float64(sent))
	metrics.BytesSent.WithLabelValues(target.Label()).Add(float64(recv))

	logging.LogTunnel(h.logger, logging.TunnelEntry{
		ClientIP:  clientIP(r),
		Target:    authority,
		PACResult: chain.String(),
		Upstream:  target.Upstream(),
		Duration:  duration,
		BytesSent: recv,
		BytesRecv: sent,
	})
}

// handshake asks the upstream proxy to open a tunnel to authority, sending
// the client's CONNECT headers along. It returns the reader positioned
// after the upstream's response header.
func (h *Handler) handshake(conn net.Conn, r *http.Request, authority string) (*bufio.Reader, *http.Response, error) {
	if h.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(h.timeout))
		defer conn.SetDeadline(time.Time{})
	}

	hdr := r.Header.Clone()
	mergeExtraHeaders(hdr, h.extra)

	bw := bufio.NewWriter(conn)
	fmt.Fprintf(bw, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", authority, authority)
	_ = hdr.Write(bw)
	_, _ = bw.WriteString("\r\n")
	if err := bw.Flush(); err != nil {
		return nil, nil, fmt.Errorf("upstream CONNECT write: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return nil, nil, fmt.Errorf("upstream CONNECT read: %w", err)
	}
	// A successful CONNECT response has no body; the bytes that follow
	// belong to the tunnel.
	if resp.StatusCode/100 != 2 {
		return nil, nil, fmt.Errorf("upstream CONNECT refused: %s", resp.Status)
	}
	return br, resp, nil
}

// connectTarget returns the host:port from a CONNECT request line,
// defaulting the port to 443.
func connectTarget(r *http.Request) (string, error) {
	target := r.Host
	if target == "" && r.URL != nil {
		target = r.URL.Host
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		host, port = target, "443"
		if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
			host = host[1 : len(host)-1]
		}
	}
	if host == "" {
		return "", fmt.Errorf("%w: CONNECT target %q", ErrProtocolViolation, target)
	}
	return net.JoinHostPort(host, port), nil
}
