package proxy_test

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/pacrelay/internal/proxy"
)

// startEchoServer accepts one connection and echoes everything it reads.
func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()
	return ln
}

// dialConnect opens a connection to the proxy and sends a CONNECT for
// target, followed by leading bytes when given.
func dialConnect(t *testing.T, proxyAddr, target string, header http.Header, leading string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	header.Write(&b)
	b.WriteString("\r\n")
	b.WriteString(leading)
	if _, err := io.WriteString(conn, b.String()); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		t.Fatalf("reading CONNECT response: %v", err)
	}
	return conn, br, resp
}

func assertEcho(t *testing.T, w io.Writer, r io.Reader, msg string) {
	t.Helper()
	if _, err := io.WriteString(w, msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != msg {
		t.Fatalf("expected %q got %q", msg, buf)
	}
}

func TestConnectTunnelDirect(t *testing.T) {
	// TLS origin server
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("secure hello"))
	}))
	defer origin.Close()

	handler := proxy.NewHandler(&mockRouter{raw: "DIRECT"}, proxy.Config{})

	// Start a proxy server
	proxyServer := httptest.NewServer(handler)
	defer proxyServer.Close()

	// Extract host:port from origin
	originAddr := origin.Listener.Addr().String()
	conn, _, resp := dialConnect(t, proxyServer.Listener.Addr().String(), originAddr, nil, "")
	defer conn.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("CONNECT status: got %d, want 200", resp.StatusCode)
	}

	// Wrap in TLS and make request
	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	defer tlsConn.Close()

	req, _ := http.NewRequest("GET", "/", nil)
	req.Host = originAddr
	req.Write(tlsConn)

	resp2, err := http.ReadResponse(bufio.NewReader(tlsConn), req)
	if err != nil {
		t.Fatalf("reading tunneled response: %v", err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	if string(body) != "secure hello" {
		t.Errorf("body: got %q, want %q", body, "secure hello")
	}
}

func TestConnectLeadingBytes(t *testing.T) {
	echo := startEchoServer(t)
	handler := proxy.NewHandler(&mockRouter{raw: "DIRECT"}, proxy.Config{})
	proxyServer := httptest.NewServer(handler)
	defer proxyServer.Close()

	conn, br, resp := dialConnect(t, proxyServer.Listener.Addr().String(), echo.Addr().String(), nil, "early-bytes")
	defer conn.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("CONNECT status: got %d, want 200", resp.StatusCode)
	}

	buf := make([]byte, len("early-bytes"))
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("reading echoed leading bytes: %v", err)
	}
	if string(buf) != "early-bytes" {
		t.Errorf("leading bytes: got %q", buf)
	}
	assertEcho(t, conn, br, "after")
}

// fakeUpstream is a minimal CONNECT proxy that records the handshake and
// then echoes tunnel bytes, or refuses with the given status line.
type fakeUpstream struct {
	ln       net.Listener
	requests chan *http.Request
	status   string
}

func startFakeUpstream(t *testing.T, status string) *fakeUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	u := &fakeUpstream{ln: ln, requests: make(chan *http.Request, 1), status: status}
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		u.requests <- req
		fmt.Fprintf(c, "HTTP/1.1 %s\r\nVia: 1.1 fake-upstream\r\n\r\n", u.status)
		if !strings.HasPrefix(u.status, "200") {
			return
		}
		io.Copy(c, br)
	}()
	return u
}

func TestConnectTunnelViaUpstream(t *testing.T) {
	upstream := startFakeUpstream(t, "200 Connection established")
	router := &mockRouter{raw: "PROXY " + upstream.ln.Addr().String() + "; DIRECT"}
	extra := http.Header{}
	extra.Set("Proxy-Authorization", "Basic dXA6c3RyZWFt")
	handler := proxy.NewHandler(router, proxy.Config{ExtraHeaders: extra})
	proxyServer := httptest.NewServer(handler)
	defer proxyServer.Close()

	hdr := http.Header{}
	hdr.Set("X-Client", "yes")
	conn, br, resp := dialConnect(t, proxyServer.Listener.Addr().String(), "secure.test:443", hdr, "")
	defer conn.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("CONNECT status: got %d, want 200", resp.StatusCode)
	}
	if via := resp.Header.Get("Via"); via != "1.1 fake-upstream" {
		t.Errorf("upstream response not relayed, Via: %q", via)
	}

	select {
	case req := <-upstream.requests:
		if req.Method != http.MethodConnect || req.Host != "secure.test:443" {
			t.Errorf("handshake: got %s %s", req.Method, req.Host)
		}
		if req.Header.Get("X-Client") != "yes" {
			t.Error("client headers not forwarded in handshake")
		}
		if req.Header.Get("Proxy-Authorization") != "Basic dXA6c3RyZWFt" {
			t.Error("extra headers not applied to handshake")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never received CONNECT")
	}

	if got := router.lastCall(); got[0] != "https://secure.test:443" || got[1] != "secure.test" {
		t.Errorf("PAC called with %v", got)
	}

	assertEcho(t, conn, br, "ping through upstream")
}

func TestConnectFailures(t *testing.T) {
	tests := []struct {
		name   string
		router func(t *testing.T) *mockRouter
		target string
	}{
		{
			name:   "direct dial fails",
			router: func(t *testing.T) *mockRouter { return &mockRouter{raw: "DIRECT"} },
			target: "",
		},
		{
			name: "upstream refuses",
			router: func(t *testing.T) *mockRouter {
				u := startFakeUpstream(t, "407 Proxy Authentication Required")
				return &mockRouter{raw: "PROXY " + u.ln.Addr().String()}
			},
			target: "secure.test:443",
		},
		{
			name: "upstream unreachable",
			router: func(t *testing.T) *mockRouter {
				return &mockRouter{raw: "PROXY " + closedAddr(t)}
			},
			target: "secure.test:443",
		},
		{
			name:   "malformed target",
			router: func(t *testing.T) *mockRouter { return &mockRouter{raw: "DIRECT"} },
			target: ":443",
		},
		{
			name:   "PAC error",
			router: func(t *testing.T) *mockRouter { return &mockRouter{raw: "BOGUS"} },
			target: "secure.test:443",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := tt.target
			if target == "" {
				target = closedAddr(t)
			}
			handler := proxy.NewHandler(tt.router(t), proxy.Config{DialTimeout: 2 * time.Second})
			proxyServer := httptest.NewServer(handler)
			defer proxyServer.Close()

			conn, br, resp := dialConnect(t, proxyServer.Listener.Addr().String(), target, nil, "")
			defer conn.Close()

			if resp.StatusCode != 500 || resp.Status != "500 Connection error" {
				t.Fatalf("status: got %q, want 500 Connection error", resp.Status)
			}
			if _, err := br.ReadByte(); err != io.EOF {
				t.Errorf("connection not closed after failure: %v", err)
			}
		})
	}
}

func TestConnectCloseFromTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Write([]byte("bye"))
		c.Close()
	}()

	handler := proxy.NewHandler(&mockRouter{raw: "DIRECT"}, proxy.Config{})
	proxyServer := httptest.NewServer(handler)
	defer proxyServer.Close()

	conn, br, resp := dialConnect(t, proxyServer.Listener.Addr().String(), ln.Addr().String(), nil, "")
	defer conn.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("CONNECT status: got %d", resp.StatusCode)
	}

	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("reading until close: %v", err)
	}
	if string(rest) != "bye" {
		t.Errorf("got %q, want bye", rest)
	}
}

func TestConnectLeadingBytesViaUpstream(t *testing.T) {
	upstream := startFakeUpstream(t, "200 Connection established")
	handler := proxy.NewHandler(&mockRouter{raw: "PROXY " + upstream.ln.Addr().String()}, proxy.Config{})
	proxyServer := httptest.NewServer(handler)
	defer proxyServer.Close()

	conn, br, resp := dialConnect(t, proxyServer.Listener.Addr().String(), "secure.test:443", nil, "early-bytes")
	defer conn.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("CONNECT status: got %d, want 200", resp.StatusCode)
	}

	select {
	case req := <-upstream.requests:
		if req.Host != "secure.test:443" {
			t.Errorf("handshake target: got %q", req.Host)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never received CONNECT")
	}

	// The upstream echoes the tunnel, so the early bytes come back only if
	// they reached it.
	buf := make([]byte, len("early-bytes"))
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("reading echoed leading bytes: %v", err)
	}
	if string(buf) != "early-bytes" {
		t.Errorf("leading bytes: got %q", buf)
	}
	assertEcho(t, conn, br, "after")
}
