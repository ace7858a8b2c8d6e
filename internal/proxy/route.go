package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/goodtune/pacrelay/internal/pac"
)

// RouteTarget is where one request or tunnel is sent, derived from the
// first directive of the PAC chain and the destination URL.
type RouteTarget struct {
	Protocol string // destination scheme, "http" or "https"
	Host     string // origin host, or upstream proxy host
	Port     int
	Path     string // request URI for direct routes, absolute URL via a proxy
	Direct   bool
}

// Addr returns the host:port to connect to.
func (t RouteTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Upstream names the next hop for logs and metrics.
func (t RouteTarget) Upstream() string {
	if t.Direct {
		return "direct"
	}
	return t.Addr()
}

// Label is the route metric label.
func (t RouteTarget) Label() string {
	if t.Direct {
		return "direct"
	}
	return "proxy"
}

// defaultPort is the destination scheme's port: 443 for https, else 80.
func defaultPort(u *url.URL) string {
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// NewRouteTarget derives the target for u from directive d. Missing ports,
// whether on the destination or on the proxy directive, default from the
// destination scheme.
func NewRouteTarget(d pac.Directive, u *url.URL) (RouteTarget, error) {
	t := RouteTarget{Protocol: u.Scheme, Direct: d.IsDirect()}
	if t.Protocol == "" {
		t.Protocol = "http"
	}

	var port string
	if t.Direct {
		t.Host, port = u.Hostname(), u.Port()
		t.Path = u.RequestURI()
	} else {
		t.Host, port = d.Host, d.Port
		t.Path = u.String()
	}
	if port == "" {
		port = defaultPort(u)
	}
	if t.Host == "" {
		return RouteTarget{}, fmt.Errorf("%w: no host in %q", ErrProtocolViolation, u)
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return RouteTarget{}, fmt.Errorf("%w: invalid port %q", ErrProtocolViolation, port)
	}
	t.Port = n
	return t, nil
}
