package pac

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrUnparseableDirective is returned when a FindProxyForURL result
// contains a segment that is neither DIRECT nor PROXY host[:port].
var ErrUnparseableDirective = errors.New("unparseable PAC directive")

// Kind distinguishes direct connections from upstream proxies.
type Kind int

const (
	Direct Kind = iota
	Proxy
)

// Directive is one entry of a FindProxyForURL result.
type Directive struct {
	Kind Kind
	// Host and Port of the upstream proxy. Port is empty when the PAC
	// result omitted it; it is then derived from the destination scheme.
	Host string
	Port string
}

// IsDirect reports whether the directive connects to the origin.
func (d Directive) IsDirect() bool {
	return d.Kind == Direct
}

// Address returns host:port of the upstream proxy, using defaultPort when
// the directive carries none.
func (d Directive) Address(defaultPort string) string {
	port := d.Port
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(d.Host, port)
}

func (d Directive) String() string {
	if d.IsDirect() {
		return "DIRECT"
	}
	if d.Port == "" {
		return "PROXY " + d.Host
	}
	return "PROXY " + net.JoinHostPort(d.Host, d.Port)
}

// Chain is the ordered fallback list returned by FindProxyForURL. A
// successfully parsed chain is never empty.
type Chain []Directive

// First returns the preferred directive.
func (c Chain) First() Directive {
	return c[0]
}

func (c Chain) String() string {
	parts := make([]string, len(c))
	for i, d := range c {
		parts[i] = d.String()
	}
	return strings.Join(parts, "; ")
}

// Parse turns a raw FindProxyForURL result such as
// "PROXY a:8080; PROXY b; DIRECT" into a Chain, keeping every entry in order.
func Parse(raw string) (Chain, error) {
	var chain Chain
	for _, seg := range strings.Split(raw, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		d, err := parseSegment(seg)
		if err != nil {
			return nil, err
		}
		chain = append(chain, d)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty result %q", ErrUnparseableDirective, raw)
	}
	return chain, nil
}

func parseSegment(seg string) (Directive, error) {
	if seg == "DIRECT" {
		return Directive{Kind: Direct}, nil
	}
	rest, ok := strings.CutPrefix(seg, "PROXY ")
	if !ok {
		return Directive{}, fmt.Errorf("%w: %q", ErrUnparseableDirective, seg)
	}
	host, port, err := splitHostPort(strings.TrimSpace(rest))
	if err != nil {
		return Directive{}, fmt.Errorf("%w: %q: %v", ErrUnparseableDirective, seg, err)
	}
	return Directive{Kind: Proxy, Host: host, Port: port}, nil
}

func splitHostPort(s string) (host, port string, err error) {
	if s == "" {
		return "", "", errors.New("missing host")
	}
	if strings.ContainsAny(s, " \t/") {
		return "", "", errors.New("invalid host")
	}

	host, port, err = net.SplitHostPort(s)
	if err != nil {
		// No port: a bare hostname, IPv4 address or bracketed IPv6 address.
		if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
			return s[1 : len(s)-1], "", nil
		}
		if strings.Contains(s, ":") {
			return "", "", err
		}
		return s, "", nil
	}
	if host == "" {
		return "", "", errors.New("missing host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", "", fmt.Errorf("invalid port %q", port)
	}
	return host, port, nil
}
