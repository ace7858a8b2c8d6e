package pac_test

import (
	"errors"
	"testing"

	"github.com/goodtune/pacrelay/internal/pac"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want pac.Chain
	}{
		{
			name: "direct",
			raw:  "DIRECT",
			want: pac.Chain{{Kind: pac.Direct}},
		},
		{
			name: "full fallback chain",
			raw:  "PROXY h1:8080; PROXY h2:3128; DIRECT",
			want: pac.Chain{
				{Kind: pac.Proxy, Host: "h1", Port: "8080"},
				{Kind: pac.Proxy, Host: "h2", Port: "3128"},
				{Kind: pac.Direct},
			},
		},
		{
			name: "port omitted",
			raw:  "PROXY h1; PROXY h2:81",
			want: pac.Chain{
				{Kind: pac.Proxy, Host: "h1"},
				{Kind: pac.Proxy, Host: "h2", Port: "81"},
			},
		},
		{
			name: "whitespace and trailing separator",
			raw:  "  PROXY  squid.local:3128 ;DIRECT; ",
			want: pac.Chain{
				{Kind: pac.Proxy, Host: "squid.local", Port: "3128"},
				{Kind: pac.Direct},
			},
		},
		{
			name: "ipv6",
			raw:  "PROXY [::1]:3128; PROXY [fe80::1]",
			want: pac.Chain{
				{Kind: pac.Proxy, Host: "::1", Port: "3128"},
				{Kind: pac.Proxy, Host: "fe80::1"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pac.Parse(tt.raw)
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("length: got %d (%v), want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("entry %d: got %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		" ; ;",
		"direct",
		"DIRECTLY",
		"PROXY",
		"PROXY ",
		"PROXY h1:notaport",
		"PROXY h1:70000",
		"PROXY :8080",
		"SOCKS5 s:1080",
		"PROXY h1:8080; HTTPS h2:443",
	} {
		t.Run(raw, func(t *testing.T) {
			if _, err := pac.Parse(raw); !errors.Is(err, pac.ErrUnparseableDirective) {
				t.Errorf("Parse(%q): got %v, want ErrUnparseableDirective", raw, err)
			}
		})
	}
}

func TestDirectiveAddress(t *testing.T) {
	d := pac.Directive{Kind: pac.Proxy, Host: "up.test"}
	if got := d.Address("443"); got != "up.test:443" {
		t.Errorf("default port: got %q", got)
	}
	d.Port = "3128"
	if got := d.Address("443"); got != "up.test:3128" {
		t.Errorf("explicit port: got %q", got)
	}
	if got := (pac.Directive{Kind: pac.Proxy, Host: "::1", Port: "8080"}).String(); got != "PROXY [::1]:8080" {
		t.Errorf("ipv6 string: got %q", got)
	}
}
