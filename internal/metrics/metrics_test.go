package metrics_test

import (
	"strings"
	"testing"

	"github.com/goodtune/pacrelay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	// Create a fresh registry to avoid pollution
	reg := prometheus.NewRegistry()
	metrics.RegisterOn(reg)

	// Use Describe to verify registration (Gather only returns observed metrics)
	expected := map[string]bool{
		"pacrelay_requests_total":           false,
		"pacrelay_request_duration_seconds": false,
		"pacrelay_tunnels_total":            false,
		"pacrelay_tunnel_duration_seconds":  false,
		"pacrelay_bytes_sent_total":         false,
		"pacrelay_bytes_received_total":     false,
		"pacrelay_active_connections":       false,
		"pacrelay_pac_reload_total":         false,
		"pacrelay_pac_errors_total":         false,
		"pacrelay_upstream_errors_total":    false,
	}

	ch := make(chan *prometheus.Desc, 32)
	go func() {
		for _, c := range metrics.All() {
			c.Describe(ch)
		}
		close(ch)
	}()

	for desc := range ch {
		name := desc.String()
		for eName := range expected {
			if strings.Contains(name, `"`+eName+`"`) {
				expected[eName] = true
			}
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	c := metrics.PACReloadTotal.WithLabelValues("test")
	before := testutil.ToFloat64(c)
	c.Inc()
	if got := testutil.ToFloat64(c); got != before+1 {
		t.Errorf("counter: got %v, want %v", got, before+1)
	}
}
