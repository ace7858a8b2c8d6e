package logging

import (
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"strings"
	"time"
)

// Config selects the handler, level and destination of the logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Syslog bool   // write to the local syslog daemon instead of stderr
}

// RequestEntry holds all fields for a forwarded request log line.
type RequestEntry struct {
	ClientIP   string
	Method     string
	Host       string
	URL        string
	PACResult  string
	Upstream   string
	StatusCode int
	Duration   time.Duration
	BytesSent  int64
	BytesRecv  int64
}

// TunnelEntry holds all fields for a CONNECT tunnel log line.
type TunnelEntry struct {
	ClientIP  string
	Target    string
	PACResult string
	Upstream  string
	Duration  time.Duration
	BytesSent int64
	BytesRecv int64
}

// LogRequest logs a forwarded request with structured fields.
func LogRequest(logger *slog.Logger, e RequestEntry) {
	logger.Info("proxy request",
		"client_ip", e.ClientIP,
		"method", e.Method,
		"host", e.Host,
		"url", e.URL,
		"pac_result", e.PACResult,
		"upstream", e.Upstream,
		"status_code", e.StatusCode,
		"duration_ms", e.Duration.Milliseconds(),
		"bytes_sent", e.BytesSent,
		"bytes_received", e.BytesRecv,
	)
}

// LogTunnel logs a closed CONNECT tunnel with structured fields.
func LogTunnel(logger *slog.Logger, e TunnelEntry) {
	logger.Info("tunnel closed",
		"client_ip", e.ClientIP,
		"target", e.Target,
		"pac_result", e.PACResult,
		"upstream", e.Upstream,
		"duration_ms", e.Duration.Milliseconds(),
		"bytes_sent", e.BytesSent,
		"bytes_received", e.BytesRecv,
	)
}

// New builds a logger from cfg. When syslog is requested but unavailable
// it returns a stderr logger together with the syslog error, so callers
// can warn and carry on.
func New(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var (
		w      io.Writer = os.Stderr
		sysErr error
	)
	if cfg.Syslog {
		sw, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "pacrelay")
		if err != nil {
			sysErr = fmt.Errorf("syslog unavailable: %w", err)
		} else {
			w = sw
		}
	}

	logger, err := NewWithWriter(w, cfg.Format, level)
	if err != nil {
		return nil, err
	}
	return logger, sysErr
}

// NewWithWriter creates an slog.Logger writing format ("json" or "text") to w.
func NewWithWriter(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel maps a level name to an slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}
