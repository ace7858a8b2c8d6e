package pac

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Fetcher retrieves PAC script text from a location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (string, error)
}

// Evaluator holds the active Script and swaps it atomically on reload, so
// in-flight evaluations never observe a partially loaded script.
type Evaluator struct {
	script  atomic.Pointer[Script]
	source  string // file path or URL used for reloads
	fetcher Fetcher
	opts    []Option
}

// New fetches and compiles the PAC script at source.
func New(ctx context.Context, source string, fetcher Fetcher, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{source: source, fetcher: fetcher, opts: opts}
	text, err := fetcher.Fetch(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("loading PAC from %q: %w", source, err)
	}

	var env environment
	for _, o := range opts {
		o(&env)
	}
	if env.onFetched != nil {
		env.onFetched()
	}

	s, err := Compile(text, opts...)
	if err != nil {
		return nil, fmt.Errorf("compiling PAC from %q: %w", source, err)
	}
	e.script.Store(s)
	return e, nil
}

// NewFromScript wraps an already compiled script. Reload fetches from source.
func NewFromScript(s *Script, source string, fetcher Fetcher, opts ...Option) *Evaluator {
	e := &Evaluator{source: source, fetcher: fetcher, opts: opts}
	e.script.Store(s)
	return e
}

func (e *Evaluator) load(ctx context.Context) (*Script, error) {
	text, err := e.fetcher.Fetch(ctx, e.source)
	if err != nil {
		return nil, err
	}
	return Compile(text, e.opts...)
}

// Resolve runs FindProxyForURL and parses the full directive chain.
func (e *Evaluator) Resolve(url, host string) (Chain, error) {
	raw, err := e.script.Load().FindProxyForURL(url, host)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Reload fetches and compiles the PAC script again. On failure the
// previous script stays active.
func (e *Evaluator) Reload(ctx context.Context) error {
	s, err := e.load(ctx)
	if err != nil {
		return fmt.Errorf("reloading PAC from %q: %w", e.source, err)
	}
	e.script.Store(s)
	return nil
}

// Script returns the active script.
func (e *Evaluator) Script() *Script {
	return e.script.Load()
}

// Source returns the configured PAC source path or URL.
func (e *Evaluator) Source() string {
	return e.source
}
