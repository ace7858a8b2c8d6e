// Package pac loads proxy auto-config scripts into a sandboxed JavaScript
// runtime and turns their FindProxyForURL results into directive chains.
package pac

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dop251/goja"
)

const (
	defaultDNSTimeout  = 5 * time.Second
	defaultEvalTimeout = 5 * time.Second

	// maxCallDepth bounds recursion inside the script.
	maxCallDepth = 4096
)

// ScriptError reports a PAC script that cannot be compiled or does not
// define FindProxyForURL.
type ScriptError struct {
	Err error
}

func (e *ScriptError) Error() string {
	return "PAC script: " + e.Err.Error()
}

func (e *ScriptError) Unwrap() error { return e.Err }

// EvalError reports a FindProxyForURL call that threw or returned a
// non-string value.
type EvalError struct {
	URL string
	Err error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("FindProxyForURL(%q): %v", e.URL, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// Option configures the environment a Script runs in.
type Option func(*environment)

// WithResolver replaces the DNS resolver used by dnsResolve, isInNet and
// isResolvable.
func WithResolver(r Resolver) Option {
	return func(e *environment) { e.resolver = r }
}

// WithClock replaces the clock used by dateRange, timeRange and weekdayRange.
func WithClock(now func() time.Time) Option {
	return func(e *environment) { e.now = now }
}

// WithLocalIP replaces the address reported by myIpAddress.
func WithLocalIP(ip net.IP) Option {
	return func(e *environment) { e.localIP = func() net.IP { return ip } }
}

// WithEvalTimeout bounds a single FindProxyForURL call. A call still
// running when it expires is interrupted and fails with an EvalError.
func WithEvalTimeout(d time.Duration) Option {
	return func(e *environment) {
		if d > 0 {
			e.evalTimeout = d
		}
	}
}

// OnFetched registers fn to run when New has fetched the initial script
// and is about to compile it. Reloads do not call it.
func OnFetched(fn func()) Option {
	return func(e *environment) { e.onFetched = fn }
}

// WithLogger sets the logger receiving PAC alert() output.
func WithLogger(l *slog.Logger) Option {
	return func(e *environment) {
		if l != nil {
			e.logger = l
		}
	}
}

// Script is a compiled PAC script. It is immutable and safe for concurrent
// use: every caller borrows its own runtime from a pool.
type Script struct {
	source  string
	program *goja.Program
	env     *environment
	pool    sync.Pool
}

type runtime struct {
	vm *goja.Runtime
	fn goja.Callable
}

// Compile prepares text for evaluation. The script is run once so that
// errors in top-level code surface here rather than on the first request.
func Compile(text string, opts ...Option) (*Script, error) {
	env := &environment{
		resolver:    net.DefaultResolver,
		now:         time.Now,
		localIP:     defaultLocalIP,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		dnsTimeout:  defaultDNSTimeout,
		evalTimeout: defaultEvalTimeout,
	}
	for _, o := range opts {
		o(env)
	}

	program, err := goja.Compile("proxy.pac", text+"\n;FindProxyForURL", false)
	if err != nil {
		return nil, &ScriptError{Err: err}
	}

	s := &Script{source: text, program: program, env: env}
	rt, err := s.newRuntime()
	if err != nil {
		return nil, &ScriptError{Err: err}
	}
	s.pool.Put(rt)
	return s, nil
}

func (s *Script) newRuntime() (*runtime, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallDepth)
	s.env.install(vm)

	timer := time.AfterFunc(s.env.evalTimeout, func() {
		vm.Interrupt(fmt.Sprintf("top-level code exceeded %s", s.env.evalTimeout))
	})
	v, err := vm.RunProgram(s.program)
	if !timer.Stop() && err == nil {
		err = fmt.Errorf("top-level code exceeded %s", s.env.evalTimeout)
	}
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New("FindProxyForURL is not a function")
	}
	return &runtime{vm: vm, fn: fn}, nil
}

// Source returns the script text.
func (s *Script) Source() string {
	return s.source
}

// FindProxyForURL calls the script's FindProxyForURL(url, host) and
// returns its raw result. Runaway recursion and calls outliving the
// evaluation timeout fail with an EvalError.
func (s *Script) FindProxyForURL(url, host string) (string, error) {
	rt, ok := s.pool.Get().(*runtime)
	if !ok {
		var err error
		if rt, err = s.newRuntime(); err != nil {
			return "", &EvalError{URL: url, Err: err}
		}
	}

	timer := time.AfterFunc(s.env.evalTimeout, func() {
		rt.vm.Interrupt(fmt.Sprintf("evaluation exceeded %s", s.env.evalTimeout))
	})
	v, err := rt.fn(goja.Undefined(), rt.vm.ToValue(url), rt.vm.ToValue(host))
	// A runtime whose interrupt fired (or is about to) or that overflowed
	// its call stack is dropped rather than handed to the next caller.
	var overflow *goja.StackOverflowError
	if timer.Stop() && !errors.As(err, &overflow) {
		s.pool.Put(rt)
	}

	if err != nil {
		return "", &EvalError{URL: url, Err: err}
	}
	result, ok := v.Export().(string)
	if !ok {
		return "", &EvalError{URL: url, Err: fmt.Errorf("returned %s, want a string", v.String())}
	}
	return result, nil
}
