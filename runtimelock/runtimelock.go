// Package runtimelock provides exclusive, re-entrant, context-cancellable
// access to a goja.Runtime, per spec §4.3. goja.Runtime is single-goroutine
// only; every call into it must happen while holding the Token this package
// hands out, the same way a GIL gates access to a CPython interpreter.
package runtimelock

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"

	"github.com/joeycumines/promptbridge/bridgeerr"
)

// Runtime owns one goja.Runtime and the single-slot semaphore that
// serializes access to it.
type Runtime struct {
	vm       *goja.Runtime
	registry *require.Registry

	// sem is a size-1 buffered channel acting as a mutex, holding one value
	// while the lock is free: a goroutine holds the lock by having
	// successfully received from sem, and releases by sending to it. Modeled on the teacher's channel-based
	// synchronization idiom (see eventloop.Loop's ingress channel), chosen
	// over sync.Mutex because Lock must be select-able against ctx.Done().
	sem chan struct{}

	// owner is the goroutine id currently holding the lock, or 0. Read
	// under the same invariant as sem: only meaningful while sem is empty.
	owner int64
	depth int
	mu    sync.Mutex // guards owner/depth bookkeeping only, never held across a send/receive on sem

	closed atomic.Bool
}

// Option configures a Runtime at construction.
type Option func(*Runtime)

// New constructs a Runtime wrapping a fresh goja.Runtime and an empty
// module registry. The caller must Lock before touching VM or Require.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		vm:       goja.New(),
		registry: require.NewRegistry(),
		sem:      make(chan struct{}, 1),
	}
	r.sem <- struct{}{}
	for _, opt := range opts {
		opt(r)
	}
	r.registry.Enable(r.vm)
	return r
}

// WithRuntimeOptions applies goja.Runtime configuration at construction
// time, before the registry is enabled.
func WithRuntimeOptions(fn func(*goja.Runtime)) Option {
	return func(r *Runtime) { fn(r.vm) }
}

// WithNativeModule registers a native module loader under name, the same
// registry.RegisterNativeModule call the teacher's goja-grpc.Require makes,
// so that tok.Require(name) resolves it. Must be supplied at construction;
// the registry is sealed (via Enable) before New returns.
func WithNativeModule(name string, loader require.ModuleLoader) Option {
	return func(r *Runtime) { r.registry.RegisterNativeModule(name, loader) }
}

// Token proves the holder currently has exclusive access to the wrapped
// goja.Runtime. It must not be copied or retained past the call that
// produced it; obtain a fresh Token for every critical section.
type Token struct {
	_ noCopy
	r *Runtime
	// reentrant is true when this Token was handed out to a goroutine that
	// already held the lock (see Lock's re-entrancy check); closing such a
	// Token decrements depth instead of releasing sem.
	reentrant bool
	closed    bool
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// VM returns the wrapped goja.Runtime. Only valid while tok is open.
func (tok *Token) VM() *goja.Runtime {
	tok.mustOpen()
	return tok.r.vm
}

// Require resolves name through the module registry, importing it on first
// use. Only valid while tok is open.
func (tok *Token) Require(name string) (*goja.Object, error) {
	tok.mustOpen()
	var mod *goja.Object
	var caught error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				if exc, ok := rec.(*goja.Exception); ok {
					caught = bridgeerr.Wrap(bridgeerr.KindForeignImport, fmt.Sprintf("import %q failed", name), exc)
					return
				}
				panic(rec)
			}
		}()
		mod = tok.r.registry.Require(tok.r.vm, name)
	}()
	if caught != nil {
		return nil, caught
	}
	return mod, nil
}

// Close releases the lock. Closing an already-closed Token panics: it
// indicates a double-release bug in the caller, the same class of defect a
// double sync.Mutex.Unlock is.
func (tok *Token) Close() {
	if tok.closed {
		panic("runtimelock: Token closed twice")
	}
	tok.closed = true

	r := tok.r
	if tok.reentrant {
		r.mu.Lock()
		r.depth--
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.owner = 0
	r.depth = 0
	r.mu.Unlock()
	r.sem <- struct{}{}
}

func (tok *Token) mustOpen() {
	if tok.closed {
		panic("runtimelock: use of Token after Close")
	}
}

// Lock acquires exclusive access to the runtime, blocking until it is
// available or ctx is done. Calling Lock again from the same goroutine
// while already holding the lock succeeds immediately and returns a
// re-entrant Token (spec §4.3: "re-entrant per goroutine"); the runtime is
// released only when the outermost Token is Closed.
func (r *Runtime) Lock(ctx context.Context) (*Token, error) {
	if r.closed.Load() {
		return nil, bridgeerr.New(bridgeerr.KindInternal, "runtimelock: runtime is closed")
	}

	gid := currentGoroutineID()

	r.mu.Lock()
	if r.owner == gid && r.depth > 0 {
		r.depth++
		r.mu.Unlock()
		return &Token{r: r, reentrant: true}, nil
	}
	r.mu.Unlock()

	select {
	case <-r.sem:
	case <-ctx.Done():
		return nil, bridgeerr.Wrap(bridgeerr.KindCancelled, "runtimelock: Lock cancelled", ctx.Err())
	}

	r.mu.Lock()
	r.owner = gid
	r.depth = 1
	r.mu.Unlock()

	return &Token{r: r}, nil
}

// TryLock attempts to acquire the lock without blocking. ok is false if the
// lock is currently held by another goroutine.
func (r *Runtime) TryLock() (tok *Token, ok bool) {
	if r.closed.Load() {
		return nil, false
	}

	gid := currentGoroutineID()

	r.mu.Lock()
	if r.owner == gid && r.depth > 0 {
		r.depth++
		r.mu.Unlock()
		return &Token{r: r, reentrant: true}, true
	}
	r.mu.Unlock()

	select {
	case <-r.sem:
	default:
		return nil, false
	}

	r.mu.Lock()
	r.owner = gid
	r.depth = 1
	r.mu.Unlock()

	return &Token{r: r}, true
}

// Close marks the Runtime unusable for future Lock calls. It does not wait
// for in-flight Tokens to close; callers are responsible for sequencing
// that externally (e.g. via a parent context cancellation).
func (r *Runtime) Close() {
	r.closed.Store(true)
}

// currentGoroutineID extracts the calling goroutine's id by parsing the
// header line of a minimal runtime.Stack capture. This is the same
// technique Go's runtime/pprof and numerous re-entrant-lock
// implementations use when no cheaper API is exposed; it is intentionally
// not imported from a third-party goroutine-id package since none in this
// module's dependency graph ships a maintained implementation of it.
func currentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineID(buf[:n])
}

func parseGoroutineID(b []byte) int64 {
	// Expected prefix: "goroutine 123 [running]:"
	const prefix = "goroutine "
	if len(b) < len(prefix) || string(b[:len(prefix)]) != prefix {
		return -1
	}
	b = b[len(prefix):]
	var id int64
	i := 0
	for ; i < len(b) && b[i] >= '0' && b[i] <= '9'; i++ {
		id = id*10 + int64(b[i]-'0')
	}
	if i == 0 {
		return -1
	}
	return id
}
