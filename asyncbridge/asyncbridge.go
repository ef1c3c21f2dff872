// Package asyncbridge adapts the foreign runtime's single-threaded
// cooperative coroutines (JS Promises) onto Go futures, per spec §4.6. It
// is built directly on top of go-eventloop's Loop/Promisify and
// goja-eventloop's Adapter, the same pairing the teacher uses to give a
// goja.Runtime a browser-like event loop.
package asyncbridge

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	goeventloop "github.com/joeycumines/go-eventloop"
	gojaeventloop "github.com/joeycumines/goja-eventloop"

	"github.com/joeycumines/promptbridge/bridgeerr"
	"github.com/joeycumines/promptbridge/runtimelock"
)

// Bridge owns the event loop driving a Runtime's async machinery:
// setTimeout, queueMicrotask, and the native Promise implementation the
// foreign runtime's coroutine-returning calls rely on.
type Bridge struct {
	rt      *runtimelock.Runtime
	loop    *goeventloop.Loop
	adapter *gojaeventloop.Adapter
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Bridge over rt, binds a goja-eventloop Adapter to rt's
// runtime, and starts the loop on a dedicated goroutine. Close must be
// called to stop that goroutine.
func New(ctx context.Context, rt *runtimelock.Runtime) (*Bridge, error) {
	loop, err := goeventloop.New()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInternal, "asyncbridge: constructing event loop", err)
	}

	tok, err := rt.Lock(ctx)
	if err != nil {
		return nil, err
	}
	adapter, err := gojaeventloop.New(loop, tok.VM())
	if err != nil {
		tok.Close()
		return nil, bridgeerr.Wrap(bridgeerr.KindInternal, "asyncbridge: constructing adapter", err)
	}
	if err := adapter.Bind(); err != nil {
		tok.Close()
		return nil, bridgeerr.Wrap(bridgeerr.KindInternal, "asyncbridge: binding adapter", err)
	}
	tok.Close()

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &Bridge{rt: rt, loop: loop, adapter: adapter, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(b.done)
		_ = loop.Run(loopCtx)
	}()

	return b, nil
}

// Close stops the event loop goroutine and waits for it to exit.
func (b *Bridge) Close() {
	b.cancel()
	<-b.done
}

// Future is a Go-side handle to an asynchronous result originating from
// the foreign runtime (or from Go code run via Go, below).
type Future[O any] struct {
	ch     <-chan goeventloop.Result
	decode func(goeventloop.Result) (O, error)
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[O]) Wait(ctx context.Context) (O, error) {
	var zero O
	select {
	case r := <-f.ch:
		return f.decode(r)
	case <-ctx.Done():
		return zero, bridgeerr.Wrap(bridgeerr.KindCancelled, "asyncbridge: Wait cancelled", ctx.Err())
	}
}

// Go runs fn on a new goroutine via the underlying Loop.Promisify, and
// returns a Future observing its result. fn must acquire its own
// runtimelock.Token for any section that touches the runtime; Go itself
// never holds the lock across the call, satisfying the "never hold the
// lock across a suspension point" invariant (spec §4.3).
func Go[O any](b *Bridge, ctx context.Context, fn func(ctx context.Context) (O, error)) *Future[O] {
	p := b.loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	return &Future[O]{
		ch: p.ToChannel(),
		decode: func(r goeventloop.Result) (O, error) {
			var zero O
			if p.State() == goeventloop.Rejected {
				if err, ok := r.(error); ok {
					return zero, err
				}
				return zero, bridgeerr.New(bridgeerr.KindInternal, fmt.Sprintf("asyncbridge: non-error rejection reason: %v", r))
			}
			v, ok := r.(O)
			if !ok {
				return zero, bridgeerr.New(bridgeerr.KindInternal, "asyncbridge: unexpected result type")
			}
			return v, nil
		},
	}
}

// AwaitForeignPromise attaches to a value returned by a predictor call that
// is (or might be) a thenable, and resolves a Future[goja.Value] with its
// eventual fulfillment value or rejection reason. tok must be held for the
// duration of this call (calling .then with fulfillment and rejection
// callbacks touches the runtime); the caller is expected to release tok
// immediately afterward. Because foreignrt's thenable settles
// synchronously, the .then callback
// itself may run inline, before this call returns, while tok is still
// held - callers must not assume settlement is deferred onto a later
// event loop turn.
func (b *Bridge) AwaitForeignPromise(tok *runtimelock.Token, v goja.Value) (*Future[goja.Value], error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		// Not an object at all, so definitely not a thenable: settle
		// immediately with v as the fulfillment value.
		ch := make(chan goeventloop.Result, 1)
		ch <- v
		close(ch)
		return &Future[goja.Value]{ch: ch, decode: identityDecode}, nil
	}

	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		ch := make(chan goeventloop.Result, 1)
		ch <- v
		close(ch)
		return &Future[goja.Value]{ch: ch, decode: identityDecode}, nil
	}

	out := make(chan goeventloop.Result, 1)
	settled := false

	onFulfilled := tok.VM().ToValue(func(call goja.FunctionCall) goja.Value {
		if !settled {
			settled = true
			var val goja.Value = goja.Undefined()
			if len(call.Arguments) > 0 {
				val = call.Arguments[0]
			}
			out <- val
			close(out)
		}
		return goja.Undefined()
	})
	onRejected := tok.VM().ToValue(func(call goja.FunctionCall) goja.Value {
		if !settled {
			settled = true
			out <- bridgeerr.FromForeignException(tok.VM(), firstArgOrUndefined(call))
			close(out)
		}
		return goja.Undefined()
	})

	if _, err := then(obj, onFulfilled, onRejected); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindForeignException, "asyncbridge: calling .then failed", err)
	}

	return &Future[goja.Value]{
		ch: out,
		decode: func(r goeventloop.Result) (goja.Value, error) {
			if err, ok := r.(error); ok {
				return nil, err
			}
			return r.(goja.Value), nil
		},
	}, nil
}

func firstArgOrUndefined(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) > 0 {
		return call.Arguments[0]
	}
	return goja.Undefined()
}

func identityDecode(r goeventloop.Result) (goja.Value, error) {
	return r.(goja.Value), nil
}
