package predictor

import (
	"context"

	"github.com/dop251/goja"

	"github.com/joeycumines/promptbridge/asyncbridge"
	"github.com/joeycumines/promptbridge/bridgeerr"
)

// Future is the result of a PredictAsync call: a Go-side handle to a
// prediction still running on the foreign runtime's event loop. Unlike
// asyncbridge.Future[goja.Value], which it wraps, Future[O] decodes the
// settled value into O lazily in Wait, since decoding itself requires
// reacquiring the runtime lock.
type Future[O any] struct {
	inner  *asyncbridge.Future[goja.Value]
	decode func(ctx context.Context, v goja.Value) (O, error)
	// onSettled, if set, runs exactly once when Wait's underlying await
	// completes (success, failure, or cancellation) - it releases the
	// async_concurrency admission permit acquired by PredictAsync.
	onSettled func()
	// onCancelled, if set, runs when the underlying wait is classified as
	// bridgeerr.KindCancelled, to emit EventCoroutineCancelled.
	onCancelled func()
}

// Wait blocks until the prediction settles or ctx is done, decoding the
// foreign result into O on success.
func (f *Future[O]) Wait(ctx context.Context) (O, error) {
	var zero O
	v, err := f.inner.Wait(ctx)
	if f.onSettled != nil {
		f.onSettled()
	}
	if err != nil {
		if f.onCancelled != nil && bridgeerr.KindOf(err) == bridgeerr.KindCancelled {
			f.onCancelled()
		}
		return zero, err
	}
	return f.decode(ctx, v)
}
