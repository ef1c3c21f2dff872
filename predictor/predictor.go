// Package predictor implements the generic, type-erasing bridge predictor
// described in spec §4.5: Predictor[I, O] exposes a narrow Predict/
// PredictAsync surface while everything about the foreign runtime's
// dynamic-dispatch protocol stays behind it.
package predictor

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/promptbridge/asyncbridge"
	"github.com/joeycumines/promptbridge/bridgeconfig"
	"github.com/joeycumines/promptbridge/bridgeerr"
	"github.com/joeycumines/promptbridge/fingerprint"
	"github.com/joeycumines/promptbridge/observability"
	"github.com/joeycumines/promptbridge/promptcache"
	"github.com/joeycumines/promptbridge/retrypolicy"
	"github.com/joeycumines/promptbridge/runtimelock"
	"github.com/joeycumines/promptbridge/typebridge"
)

// atomicOnce lets PredictAsync's several error-exit paths and its Future's
// eventual settlement all attempt to release the async-concurrency
// semaphore without double-releasing it.
type atomicOnce struct{ done atomic.Bool }

func (o *atomicOnce) do() bool { return o.done.CompareAndSwap(false, true) }

// DefaultClass is the framework submodule instantiated when no WithClass
// option is given (spec §4.11: "Predict" is the base synchronous form).
const DefaultClass = "Predict"

// Predictor is a type-safe, signature-bound handle to one foreign
// predictor object. I is the input struct type, O the output struct type;
// their exported fields (by `promptbridge` tag or snake_case name) must
// cover every field the signature declares.
type Predictor[I, O any] struct {
	sig    signature
	class  string
	cfg    bridgeconfig.Config
	policy retrypolicy.Policy

	rt     *runtimelock.Runtime
	bridge *asyncbridge.Bridge
	cache  *promptcache.Cache
	sink   observability.Sink

	// asyncSem bounds the number of concurrently dispatched-but-unsettled
	// PredictAsync calls to cfg.AsyncConcurrency (spec §4.9/§5); nil when
	// AsyncConcurrency is zero (unbounded).
	asyncSem *semaphore.Weighted

	handle *runtimelock.ForeignHandle
}

// Option configures a Predictor under construction.
type Option[I, O any] func(*predictorOptions[I, O])

type predictorOptions[I, O any] struct {
	class  string
	cfg    *bridgeconfig.Config
	policy *retrypolicy.Policy
	rt     *runtimelock.Runtime
	bridge *asyncbridge.Bridge
	cache  *promptcache.Cache
	sink   observability.Sink
}

// WithClass selects which framework submodule constructor to instantiate:
// "Predict", "ChainOfThought", "ProgramOfThought", or "ReAct".
func WithClass[I, O any](class string) Option[I, O] {
	return func(o *predictorOptions[I, O]) { o.class = class }
}

// WithConfig supplies the provider/retry/cache configuration.
func WithConfig[I, O any](cfg bridgeconfig.Config) Option[I, O] {
	return func(o *predictorOptions[I, O]) { o.cfg = &cfg }
}

// WithRetryPolicy overrides the retry policy derived from Config.
func WithRetryPolicy[I, O any](p retrypolicy.Policy) Option[I, O] {
	return func(o *predictorOptions[I, O]) { o.policy = &p }
}

// WithRuntime supplies the runtimelock.Runtime the predictor is bound to.
// Required.
func WithRuntime[I, O any](rt *runtimelock.Runtime) Option[I, O] {
	return func(o *predictorOptions[I, O]) { o.rt = rt }
}

// WithAsyncBridge supplies the asyncbridge.Bridge used by PredictAsync.
func WithAsyncBridge[I, O any](b *asyncbridge.Bridge) Option[I, O] {
	return func(o *predictorOptions[I, O]) { o.bridge = b }
}

// WithCache supplies the result cache. Without one, every Predict call
// invokes the foreign runtime.
func WithCache[I, O any](c *promptcache.Cache) Option[I, O] {
	return func(o *predictorOptions[I, O]) { o.cache = c }
}

// WithSink supplies the observability sink. Defaults to a no-op.
func WithSink[I, O any](s observability.Sink) Option[I, O] {
	return func(o *predictorOptions[I, O]) { o.sink = s }
}

// New parses sig, validates it against I and O's field sets, resolves
// dependencies from opts, imports the "framework" module under the
// runtime's lock, and instantiates the chosen class.
func New[I, O any](ctx context.Context, sig string, opts ...Option[I, O]) (*Predictor[I, O], error) {
	parsed, err := parseSignature(sig)
	if err != nil {
		return nil, err
	}

	var in I
	var out O
	if err := validateAgainst(reflect.TypeOf(in), parsed.inputs); err != nil {
		return nil, fmt.Errorf("input type: %w", err)
	}
	if err := validateAgainst(reflect.TypeOf(out), parsed.outputs); err != nil {
		return nil, fmt.Errorf("output type: %w", err)
	}

	o := &predictorOptions[I, O]{class: DefaultClass, sink: observability.NopSink{}}
	for _, opt := range opts {
		opt(o)
	}

	if o.rt == nil {
		return nil, bridgeerr.New(bridgeerr.KindConfiguration, "predictor: WithRuntime is required")
	}

	cfg := bridgeconfig.Default()
	if o.cfg != nil {
		cfg = *o.cfg
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy := retrypolicy.DefaultPolicy()
	if o.policy != nil {
		policy = *o.policy
	} else {
		policy.MaxRetries = cfg.MaxRetries
		policy.BaseBackoff = cfg.BaseBackoff
		policy.MaxBackoff = cfg.MaxBackoff
		policy.JitterRatio = cfg.JitterRatio
		policy.RequestTimeout = cfg.RequestTimeout
	}

	p := &Predictor[I, O]{
		sig:    parsed,
		class:  o.class,
		cfg:    cfg,
		policy: policy,
		rt:     o.rt,
		bridge: o.bridge,
		cache:  o.cache,
		sink:   o.sink,
	}
	if cfg.AsyncConcurrency > 0 {
		p.asyncSem = semaphore.NewWeighted(int64(cfg.AsyncConcurrency))
	}
	if p.cache != nil {
		p.cache.SetSink(p.sink)
	}

	tok, err := o.rt.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer tok.Close()

	framework, err := tok.Require("framework")
	if err != nil {
		return nil, err
	}

	// framework's class exports are plain factory functions rather than JS
	// classes invoked with `new`: framework.Predict(signature, config)
	// returns an object already carrying its own "call"/"acall" methods.
	// This keeps instantiation on the same goja.AssertFunction calling
	// convention used everywhere else in this codebase (asyncbridge's
	// .then/.catch attachment), rather than goja's separate new-expression
	// machinery.
	factory, ok := goja.AssertFunction(framework.Get(o.class))
	if !ok {
		return nil, bridgeerr.New(bridgeerr.KindConfiguration, fmt.Sprintf("predictor: framework module has no factory %q", o.class))
	}

	enc := typebridge.NewEncoder(tok.VM())
	cfgObj, err := enc.Encode(foreignConfig{
		Provider:    cfg.Provider,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	instanceVal, err := factory(goja.Undefined(), tok.VM().ToValue(sig), cfgObj)
	if err != nil {
		return nil, bridgeerr.FromForeignException(tok.VM(), exceptionValue(err))
	}
	instance, ok := instanceVal.(*goja.Object)
	if !ok {
		return nil, bridgeerr.New(bridgeerr.KindForeignException, fmt.Sprintf("predictor: framework.%s did not return an object", o.class))
	}

	p.handle = runtimelock.NewHandle(tok, instance)
	return p, nil
}

type foreignConfig struct {
	Provider    string  `foreign:"provider"`
	Model       string  `foreign:"model"`
	Temperature float32 `foreign:"temperature"`
	MaxTokens   uint32  `foreign:"max_tokens"`
}

// exceptionValue extracts the thrown value from a goja call error, falling
// back to nil when it isn't a *goja.Exception (e.g. an interrupt).
func exceptionValue(err error) goja.Value {
	if exc, ok := err.(*goja.Exception); ok {
		return exc.Value()
	}
	return nil
}

// Predict computes in's fingerprint, serves from cache when possible, and
// otherwise invokes the foreign predictor under the runtime lock, subject
// to the retry policy.
func (p *Predictor[I, O]) Predict(ctx context.Context, in I) (O, error) {
	var zero O

	fp, err := fingerprint.Of(in, p.cfg.Fingerprint(p.sig.raw))
	if err != nil {
		return zero, err
	}

	p.sink.Emit(observability.Event{Kind: observability.EventPredictStart, Signature: p.sig.raw, Fingerprint: fp})
	start := time.Now()

	compute := func(ctx context.Context) (any, error) {
		return p.invoke(ctx, in, fp)
	}

	var result any
	if p.cache != nil {
		result, err = p.cache.GetOrCompute(ctx, fp, compute)
	} else {
		result, err = compute(ctx)
	}

	duration := time.Since(start)
	if err != nil {
		p.sink.Emit(observability.Event{Kind: observability.EventPredictFailure, Signature: p.sig.raw, Fingerprint: fp, Duration: duration, Err: err})
		return zero, err
	}

	p.sink.Emit(observability.Event{Kind: observability.EventPredictSuccess, Signature: p.sig.raw, Fingerprint: fp, Duration: duration})

	out, ok := result.(O)
	if !ok {
		return zero, bridgeerr.New(bridgeerr.KindInternal, "predictor: cached value has unexpected type")
	}
	return out, nil
}

// invoke runs the retry-policy-governed foreign call for one fingerprint,
// acquiring a fresh runtimelock.Token for every attempt so the lock is
// never held across a retry's backoff sleep.
func (p *Predictor[I, O]) invoke(ctx context.Context, in I, fp fingerprint.Digest) (O, error) {
	var zero O

	policy := p.policy
	policy.OnFallback = func(lastErr error) {
		p.sink.Emit(observability.Event{Kind: observability.EventFallback, Signature: p.sig.raw, Fingerprint: fp, Err: lastErr})
	}

	result, err := policy.Run(ctx, func(ctx context.Context, attempt int) (any, error) {
		p.sink.Emit(observability.Event{Kind: observability.EventPredictAttempt, Signature: p.sig.raw, Fingerprint: fp, Attempt: attempt})
		if attempt > 1 {
			p.sink.Emit(observability.Event{Kind: observability.EventRetry, Signature: p.sig.raw, Fingerprint: fp, Attempt: attempt})
		}

		tok, err := p.rt.Lock(ctx)
		if err != nil {
			return nil, err
		}
		p.sink.Emit(observability.Event{Kind: observability.EventForeignLockAcquired, Signature: p.sig.raw, Fingerprint: fp, Attempt: attempt})
		defer func() {
			tok.Close()
			p.sink.Emit(observability.Event{Kind: observability.EventForeignLockReleased, Signature: p.sig.raw, Fingerprint: fp, Attempt: attempt})
		}()

		return p.call(tok, in)
	})
	if err != nil {
		return zero, err
	}

	out, ok := result.(O)
	if !ok {
		return zero, bridgeerr.New(bridgeerr.KindInternal, "predictor: foreign call returned unexpected type")
	}
	return out, nil
}

func (p *Predictor[I, O]) call(tok *runtimelock.Token, in I) (O, error) {
	var zero O

	enc := typebridge.NewEncoder(tok.VM())
	fields, err := extractFields(in, p.sig.inputs)
	if err != nil {
		return zero, err
	}
	kwargs, err := enc.EncodeFields(fields)
	if err != nil {
		return zero, err
	}

	instance := p.handle.Value(tok).(*goja.Object)
	callFn, ok := goja.AssertFunction(instance.Get("call"))
	if !ok {
		return zero, bridgeerr.New(bridgeerr.KindConfiguration, "predictor: foreign object has no callable \"call\" method")
	}

	result, err := callFn(instance, kwargs)
	if err != nil {
		return zero, bridgeerr.FromForeignException(tok.VM(), exceptionValue(err))
	}

	dec := typebridge.NewDecoder(tok.VM())
	out, err := decodeOutput[O](dec, result, p.sig.outputs)
	if err != nil {
		return zero, err
	}
	return out, nil
}

// PredictAsync dispatches through the async adapter, calling the foreign
// object's "acall" method and awaiting its returned thenable rather than
// blocking the calling goroutine on the foreign call. Unlike Predict, it
// makes a single attempt: it does not consult the cache, does not apply the
// retry policy, and emits no predict start/success/failure events.
// Admission is bounded by Config.AsyncConcurrency, a semaphore gating how
// many dispatched-but-unsettled coroutines may be outstanding at once
// (spec §4.9/§5).
func (p *Predictor[I, O]) PredictAsync(ctx context.Context, in I) (*Future[O], error) {
	if p.bridge == nil {
		return nil, bridgeerr.New(bridgeerr.KindConfiguration, "predictor: PredictAsync requires WithAsyncBridge")
	}

	fp, err := fingerprint.Of(in, p.cfg.Fingerprint(p.sig.raw))
	if err != nil {
		return nil, err
	}

	if p.asyncSem != nil {
		if err := p.asyncSem.Acquire(ctx, 1); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindCancelled, "predictor: async_concurrency admission cancelled", err)
		}
	}
	var released atomicOnce
	release := func() {
		if p.asyncSem != nil && released.do() {
			p.asyncSem.Release(1)
		}
	}

	tok, err := p.rt.Lock(ctx)
	if err != nil {
		release()
		return nil, err
	}
	p.sink.Emit(observability.Event{Kind: observability.EventForeignLockAcquired, Signature: p.sig.raw, Fingerprint: fp})

	enc := typebridge.NewEncoder(tok.VM())
	fields, err := extractFields(in, p.sig.inputs)
	if err != nil {
		tok.Close()
		p.sink.Emit(observability.Event{Kind: observability.EventForeignLockReleased, Signature: p.sig.raw, Fingerprint: fp})
		release()
		return nil, err
	}
	kwargs, err := enc.EncodeFields(fields)
	if err != nil {
		tok.Close()
		p.sink.Emit(observability.Event{Kind: observability.EventForeignLockReleased, Signature: p.sig.raw, Fingerprint: fp})
		release()
		return nil, err
	}

	instance := p.handle.Value(tok).(*goja.Object)
	acallFn, ok := goja.AssertFunction(instance.Get("acall"))
	if !ok {
		tok.Close()
		p.sink.Emit(observability.Event{Kind: observability.EventForeignLockReleased, Signature: p.sig.raw, Fingerprint: fp})
		release()
		return nil, bridgeerr.New(bridgeerr.KindConfiguration, "predictor: foreign object has no callable \"acall\" method")
	}

	promiseVal, err := acallFn(instance, kwargs)
	if err != nil {
		tok.Close()
		p.sink.Emit(observability.Event{Kind: observability.EventForeignLockReleased, Signature: p.sig.raw, Fingerprint: fp})
		release()
		return nil, bridgeerr.FromForeignException(tok.VM(), exceptionValue(err))
	}

	inner, err := p.bridge.AwaitForeignPromise(tok, promiseVal)
	tok.Close()
	p.sink.Emit(observability.Event{Kind: observability.EventForeignLockReleased, Signature: p.sig.raw, Fingerprint: fp})
	if err != nil {
		release()
		return nil, err
	}

	return &Future[O]{
		inner: inner,
		decode: func(ctx context.Context, v goja.Value) (O, error) {
			var zero O
			tok, err := p.rt.Lock(ctx)
			if err != nil {
				return zero, err
			}
			defer tok.Close()
			dec := typebridge.NewDecoder(tok.VM())
			return decodeOutput[O](dec, v, p.sig.outputs)
		},
		onSettled: release,
		onCancelled: func() {
			p.sink.Emit(observability.Event{Kind: observability.EventCoroutineCancelled, Signature: p.sig.raw, Fingerprint: fp})
		},
	}, nil
}
