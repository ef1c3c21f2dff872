package predictor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dop251/goja"
	gojarequire "github.com/dop251/goja_nodejs/require"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/promptbridge/asyncbridge"
	"github.com/joeycumines/promptbridge/bridgeconfig"
	"github.com/joeycumines/promptbridge/observability"
	"github.com/joeycumines/promptbridge/promptcache"
	"github.com/joeycumines/promptbridge/retrypolicy"
	"github.com/joeycumines/promptbridge/runtimelock"
)

type recorderSink func(observability.Event)

func (r recorderSink) Emit(e observability.Event) { r(e) }

func newTestCache(t *testing.T) (*promptcache.Cache, error) {
	t.Helper()
	return promptcache.New(256, time.Minute, nil)
}

// newFrameworkLoader builds a fake "framework" native module exposing a
// single Predict factory whose call/acall methods delegate to handler. It
// mirrors the shape a real foreignrt module exposes (spec §4.11) without
// depending on it, the same way goja-grpc's tests stub out a module loader
// around Require's real registration path.
func newFrameworkLoader(handler func(in map[string]any) (map[string]any, error)) gojarequire.ModuleLoader {
	return func(rt *goja.Runtime, module *goja.Object) {
		exports, _ := module.Get("exports").(*goja.Object)

		predict := rt.ToValue(func(goja.FunctionCall) goja.Value {
			instance := rt.NewObject()

			call := func(fc goja.FunctionCall) goja.Value {
				kwargs, _ := fc.Argument(0).Export().(map[string]interface{})
				out, err := handler(kwargs)
				if err != nil {
					panic(rt.NewGoError(err))
				}
				obj := rt.NewObject()
				for k, v := range out {
					_ = obj.Set(k, v)
				}
				return obj
			}
			_ = instance.Set("call", rt.ToValue(call))

			acall := func(fc goja.FunctionCall) goja.Value {
				kwargs, _ := fc.Argument(0).Export().(map[string]interface{})
				thenable := rt.NewObject()
				then := func(tc goja.FunctionCall) goja.Value {
					onFulfilled, _ := goja.AssertFunction(tc.Argument(0))
					onRejected, _ := goja.AssertFunction(tc.Argument(1))
					out, err := handler(kwargs)
					if err != nil {
						if onRejected != nil {
							_, _ = onRejected(goja.Undefined(), rt.NewGoError(err))
						}
						return goja.Undefined()
					}
					obj := rt.NewObject()
					for k, v := range out {
						_ = obj.Set(k, v)
					}
					if onFulfilled != nil {
						_, _ = onFulfilled(goja.Undefined(), obj)
					}
					return goja.Undefined()
				}
				_ = thenable.Set("then", rt.ToValue(then))
				return thenable
			}
			_ = instance.Set("acall", rt.ToValue(acall))

			return instance
		})
		_ = exports.Set("Predict", predict)
	}
}

type qaIn struct {
	Question string `promptbridge:"question"`
}

type qaOut struct {
	Answer string `promptbridge:"answer"`
}

func testConfig() bridgeconfig.Config {
	cfg := bridgeconfig.Default()
	cfg.Provider = "openai"
	cfg.Model = "gpt-test"
	return cfg
}

func TestNew_RejectsSignatureFieldMismatch(t *testing.T) {
	rt := runtimelock.New(runtimelock.WithNativeModule("framework", newFrameworkLoader(nil)))
	_, err := New[qaIn, qaOut](context.Background(), "missing_field -> answer",
		WithRuntime[qaIn, qaOut](rt),
		WithConfig[qaIn, qaOut](testConfig()),
	)
	require.Error(t, err)
}

func TestPredict_HappyPath(t *testing.T) {
	loader := newFrameworkLoader(func(in map[string]any) (map[string]any, error) {
		return map[string]any{"answer": "echo: " + in["question"].(string)}, nil
	})
	rt := runtimelock.New(runtimelock.WithNativeModule("framework", loader))

	p, err := New[qaIn, qaOut](context.Background(), "question -> answer",
		WithRuntime[qaIn, qaOut](rt),
		WithConfig[qaIn, qaOut](testConfig()),
		WithSink[qaIn, qaOut](observability.NopSink{}),
	)
	require.NoError(t, err)

	out, err := p.Predict(context.Background(), qaIn{Question: "hello"})
	require.NoError(t, err)
	require.Equal(t, "echo: hello", out.Answer)
}

func TestPredict_CachesRepeatedCalls(t *testing.T) {
	var calls atomic.Int64
	loader := newFrameworkLoader(func(in map[string]any) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"answer": "echo: " + in["question"].(string)}, nil
	})
	rt := runtimelock.New(runtimelock.WithNativeModule("framework", loader))
	cache, err := newTestCache(t)
	require.NoError(t, err)

	p, err := New[qaIn, qaOut](context.Background(), "question -> answer",
		WithRuntime[qaIn, qaOut](rt),
		WithConfig[qaIn, qaOut](testConfig()),
		WithCache[qaIn, qaOut](cache),
	)
	require.NoError(t, err)

	_, err = p.Predict(context.Background(), qaIn{Question: "repeat"})
	require.NoError(t, err)
	_, err = p.Predict(context.Background(), qaIn{Question: "repeat"})
	require.NoError(t, err)

	require.EqualValues(t, 1, calls.Load(), "identical input must be served from cache on the second call")
}

func TestPredict_RetriesTransportErrorThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	loader := newFrameworkLoader(func(in map[string]any) (map[string]any, error) {
		n := calls.Add(1)
		if n == 1 {
			return nil, errConnectionReset{}
		}
		return map[string]any{"answer": "ok"}, nil
	})
	rt := runtimelock.New(runtimelock.WithNativeModule("framework", loader))

	policy := retrypolicy.DefaultPolicy()
	policy.BaseBackoff = time.Millisecond
	policy.MaxBackoff = 5 * time.Millisecond

	p, err := New[qaIn, qaOut](context.Background(), "question -> answer",
		WithRuntime[qaIn, qaOut](rt),
		WithConfig[qaIn, qaOut](testConfig()),
		WithRetryPolicy[qaIn, qaOut](policy),
	)
	require.NoError(t, err)

	out, err := p.Predict(context.Background(), qaIn{Question: "flaky"})
	require.NoError(t, err)
	require.Equal(t, "ok", out.Answer)
	require.EqualValues(t, 2, calls.Load())
}

func TestPredictAsync_ResolvesThroughForeignThenable(t *testing.T) {
	loader := newFrameworkLoader(func(in map[string]any) (map[string]any, error) {
		return map[string]any{"answer": "async: " + in["question"].(string)}, nil
	})
	rt := runtimelock.New(runtimelock.WithNativeModule("framework", loader))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge, err := asyncbridge.New(ctx, rt)
	require.NoError(t, err)
	defer bridge.Close()

	p, err := New[qaIn, qaOut](context.Background(), "question -> answer",
		WithRuntime[qaIn, qaOut](rt),
		WithConfig[qaIn, qaOut](testConfig()),
		WithAsyncBridge[qaIn, qaOut](bridge),
	)
	require.NoError(t, err)

	fut, err := p.PredictAsync(context.Background(), qaIn{Question: "ping"})
	require.NoError(t, err)

	out, err := fut.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "async: ping", out.Answer)
}

func TestPredictAsync_EmitsForeignLockAndAdmissionEvents(t *testing.T) {
	loader := newFrameworkLoader(func(in map[string]any) (map[string]any, error) {
		return map[string]any{"answer": "async: " + in["question"].(string)}, nil
	})
	rt := runtimelock.New(runtimelock.WithNativeModule("framework", loader))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge, err := asyncbridge.New(ctx, rt)
	require.NoError(t, err)
	defer bridge.Close()

	var mu sync.Mutex
	var kinds []observability.EventKind
	sink := recorderSink(func(e observability.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
	})

	cfg := testConfig()
	cfg.AsyncConcurrency = 1

	p, err := New[qaIn, qaOut](context.Background(), "question -> answer",
		WithRuntime[qaIn, qaOut](rt),
		WithConfig[qaIn, qaOut](cfg),
		WithAsyncBridge[qaIn, qaOut](bridge),
		WithSink[qaIn, qaOut](sink),
	)
	require.NoError(t, err)

	fut, err := p.PredictAsync(context.Background(), qaIn{Question: "ping"})
	require.NoError(t, err)
	out, err := fut.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "async: ping", out.Answer)

	mu.Lock()
	require.Contains(t, kinds, observability.EventForeignLockAcquired)
	require.Contains(t, kinds, observability.EventForeignLockReleased)
	mu.Unlock()

	// With AsyncConcurrency == 1, a second call is only admitted once the
	// first future's Wait has run (and released the permit); it must not
	// block forever waiting on a permit that's already free.
	fut2, err := p.PredictAsync(context.Background(), qaIn{Question: "pong"})
	require.NoError(t, err)
	out2, err := fut2.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "async: pong", out2.Answer)
}

func TestPredictAsync_AdmissionBlocksUntilPriorFutureSettles(t *testing.T) {
	loader := newFrameworkLoader(func(in map[string]any) (map[string]any, error) {
		return map[string]any{"answer": "ok"}, nil
	})
	rt := runtimelock.New(runtimelock.WithNativeModule("framework", loader))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge, err := asyncbridge.New(ctx, rt)
	require.NoError(t, err)
	defer bridge.Close()

	cfg := testConfig()
	cfg.AsyncConcurrency = 1

	p, err := New[qaIn, qaOut](context.Background(), "question -> answer",
		WithRuntime[qaIn, qaOut](rt),
		WithConfig[qaIn, qaOut](cfg),
		WithAsyncBridge[qaIn, qaOut](bridge),
	)
	require.NoError(t, err)

	fut, err := p.PredictAsync(context.Background(), qaIn{Question: "first"})
	require.NoError(t, err)

	// The permit is still held (fut.Wait hasn't run), so a second dispatch
	// must not be admitted before its context is done.
	blockedCtx, blockedCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer blockedCancel()
	_, err = p.PredictAsync(blockedCtx, qaIn{Question: "second"})
	require.Error(t, err, "async_concurrency=1 must refuse a second admission while the first is outstanding")

	_, err = fut.Wait(context.Background())
	require.NoError(t, err)

	_, err = p.PredictAsync(context.Background(), qaIn{Question: "third"})
	require.NoError(t, err, "permit released by the first future's Wait must admit a subsequent call")
}

// errConnectionReset implements error with a message classify.go's pattern
// table matches to KindTransport (retryable).
type errConnectionReset struct{}

func (errConnectionReset) Error() string { return "connection reset by peer" }
