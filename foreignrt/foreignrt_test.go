package foreignrt

import (
	"context"
	"testing"

	"github.com/dop251/goja"
	gojarequire "github.com/dop251/goja_nodejs/require"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, handler Handler) (*goja.Runtime, *goja.Object) {
	t.Helper()
	rt := goja.New()
	registry := gojarequire.NewRegistry()
	registry.RegisterNativeModule("framework", New(handler).Loader())
	registry.Enable(rt)
	mod := registry.Require(rt, "framework")
	return rt, mod
}

func TestModule_SettingsConfigureViaModule(t *testing.T) {
	m := New(nil)
	rt := goja.New()
	registry := gojarequire.NewRegistry()
	registry.RegisterNativeModule("framework", m.Loader())
	registry.Enable(rt)
	mod := registry.Require(rt, "framework")

	openAI, ok := goja.AssertFunction(mod.Get("OpenAI"))
	require.True(t, ok)
	lm, err := openAI(goja.Undefined(), rt.ToValue("gpt-test"), rt.ToValue(map[string]interface{}{"apiKey": "sk-test"}))
	require.NoError(t, err)

	settingsObj := mod.Get("settings").(*goja.Object)
	configure, _ := goja.AssertFunction(settingsObj.Get("configure"))
	_, err = configure(goja.Undefined(), lm)
	require.NoError(t, err)

	got := m.CurrentSettings()
	require.Equal(t, "openai", got.Provider)
	require.Equal(t, "gpt-test", got.Model)
	require.Equal(t, "sk-test", got.APIKey)
}

func TestModule_CallDelegatesToHandler(t *testing.T) {
	handler := func(ctx context.Context, class string, inputs map[string]any) (map[string]any, error) {
		require.Equal(t, "Predict", class)
		return map[string]any{"answer": "echo: " + inputs["question"].(string)}, nil
	}
	rt, mod := newTestRuntime(t, handler)

	predictFactory, ok := goja.AssertFunction(mod.Get("Predict"))
	require.True(t, ok)
	instanceVal, err := predictFactory(goja.Undefined(), rt.ToValue("question -> answer"), rt.ToValue(map[string]interface{}{}))
	require.NoError(t, err)
	instance := instanceVal.(*goja.Object)

	callFn, ok := goja.AssertFunction(instance.Get("call"))
	require.True(t, ok)
	kwargs := rt.NewObject()
	_ = kwargs.Set("question", "hi")
	result, err := callFn(instance, kwargs)
	require.NoError(t, err)

	answer := result.(*goja.Object).Get("answer").String()
	require.Equal(t, "echo: hi", answer)
}

func TestModule_CallRaisesForeignErrorWithClassifiableShape(t *testing.T) {
	handler := func(ctx context.Context, class string, inputs map[string]any) (map[string]any, error) {
		return nil, &ForeignError{Name: "AssertionError", Message: "output did not satisfy constraint"}
	}
	rt, mod := newTestRuntime(t, handler)

	predictFactory, _ := goja.AssertFunction(mod.Get("Predict"))
	instanceVal, err := predictFactory(goja.Undefined(), rt.ToValue("question -> answer"), rt.ToValue(map[string]interface{}{}))
	require.NoError(t, err)
	instance := instanceVal.(*goja.Object)

	callFn, _ := goja.AssertFunction(instance.Get("call"))
	_, err = callFn(instance, rt.NewObject())
	require.Error(t, err)

	exc, ok := err.(*goja.Exception)
	require.True(t, ok)
	obj := exc.Value().(*goja.Object)
	require.Equal(t, "AssertionError", obj.Get("name").String())
	require.Equal(t, "output did not satisfy constraint", obj.Get("message").String())
}

func TestModule_AcallResolvesThroughThenable(t *testing.T) {
	handler := func(ctx context.Context, class string, inputs map[string]any) (map[string]any, error) {
		return map[string]any{"answer": "async-ok"}, nil
	}
	rt, mod := newTestRuntime(t, handler)

	predictFactory, _ := goja.AssertFunction(mod.Get("Predict"))
	instanceVal, err := predictFactory(goja.Undefined(), rt.ToValue("question -> answer"), rt.ToValue(map[string]interface{}{}))
	require.NoError(t, err)
	instance := instanceVal.(*goja.Object)

	acallFn, _ := goja.AssertFunction(instance.Get("acall"))
	promiseVal, err := acallFn(instance, rt.NewObject())
	require.NoError(t, err)
	promise := promiseVal.(*goja.Object)

	thenFn, ok := goja.AssertFunction(promise.Get("then"))
	require.True(t, ok)

	var resolved goja.Value
	onFulfilled := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		resolved = call.Argument(0)
		return goja.Undefined()
	})
	onRejected := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		t.Fatal("unexpected rejection")
		return goja.Undefined()
	})
	_, err = thenFn(promise, onFulfilled, onRejected)
	require.NoError(t, err)

	require.NotNil(t, resolved)
	require.Equal(t, "async-ok", resolved.(*goja.Object).Get("answer").String())
}
