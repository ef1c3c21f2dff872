// Package foreignrt is the default "framework" module loaded into a
// runtimelock.Runtime: a native Goja module standing in for the embedded
// foreign (JS) prediction framework predictor.Predictor drives (spec
// §4.11). Its class constructors (Predict, ChainOfThought,
// ProgramOfThought, ReAct) are plain factory functions returning an object
// with call/acall methods, matching goja-eventloop's own preference for
// native-function bindings over goja's separate new-expression machinery
// (see Adapter.Bind's setTimeout/queueMicrotask bindings).
//
// The actual prediction work - the seam where a real LM provider call (or
// a deterministic test double) belongs - is supplied by the caller as a
// Handler; foreignrt itself only knows how to shuttle values across the
// goja boundary and raise foreign exceptions bridgeerr.FromForeignException
// can classify.
package foreignrt

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
)

// Handler performs the actual prediction for one foreign call: class is the
// predictor class name ("Predict", "ChainOfThought", ...), inputs is the
// decoded kwargs object. Returning a *ForeignError raises an object with
// its name/message/stack in the foreign runtime; any other error is raised
// via rt.NewGoError.
type Handler func(ctx context.Context, class string, inputs map[string]any) (map[string]any, error)

// ClassNames are the predictor classes foreignrt exposes, per spec §4.11.
var ClassNames = []string{"Predict", "ChainOfThought", "ProgramOfThought", "ReAct"}

// ProviderNames are the LM provider constructors foreignrt exposes,
// matching bridgeconfig's oneof=openai anthropic cohere together ollama.
var ProviderNames = []string{"OpenAI", "Anthropic", "Cohere", "Together", "Ollama"}

// Module is one configured instance of the framework module. A single
// Module may be registered into any number of runtimelock.Runtime values
// via Loader; Settings is shared mutable state across all of them,
// mirroring a real framework's process-wide settings singleton.
type Module struct {
	handler Handler

	mu       sync.Mutex
	settings Settings
}

// Settings mirrors the global configuration object a real framework module
// keeps (e.g. "the currently configured LM"), set via the module's
// settings.configure(...) call.
type Settings struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// New constructs a Module that delegates every class instance's call/acall
// to handler.
func New(handler Handler) *Module {
	return &Module{handler: handler}
}

// CurrentSettings returns a copy of the module's current settings, as last
// set by JS-side settings.configure(...).
func (m *Module) CurrentSettings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Loader returns the require.ModuleLoader to register under the name
// runtimelock.Token.Require callers pass (conventionally "framework"),
// following the teacher's goja-grpc.Require pattern of a ModuleLoader
// closure that populates module.exports on first import.
func (m *Module) Loader() require.ModuleLoader {
	return func(rt *goja.Runtime, module *goja.Object) {
		exports, _ := module.Get("exports").(*goja.Object)

		_ = exports.Set("settings", m.buildSettingsObject(rt))

		for _, name := range ProviderNames {
			_ = exports.Set(name, m.buildProviderConstructor(rt, name))
		}

		for _, class := range ClassNames {
			_ = exports.Set(class, m.buildClassFactory(rt, class))
		}

		_ = exports.Set("AssertionError", errorFactory(rt, "AssertionError"))
		_ = exports.Set("TimeoutError", errorFactory(rt, "TimeoutError"))
		_ = exports.Set("RateLimitError", errorFactory(rt, "RateLimitError"))
		_ = exports.Set("ConnectionError", errorFactory(rt, "ConnectionError"))
	}
}

// buildSettingsObject builds the module-level `settings` export, exposing a
// single configure(lm) method that records an LM provider object (as
// returned by one of the provider constructors) into m.settings.
func (m *Module) buildSettingsObject(rt *goja.Runtime) *goja.Object {
	settings := rt.NewObject()
	configure := func(call goja.FunctionCall) goja.Value {
		lm, ok := call.Argument(0).Export().(map[string]interface{})
		if !ok {
			panic(rt.NewTypeError("settings.configure requires an lm object"))
		}
		m.mu.Lock()
		m.settings = Settings{
			Provider: stringField(lm, "provider"),
			Model:    stringField(lm, "model"),
			APIKey:   stringField(lm, "apiKey"),
			BaseURL:  stringField(lm, "baseUrl"),
		}
		m.mu.Unlock()
		return goja.Undefined()
	}
	_ = settings.Set("configure", rt.ToValue(configure))
	return settings
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// buildProviderConstructor returns a factory function framework.<Name>(model, opts)
// producing a plain lm descriptor object, the shape settings.configure
// expects.
func (m *Module) buildProviderConstructor(rt *goja.Runtime, name string) goja.Value {
	provider := providerKey(name)
	ctor := func(call goja.FunctionCall) goja.Value {
		model := call.Argument(0).String()
		obj := rt.NewObject()
		_ = obj.Set("provider", provider)
		_ = obj.Set("model", model)
		if opts, ok := call.Argument(1).Export().(map[string]interface{}); ok {
			if v := stringField(opts, "apiKey"); v != "" {
				_ = obj.Set("apiKey", v)
			}
			if v := stringField(opts, "baseUrl"); v != "" {
				_ = obj.Set("baseUrl", v)
			}
		}
		return obj
	}
	return rt.ToValue(ctor)
}

func providerKey(name string) string {
	switch name {
	case "OpenAI":
		return "openai"
	case "Anthropic":
		return "anthropic"
	case "Cohere":
		return "cohere"
	case "Together":
		return "together"
	case "Ollama":
		return "ollama"
	default:
		return name
	}
}

// buildClassFactory returns framework.<Class>(signature, config), a factory
// producing an instance object exposing call(kwargs) and acall(kwargs),
// both delegating to m.handler.
func (m *Module) buildClassFactory(rt *goja.Runtime, class string) goja.Value {
	factory := func(call goja.FunctionCall) goja.Value {
		instance := rt.NewObject()
		_ = instance.Set("signature", call.Argument(0))
		_ = instance.Set("class", class)

		callFn := func(fc goja.FunctionCall) goja.Value {
			kwargs, _ := fc.Argument(0).Export().(map[string]interface{})
			out, err := m.handler(context.Background(), class, kwargs)
			if err != nil {
				panic(toForeignThrow(rt, err))
			}
			return encodeResult(rt, out)
		}
		_ = instance.Set("call", rt.ToValue(callFn))

		acallFn := func(fc goja.FunctionCall) goja.Value {
			kwargs, _ := fc.Argument(0).Export().(map[string]interface{})
			thenable := rt.NewObject()
			then := func(tc goja.FunctionCall) goja.Value {
				onFulfilled, _ := goja.AssertFunction(tc.Argument(0))
				onRejected, _ := goja.AssertFunction(tc.Argument(1))
				out, err := m.handler(context.Background(), class, kwargs)
				if err != nil {
					if onRejected != nil {
						_, _ = onRejected(goja.Undefined(), toForeignThrow(rt, err))
					}
					return goja.Undefined()
				}
				if onFulfilled != nil {
					_, _ = onFulfilled(goja.Undefined(), encodeResult(rt, out))
				}
				return goja.Undefined()
			}
			_ = thenable.Set("then", rt.ToValue(then))
			return thenable
		}
		_ = instance.Set("acall", rt.ToValue(acallFn))

		return instance
	}
	return rt.ToValue(factory)
}

func encodeResult(rt *goja.Runtime, out map[string]any) *goja.Object {
	obj := rt.NewObject()
	for k, v := range out {
		_ = obj.Set(k, v)
	}
	return obj
}

// toForeignThrow converts a Handler error into a value suitable for
// panic(...): a *ForeignError is thrown as the foreign error object it
// already wraps, any other error is wrapped via rt.NewGoError the same way
// goja-eventloop's Adapter throws Go errors into JS (adapter.go's
// setTimeout/setInterval/queueMicrotask bindings).
func toForeignThrow(rt *goja.Runtime, err error) goja.Value {
	if fe, ok := err.(*ForeignError); ok {
		return fe.toObject(rt)
	}
	return rt.NewGoError(err)
}

// errorFactory returns a plain factory function framework.<Name>(message)
// producing an error-shaped object {name, message, stack}, the minimal
// surface bridgeerr.FromForeignException inspects (spec §4.2's pattern
// table matches by "name" then by message substrings).
func errorFactory(rt *goja.Runtime, name string) goja.Value {
	ctor := func(call goja.FunctionCall) goja.Value {
		message := call.Argument(0).String()
		obj := rt.NewObject()
		_ = obj.Set("name", name)
		_ = obj.Set("message", message)
		_ = obj.Set("stack", fmt.Sprintf("%s: %s", name, message))
		return obj
	}
	return rt.ToValue(ctor)
}
