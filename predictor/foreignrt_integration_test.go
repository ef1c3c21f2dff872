package predictor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/promptbridge/foreignrt"
	"github.com/joeycumines/promptbridge/runtimelock"
)

// TestPredict_AgainstRealForeignrtModule exercises Predictor against the
// production foreignrt.Module rather than a test-local stub, proving the
// two packages' factory-function/call/acall conventions actually agree.
func TestPredict_AgainstRealForeignrtModule(t *testing.T) {
	handler := func(ctx context.Context, class string, inputs map[string]any) (map[string]any, error) {
		require.Equal(t, "Predict", class)
		return map[string]any{"answer": "echo: " + inputs["question"].(string)}, nil
	}
	mod := foreignrt.New(handler)
	rt := runtimelock.New(runtimelock.WithNativeModule("framework", mod.Loader()))

	p, err := New[qaIn, qaOut](context.Background(), "question -> answer",
		WithRuntime[qaIn, qaOut](rt),
		WithConfig[qaIn, qaOut](testConfig()),
	)
	require.NoError(t, err)

	out, err := p.Predict(context.Background(), qaIn{Question: "integration"})
	require.NoError(t, err)
	require.Equal(t, "echo: integration", out.Answer)

	settings := mod.CurrentSettings()
	require.Empty(t, settings.Provider, "settings.configure was never called by this predictor")
}

func TestPredict_AgainstRealForeignrtModule_AssertionErrorNotRetried(t *testing.T) {
	var calls int
	handler := func(ctx context.Context, class string, inputs map[string]any) (map[string]any, error) {
		calls++
		return nil, &foreignrt.ForeignError{Name: "AssertionError", Message: "bad output shape"}
	}
	mod := foreignrt.New(handler)
	rt := runtimelock.New(runtimelock.WithNativeModule("framework", mod.Loader()))

	p, err := New[qaIn, qaOut](context.Background(), "question -> answer",
		WithRuntime[qaIn, qaOut](rt),
		WithConfig[qaIn, qaOut](testConfig()),
	)
	require.NoError(t, err)

	_, err = p.Predict(context.Background(), qaIn{Question: "bad"})
	require.Error(t, err)
	require.Equal(t, 1, calls, "an assertion failure must not be retried")
}
