package bridgeerr

import (
	"errors"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTimeout, true},
		{KindRateLimited, true},
		{KindTransport, true},
		{KindAssertion, false},
		{KindConfiguration, false},
		{KindEncoding, false},
		{KindNotConfigured, false},
		{KindCancelled, false},
		{KindCache, false},
		{KindInternal, false},
	}
	for _, c := range cases {
		err := New(c.kind, "boom")
		require.Equalf(t, c.retryable, IsRetryable(err), "kind=%s", c.kind)
	}

	require.False(t, IsRetryable(errors.New("plain error")))
}

func TestErrorIs(t *testing.T) {
	err := Wrap(KindTimeout, "attempt 2 expired", errors.New("deadline exceeded"))
	require.True(t, errors.Is(err, ErrTimeout))
	require.False(t, errors.Is(err, ErrTransport))
	require.ErrorContains(t, err, "deadline exceeded")
}

func TestFromForeignExceptionClassification(t *testing.T) {
	rt := goja.New()

	mk := func(name, message string) goja.Value {
		obj := rt.NewObject()
		_ = obj.Set("name", name)
		_ = obj.Set("message", message)
		return obj
	}

	require.Equal(t, KindAssertion, FromForeignException(rt, mk("AssertionError", "input must not be empty")).Kind)
	require.Equal(t, KindTimeout, FromForeignException(rt, mk("TimeoutError", "")).Kind)
	require.Equal(t, KindTimeout, FromForeignException(rt, mk("Error", "request timed out")).Kind)
	require.Equal(t, KindRateLimited, FromForeignException(rt, mk("Error", "rate limit exceeded")).Kind)
	require.Equal(t, KindTransport, FromForeignException(rt, mk("ConnectionError", "refused")).Kind)
	require.Equal(t, KindForeignImport, FromForeignException(rt, mk("Error", "module not found: framework")).Kind)
	require.Equal(t, KindNotConfigured, FromForeignException(rt, mk("Error", "LM is not configured")).Kind)

	other := FromForeignException(rt, mk("ValueError", "bad signature"))
	require.Equal(t, KindForeignException, other.Kind)
	require.Equal(t, "ValueError", other.ForeignClass)

	require.Equal(t, KindForeignException, FromForeignException(rt, goja.Undefined()).Kind)
}
