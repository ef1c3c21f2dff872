package runtimelock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockUnlockBasic(t *testing.T) {
	r := New()
	tok, err := r.Lock(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tok.VM())
	tok.Close()
}

func TestLockIsExclusive(t *testing.T) {
	r := New()
	tok, err := r.Lock(context.Background())
	require.NoError(t, err)

	tryCh := make(chan bool, 1)
	go func() {
		_, ok := r.TryLock()
		tryCh <- ok
	}()
	require.False(t, <-tryCh, "lock held by another goroutine must not be re-acquirable via TryLock")

	done := make(chan struct{})
	go func() {
		tok2, err := r.Lock(context.Background())
		require.NoError(t, err)
		close(done)
		tok2.Close()
	}()

	select {
	case <-done:
		t.Fatal("Lock from another goroutine must block while held")
	case <-time.After(50 * time.Millisecond):
	}

	tok.Close()
	<-done
}

func TestLockReentrant(t *testing.T) {
	r := New()
	tok1, err := r.Lock(context.Background())
	require.NoError(t, err)

	tok2, err := r.Lock(context.Background())
	require.NoError(t, err)

	// Both tokens are usable concurrently from the same goroutine.
	require.NotNil(t, tok1.VM())
	require.NotNil(t, tok2.VM())

	tok2.Close()

	// Still held: a concurrent Lock from elsewhere must not succeed yet.
	tryCh := make(chan bool, 1)
	go func() {
		_, ok := r.TryLock()
		tryCh <- ok
	}()
	require.False(t, <-tryCh)

	tok1.Close()

	tok3, ok := r.TryLock()
	require.True(t, ok)
	tok3.Close()
}

func TestLockContextCancellation(t *testing.T) {
	r := New()
	tok, err := r.Lock(context.Background())
	require.NoError(t, err)
	defer tok.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, lockErr := r.Lock(ctx)
		errCh <- lockErr
	}()
	err = <-errCh
	require.Error(t, err)
}

func TestTokenDoubleCloseAborts(t *testing.T) {
	r := New()
	tok, err := r.Lock(context.Background())
	require.NoError(t, err)
	tok.Close()
	require.Panics(t, func() { tok.Close() })
}

func TestTokenUseAfterCloseAborts(t *testing.T) {
	r := New()
	tok, err := r.Lock(context.Background())
	require.NoError(t, err)
	tok.Close()
	require.Panics(t, func() { tok.VM() })
}

func TestConcurrentLockersSerialize(t *testing.T) {
	r := New()
	var (
		mu      sync.Mutex
		holders int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := r.Lock(context.Background())
			require.NoError(t, err)
			defer tok.Close()

			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen, "at most one goroutine may hold the lock at a time")
}

func TestHandleCrossesRuntimeBoundary(t *testing.T) {
	r1 := New()
	r2 := New()

	tok1, err := r1.Lock(context.Background())
	require.NoError(t, err)
	h := NewHandle(tok1, tok1.VM().ToValue("hello"))
	tok1.Close()

	tok2, err := r2.Lock(context.Background())
	require.NoError(t, err)
	defer tok2.Close()

	require.Panics(t, func() { h.Value(tok2) })
}

func TestCloseRuntimeRejectsFutureLocks(t *testing.T) {
	r := New()
	r.Close()
	_, err := r.Lock(context.Background())
	require.Error(t, err)
}
