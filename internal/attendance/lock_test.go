package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerSerializesPerKey(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "subject:S1")
	require.NoError(t, err)

	// other keys are independent
	other, err := l.Lock(ctx, "subject:S2")
	require.NoError(t, err)
	other()

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "subject:S1")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()
	unlock() // idempotent

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestMemoryLockerHonoursContext(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestMemoryLockerForgetsIdleKeys(t *testing.T) {
	l := NewMemoryLocker()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := l.Lock(context.Background(), "k")
			if err == nil {
				u()
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, l.held())
}
