package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.lock")
	first, err := Acquire(path)
	require.NoError(t, err)

	_, err = Acquire(path)
	assert.Error(t, err)

	require.NoError(t, first.Release())
	second, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestWaitBlocksUntilReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "meta.lock")
	held, err := Wait(context.Background(), path)
	require.NoError(t, err)

	acquired := make(chan *Lock)
	go func() {
		l, err := Wait(context.Background(), path)
		if err == nil {
			acquired <- l
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, held.Release())
	select {
	case l := <-acquired:
		require.NoError(t, l.Release())
	case <-time.After(2 * time.Second):
		t.Fatal("lock not acquired after release")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.lock")
	held, err := Wait(context.Background(), path)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = Wait(ctx, path)
	assert.Error(t, err)
}
