package cancel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/colorfulnotion/lightsync/syncerrors"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelIsIdempotent(t *testing.T) {
	tok := New()
	assert.False(t, tok.IsCancelled())
	assert.NoError(t, tok.Err())

	tok.Cancel()
	tok.Cancel()
	assert.True(t, tok.IsCancelled())
	assert.ErrorIs(t, tok.Err(), syncerrors.ErrYCancelled)
	assert.Equal(t, syncerrors.KindCancelled, syncerrors.KindOf(tok.Err()))

	select {
	case <-tok.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestWaitWakesAllWaiters(t *testing.T) {
	defer leaktest.Check(t)()

	tok := New()
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = tok.Wait(context.Background())
		}()
	}
	time.Sleep(10 * time.Millisecond)
	tok.Cancel()
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	tok := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tok.Wait(ctx), context.DeadlineExceeded)
	assert.False(t, tok.IsCancelled())
}

func TestResetRearms(t *testing.T) {
	tok := New()
	old := tok.Done()
	tok.Cancel()
	tok.Reset()

	require.False(t, tok.IsCancelled())
	select {
	case <-old:
	default:
		t.Fatal("old channel should stay closed")
	}
	select {
	case <-tok.Done():
		t.Fatal("new channel closed before cancel")
	default:
	}

	tok.Cancel()
	assert.True(t, tok.IsCancelled())

	// Reset of a live token keeps its channel.
	live := New()
	ch := live.Done()
	live.Reset()
	assert.Equal(t, ch, live.Done())
}
