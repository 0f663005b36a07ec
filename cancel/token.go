// Package cancel provides the cooperative cancellation token shared
// between a sync session and whoever wants to stop it. The session checks
// the token only between batches.
package cancel

import (
	"context"
	"sync"

	"github.com/colorfulnotion/lightsync/syncerrors"
)

// Token is a resettable cancellation flag with a notification channel.
// The zero value is not usable; call New.
type Token struct {
	mu        sync.Mutex
	done      chan struct{}
	cancelled bool
}

func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel requests cancellation. Calling it again is a no-op.
func (t *Token) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		t.cancelled = true
		close(t.done)
	}
}

func (t *Token) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel closed on Cancel. After Reset, callers must fetch
// the channel again.
func (t *Token) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Reset re-arms a cancelled token for the next session.
func (t *Token) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		t.cancelled = false
		t.done = make(chan struct{})
	}
}

// Wait blocks until the token is cancelled or ctx is done. It returns nil
// on cancellation and ctx.Err() otherwise.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns a Cancelled error if the token is cancelled, nil otherwise.
func (t *Token) Err() error {
	if !t.IsCancelled() {
		return nil
	}
	return syncerrors.New(syncerrors.KindCancelled, syncerrors.ErrYCancelled)
}
