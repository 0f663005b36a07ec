package blockcache

import (
	"context"
	"errors"
	"sync"

	"github.com/colorfulnotion/lightsync/log"
)

// ErrRegistryClosed is reported to followers still waiting when the last
// user of a registry releases it.
var ErrRegistryClosed = errors.New("in-flight registry closed")

// InflightRegistry tracks the block ranges currently being fetched, per
// endpoint. One registry is shared by every cache of a process that talks
// to the same endpoints; it is reference counted through Retain/Release.
type InflightRegistry struct {
	mu      sync.Mutex
	refs    int
	ranges  map[string][]*inflight
	settled bool
}

type inflight struct {
	start, end uint64
	done       chan struct{}
	err        error
}

func (f *inflight) overlaps(start, end uint64) bool {
	return start <= f.end && end >= f.start
}

// NewInflightRegistry returns a registry with one reference held by the
// caller.
func NewInflightRegistry() *InflightRegistry {
	return &InflightRegistry{refs: 1, ranges: make(map[string][]*inflight)}
}

// Retain adds a reference and returns r.
func (r *InflightRegistry) Retain() *InflightRegistry {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
	return r
}

// Release drops a reference. Dropping the last one wakes every waiting
// follower with ErrRegistryClosed.
func (r *InflightRegistry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs--
	if r.refs > 0 || r.settled {
		return
	}
	r.settled = true
	for endpoint, fs := range r.ranges {
		for _, f := range fs {
			f.err = ErrRegistryClosed
			close(f.done)
		}
		delete(r.ranges, endpoint)
	}
}

// Len is the number of ranges in flight across all endpoints.
func (r *InflightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, fs := range r.ranges {
		n += len(fs)
	}
	return n
}

// Acquire registers interest in [start, end] on endpoint. When no
// overlapping range is in flight the caller becomes the leader: it must
// fetch the range and call Complete. Otherwise the caller is a follower of
// the overlapping fetch and should Wait.
func (r *InflightRegistry) Acquire(endpoint string, start, end uint64) (*Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range r.ranges[endpoint] {
		if f.overlaps(start, end) {
			log.Trace(log.CacheMonitoring, "following in-flight fetch", "endpoint", endpoint,
				"start", start, "end", end, "leaderStart", f.start, "leaderEnd", f.end)
			return &Lease{reg: r, endpoint: endpoint, f: f}, false
		}
	}
	f := &inflight{start: start, end: end, done: make(chan struct{})}
	if r.settled {
		// A released registry coordinates nothing; every caller leads.
		return &Lease{reg: r, endpoint: endpoint, f: f, leader: true}, true
	}
	r.ranges[endpoint] = append(r.ranges[endpoint], f)
	return &Lease{reg: r, endpoint: endpoint, f: f, leader: true}, true
}

func (r *InflightRegistry) remove(endpoint string, f *inflight) {
	fs := r.ranges[endpoint]
	for i, g := range fs {
		if g == f {
			fs = append(fs[:i], fs[i+1:]...)
			break
		}
	}
	if len(fs) == 0 {
		delete(r.ranges, endpoint)
	} else {
		r.ranges[endpoint] = fs
	}
}

// Lease is one caller's stake in an in-flight range.
type Lease struct {
	reg      *InflightRegistry
	endpoint string
	f        *inflight
	leader   bool
	once     sync.Once
}

// Leader reports whether this lease owns the fetch.
func (l *Lease) Leader() bool { return l.leader }

// Complete ends the leader's fetch with its outcome and wakes all
// followers. It is a no-op for followers and after the first call.
func (l *Lease) Complete(err error) {
	if !l.leader {
		return
	}
	l.once.Do(func() {
		l.reg.mu.Lock()
		defer l.reg.mu.Unlock()
		select {
		case <-l.f.done:
			// Already settled by Release.
			return
		default:
		}
		l.reg.remove(l.endpoint, l.f)
		l.f.err = err
		close(l.f.done)
	})
}

// Wait blocks until the leader completes and returns the leader's error.
// A leader's Wait returns immediately.
func (l *Lease) Wait(ctx context.Context) error {
	if l.leader {
		return nil
	}
	select {
	case <-l.f.done:
		l.reg.mu.Lock()
		defer l.reg.mu.Unlock()
		return l.f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
