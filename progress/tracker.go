// Package progress tracks a sync session for display: height, stage, ETA
// and throughput counters. It exports the same numbers to Prometheus, as a
// websocket feed and as a batch timing chart.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/colorfulnotion/lightsync/log"
)

// Stage is the coarse phase a session reports to observers.
type Stage uint8

const (
	StageHeaders Stage = iota
	StageNotes
	StageWitness
	StageVerify
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageHeaders:
		return "headers"
	case StageNotes:
		return "notes"
	case StageWitness:
		return "witness"
	case StageVerify:
		return "verify"
	case StageComplete:
		return "complete"
	}
	return "unknown"
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Stage) UnmarshalText(b []byte) error {
	for c := StageHeaders; c <= StageComplete; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", b)
}

// historySize bounds the batch samples kept for the chart.
const historySize = 512

// PerfCounters are the throughput counters of a session.
type PerfCounters struct {
	BlocksProcessed    uint64  `json:"blocks_processed"`
	NotesDecrypted     uint64  `json:"notes_decrypted"`
	CommitmentsApplied uint64  `json:"commitments_applied"`
	BatchesProcessed   uint64  `json:"batches_processed"`
	LastBatchMs        uint64  `json:"last_batch_ms"`
	AvgBatchMs         uint64  `json:"avg_batch_ms"`
	BlocksPerSecond    float64 `json:"blocks_per_second"`
}

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	SessionID      string        `json:"session_id"`
	From           uint64        `json:"from"`
	Current        uint64        `json:"current"`
	Target         uint64        `json:"target"`
	Stage          Stage         `json:"stage"`
	LastCheckpoint uint64        `json:"last_checkpoint"`
	Percent        float64       `json:"percent"`
	ETA            time.Duration `json:"eta_ns"`
	Perf           PerfCounters  `json:"perf"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// BatchSample describes one applied batch.
type BatchSample struct {
	Start, End  uint64
	Notes       int
	Commitments int
	Duration    time.Duration
}

// Tracker accumulates progress. All methods are safe for concurrent use;
// observers are called outside the lock.
type Tracker struct {
	mu        sync.RWMutex
	snap      Snapshot
	began     time.Time
	batchTime time.Duration
	history   []BatchSample
	observers map[int]func(Snapshot)
	nextObs   int

	metrics *Metrics
	now     func() time.Time
}

// NewTracker creates a tracker. metrics may be nil.
func NewTracker(metrics *Metrics) *Tracker {
	return &Tracker{
		observers: make(map[int]func(Snapshot)),
		metrics:   metrics,
		now:       time.Now,
	}
}

// Begin starts a session that has synced up to from and aims for target.
// Counters are reset.
func (t *Tracker) Begin(sessionID string, from, target uint64) {
	t.update(func(s *Snapshot) {
		*s = Snapshot{SessionID: sessionID, From: from, Current: from, Target: target, Stage: StageHeaders}
		t.began = t.now()
		t.batchTime = 0
		t.history = t.history[:0]
	})
	t.metrics.setHeights(from, target)
	log.Info(log.ProgressMonitoring, "sync session started", "session", sessionID, "from", from, "target", target)
}

// SetTarget moves the target height, for example when the chain grew.
func (t *Tracker) SetTarget(target uint64) {
	var current uint64
	t.update(func(s *Snapshot) {
		s.Target = target
		current = s.Current
	})
	t.metrics.setHeights(current, target)
}

func (t *Tracker) SetStage(stage Stage) {
	t.update(func(s *Snapshot) { s.Stage = stage })
	t.metrics.setStage(stage)
}

func (t *Tracker) SetCheckpoint(height uint64) {
	t.update(func(s *Snapshot) { s.LastCheckpoint = height })
}

// Rewind moves the current height back after a rollback. Throughput
// counters keep counting work done.
func (t *Tracker) Rewind(height uint64) {
	var target uint64
	t.update(func(s *Snapshot) {
		s.Current = height
		if s.From > height {
			s.From = height
		}
		if s.LastCheckpoint > height {
			s.LastCheckpoint = height
		}
		target = s.Target
	})
	t.metrics.setHeights(height, target)
}

// RecordBatch accounts an applied batch and advances the current height to
// its end.
func (t *Tracker) RecordBatch(b BatchSample) {
	var target uint64
	t.update(func(s *Snapshot) {
		p := &s.Perf
		p.BlocksProcessed += b.End - b.Start + 1
		p.NotesDecrypted += uint64(b.Notes)
		p.CommitmentsApplied += uint64(b.Commitments)
		p.BatchesProcessed++
		p.LastBatchMs = uint64(b.Duration.Milliseconds())
		t.batchTime += b.Duration
		p.AvgBatchMs = uint64(t.batchTime.Milliseconds()) / p.BatchesProcessed
		s.Current = b.End
		target = s.Target

		if len(t.history) == historySize {
			copy(t.history, t.history[1:])
			t.history = t.history[:historySize-1]
		}
		t.history = append(t.history, b)
	})
	t.metrics.observeBatch(b)
	t.metrics.setHeights(b.End, target)
}

// Complete marks the session finished.
func (t *Tracker) Complete() {
	t.SetStage(StageComplete)
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// History returns the most recent batch samples, oldest first.
func (t *Tracker) History() []BatchSample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]BatchSample(nil), t.history...)
}

// Subscribe registers fn to be called with every new snapshot and returns
// a function that removes it.
func (t *Tracker) Subscribe(fn func(Snapshot)) func() {
	t.mu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) update(fn func(*Snapshot)) {
	t.mu.Lock()
	fn(&t.snap)
	t.derive()
	snap := t.snap
	observers := make([]func(Snapshot), 0, len(t.observers))
	for _, o := range t.observers {
		observers = append(observers, o)
	}
	t.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
}

// derive recomputes percent, rate and ETA. Callers hold mu.
func (t *Tracker) derive() {
	s := &t.snap
	now := t.now()
	s.UpdatedAt = now

	switch {
	case s.Stage == StageComplete || s.Target <= s.From:
		s.Percent = 100
	case s.Current >= s.Target:
		s.Percent = 100
	default:
		s.Percent = float64(s.Current-s.From) / float64(s.Target-s.From) * 100
	}

	s.Perf.BlocksPerSecond = 0
	if elapsed := now.Sub(t.began).Seconds(); elapsed > 0 && s.Perf.BlocksProcessed > 0 {
		s.Perf.BlocksPerSecond = float64(s.Perf.BlocksProcessed) / elapsed
	}
	s.ETA = 0
	if s.Current < s.Target && s.Perf.BlocksPerSecond > 0 {
		remaining := float64(s.Target - s.Current)
		s.ETA = time.Duration(remaining / s.Perf.BlocksPerSecond * float64(time.Second))
	}
}
