package syncer

import (
	"fmt"
	"time"

	"github.com/colorfulnotion/lightsync/frontier"
	"github.com/colorfulnotion/lightsync/syncerrors"
)

// Config tunes a sync engine.
type Config struct {
	// BirthdayHeight is the first height the wallet can have notes at. A
	// wallet with no checkpoint starts from the tree state just below it.
	BirthdayHeight uint64
	// TargetHeight stops the session at a fixed height. Zero follows the
	// remote tip.
	TargetHeight uint64

	// CheckpointInterval forces a durable checkpoint when a batch crosses a
	// multiple of it.
	CheckpointInterval uint64
	// BatchSize is the number of blocks fetched and applied together.
	BatchSize uint64
	// MiniCheckpointEvery writes a durable checkpoint after this many
	// batches without one.
	MiniCheckpointEvery int

	MaxParallelDecrypt     int
	SnapshotRetain         int
	CheckpointKeep         int
	FrontierMaxCheckpoints int

	// MaxRetries bounds the retries of one remote call. The n-th retry
	// waits RetryBaseDelay * 2^n.
	MaxRetries     int
	RetryBaseDelay time.Duration
	// FollowerTimeout bounds how long a cache follower waits for a leader
	// fetching an overlapping range.
	FollowerTimeout time.Duration
}

// DefaultConfig returns the desktop configuration.
func DefaultConfig() Config {
	return Config{
		BirthdayHeight:         1,
		CheckpointInterval:     10000,
		BatchSize:              2000,
		MiniCheckpointEvery:    5,
		MaxParallelDecrypt:     32,
		SnapshotRetain:         10,
		CheckpointKeep:         10,
		FrontierMaxCheckpoints: frontier.DefaultMaxCheckpoints,
		MaxRetries:             3,
		RetryBaseDelay:         100 * time.Millisecond,
		FollowerTimeout:        30 * time.Second,
	}
}

// MobileConfig is DefaultConfig with less decryption parallelism.
func MobileConfig() Config {
	c := DefaultConfig()
	c.MaxParallelDecrypt = 8
	return c
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	var problem string
	switch {
	case c.BirthdayHeight == 0:
		problem = "birthday height must be at least 1"
	case c.TargetHeight != 0 && c.TargetHeight < c.BirthdayHeight-1:
		problem = fmt.Sprintf("target height %d below birthday %d", c.TargetHeight, c.BirthdayHeight)
	case c.BatchSize == 0:
		problem = "batch size must be positive"
	case c.CheckpointInterval == 0:
		problem = "checkpoint interval must be positive"
	case c.MiniCheckpointEvery <= 0:
		problem = "mini checkpoint period must be positive"
	case c.MaxParallelDecrypt <= 0:
		problem = "decrypt parallelism must be positive"
	case c.CheckpointKeep <= 0:
		problem = "checkpoint keep count must be positive"
	case c.SnapshotRetain <= 0:
		problem = "snapshot retain count must be positive"
	case c.CheckpointKeep > c.SnapshotRetain:
		// Pruned checkpoints beyond the retained snapshots could not be
		// restored from.
		problem = fmt.Sprintf("checkpoint keep %d exceeds snapshot retain %d", c.CheckpointKeep, c.SnapshotRetain)
	case c.FrontierMaxCheckpoints <= 0:
		problem = "frontier checkpoint bound must be positive"
	case c.MaxRetries < 0:
		problem = "max retries must not be negative"
	case c.RetryBaseDelay < 0:
		problem = "retry delay must not be negative"
	case c.BirthdayHeight-1 > uint64(^uint32(0)):
		problem = "birthday height exceeds checkpoint id range"
	case c.TargetHeight > uint64(^uint32(0)):
		problem = "target height exceeds checkpoint id range"
	default:
		return nil
	}
	return syncerrors.New(syncerrors.KindConfig, fmt.Errorf("%w: %s", syncerrors.ErrYInvalidConfig, problem))
}
