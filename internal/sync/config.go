// Package sync pulls external records into local storage entity type by entity type,
// advancing a per-type watermark and parking retryable failures in the change log.
package sync

import (
	"time"

	"github.com/cybertec-postgresql/exchange_sync/internal/retry"
)

// Config tunes the sync loop
type Config struct {
	ChunkSize         int
	Workers           int
	MaxChunksPerCycle int
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	StaleLockTimeout  time.Duration
	RetryBatchSize    int
	// MinDates is the starting watermark of entity types that were never synced
	MinDates map[string]time.Time
	// AlertThresholds raise an alert when a cycle counts at least this many errors
	AlertThresholds map[string]int
	Schedule        string
	RunOnStart      bool
	FetchRetry      *retry.Config
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		ChunkSize:         50,
		Workers:           4,
		MaxChunksPerCycle: 100,
		MaxRetries:        5,
		RetryBaseDelay:    time.Minute,
		RetryMaxDelay:     time.Hour,
		StaleLockTimeout:  15 * time.Minute,
		RetryBatchSize:    100,
		Schedule:          "@every 15m",
		FetchRetry:        retry.ExternalDefaults(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxChunksPerCycle <= 0 {
		c.MaxChunksPerCycle = d.MaxChunksPerCycle
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.StaleLockTimeout <= 0 {
		c.StaleLockTimeout = d.StaleLockTimeout
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = d.RetryBatchSize
	}
	if c.Schedule == "" {
		c.Schedule = d.Schedule
	}
	if c.FetchRetry == nil {
		c.FetchRetry = d.FetchRetry
	}
	return c
}

// retryDelay is the wait after failure number failures (1-based)
func (c Config) retryDelay(failures int) time.Duration {
	return retry.Schedule(c.RetryBaseDelay, c.RetryMaxDelay, failures-1)
}
