package gc

import (
	"log/slog"
	"time"
)

// Config holds configuration for checkpoint garbage collection.
type Config struct {
	// MinInterval is the minimum time between GC runs.
	// Default: 1m
	MinInterval time.Duration

	// MaxAge is how long a finished checkpoint is kept.
	// Default: 24h
	MaxAge time.Duration

	// MaxCheckpoints bounds the deletions of one run.
	// Default: 100
	MaxCheckpoints int

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time

	// Logger for structured logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MinInterval == 0 {
		c.MinInterval = time.Minute
	}
	if c.MaxAge == 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.MaxCheckpoints == 0 {
		c.MaxCheckpoints = 100
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
