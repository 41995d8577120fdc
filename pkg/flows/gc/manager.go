// Package gc removes checkpoints of finished co-signing attempts.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relves/cordapps/internal/storage"
	"github.com/relves/cordapps/pkg/flows"
)

// ErrInProgress is returned when a run is already going.
var ErrInProgress = errors.New("garbage collection already in progress")

// Manager deletes COMPLETE and FAILED checkpoints once they are older than
// MaxAge. In-flight attempts are never touched.
type Manager struct {
	cfg    Config
	store  storage.CheckpointStore
	logger *slog.Logger

	mu           sync.Mutex
	gcInProgress bool
}

// NewManager creates a new GC manager over store.
func NewManager(cfg Config, store storage.CheckpointStore) *Manager {
	cfg.ApplyDefaults()
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: cfg.Logger,
	}
}

// Run collects every MinInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.RunGCSync(ctx); err != nil && !errors.Is(err, ErrInProgress) {
				m.logger.Warn("checkpoint gc failed", "error", err)
			}
		}
	}
}

// RunGCSync runs one collection and returns the number of deleted checkpoints.
func (m *Manager) RunGCSync(ctx context.Context) (int, error) {
	m.mu.Lock()
	if m.gcInProgress {
		m.mu.Unlock()
		return 0, ErrInProgress
	}
	m.gcInProgress = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.gcInProgress = false
		m.mu.Unlock()
	}()

	removed, err := m.garbageCollect(ctx)
	if err != nil {
		return removed, fmt.Errorf("garbage collection failed: %w", err)
	}
	if removed > 0 {
		m.logger.Info("removed finished checkpoints", "count", removed)
	}
	return removed, nil
}

func (m *Manager) garbageCollect(ctx context.Context) (int, error) {
	cps, err := m.store.ListCheckpoints(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := m.cfg.Now().Add(-m.cfg.MaxAge)
	removed := 0
	for _, cp := range cps {
		if removed >= m.cfg.MaxCheckpoints {
			break
		}
		if !finished(cp.Step) || cp.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.store.DeleteCheckpoint(ctx, cp.FlowID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func finished(step string) bool {
	return step == string(flows.StepComplete) || step == string(flows.StepFailed)
}
