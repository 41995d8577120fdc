package gc_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/cordapps/internal/storage"
	"github.com/relves/cordapps/internal/storage/sqlite"
	"github.com/relves/cordapps/pkg/flows"
	"github.com/relves/cordapps/pkg/flows/gc"
)

func newStore(t *testing.T) *sqlite.NodeStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "gc-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := sqlite.OpenNodeStore(tmpDir, "PartyA")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func save(t *testing.T, store *sqlite.NodeStore, step flows.Step) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, store.SaveCheckpoint(context.Background(), storage.Checkpoint{
		FlowID: id,
		Step:   string(step),
		Tx:     []byte(`{}`),
	}))
	return id
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := gc.Config{}
	cfg.ApplyDefaults()

	assert.NotZero(t, cfg.MinInterval)
	assert.NotZero(t, cfg.MaxAge)
	assert.NotZero(t, cfg.MaxCheckpoints)
	assert.NotNil(t, cfg.Now)
	assert.NotNil(t, cfg.Logger)
}

func TestRunGCSync_RemovesOnlyFinishedAndOld(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	complete := save(t, store, flows.StepComplete)
	failed := save(t, store, flows.StepFailed)
	pending := save(t, store, flows.StepCollectingRemote)

	fresh := gc.NewManager(gc.Config{MaxAge: time.Hour}, store)
	removed, err := fresh.RunGCSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	later := gc.NewManager(gc.Config{
		MaxAge: time.Hour,
		Now:    func() time.Time { return time.Now().Add(2 * time.Hour) },
	}, store)
	removed, err = later.RunGCSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.GetCheckpoint(ctx, complete)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetCheckpoint(ctx, failed)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cp, err := store.GetCheckpoint(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, string(flows.StepCollectingRemote), cp.Step)
}

func TestRunGCSync_BoundedPerRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for range 5 {
		save(t, store, flows.StepComplete)
	}

	m := gc.NewManager(gc.Config{
		MaxAge:         time.Minute,
		MaxCheckpoints: 2,
		Now:            func() time.Time { return time.Now().Add(time.Hour) },
	}, store)

	removed, err := m.RunGCSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	cps, err := store.ListCheckpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, cps, 3)
}

func TestRun_StopsWithContext(t *testing.T) {
	store := newStore(t)
	save(t, store, flows.StepComplete)

	m := gc.NewManager(gc.Config{
		MinInterval: 10 * time.Millisecond,
		MaxAge:      time.Minute,
		Now:         func() time.Time { return time.Now().Add(time.Hour) },
	}, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		cps, err := store.ListCheckpoints(context.Background())
		return err == nil && len(cps) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
