package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	ctx := context.Background()

	rec := &Record{
		ID:        NewID(),
		Backend:   "hub",
		Path:      "/data/train.bin",
		Strategy:  StrategyPerPartURL,
		Mode:      ModeMultipart,
		Status:    StatusInitiated,
		PartSize:  8 << 20,
		TotalSize: 100 << 20,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	rec.ProviderMeta = json.RawMessage(`{"oid":"abc"}`)
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Path, got.Path)
	assert.Equal(t, StrategyPerPartURL, got.Strategy)
	assert.JSONEq(t, `{"oid":"abc"}`, string(got.ProviderMeta))

	// mutating the returned record must not leak back into the store
	got.Status = StatusAborted
	again, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, again.Status)

	got.Status = StatusInProgress
	require.NoError(t, store.Update(ctx, got))
	updated, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, updated.Status)

	active, err := store.ListActive(ctx, "hub")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, rec.ID, active[0].ID)

	other, err := store.ListActive(ctx, "other-backend")
	require.NoError(t, err)
	assert.Empty(t, other)

	// completed sessions drop out of the active listing
	updated.Status = StatusCompleted
	require.NoError(t, store.Update(ctx, updated))
	active, err = store.ListActive(ctx, "hub")
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, store.Delete(ctx, rec.ID))
	_, err = store.Get(ctx, rec.ID)
	assert.Equal(t, ErrNotFound, err)
	// deleting again is not an error
	require.NoError(t, store.Delete(ctx, rec.ID))
}

func testStoreExpiry(t *testing.T, store Store) {
	ctx := context.Background()
	rec := &Record{
		ID:        NewID(),
		Backend:   "hub",
		Path:      "/stale",
		Strategy:  StrategySingleSession,
		Mode:      ModeMultipart,
		Status:    StatusInProgress,
		CreatedAt: time.Now().Add(-2 * time.Hour),
		UpdatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.Create(ctx, rec))

	_, err := store.Get(ctx, rec.ID)
	assert.Equal(t, ErrNotFound, err)

	active, err := store.ListActive(ctx, "hub")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemStore(t *testing.T) {
	testStore(t, NewMemStore())
}

func TestMemStoreExpiry(t *testing.T) {
	testStoreExpiry(t, NewMemStore())
}

func TestBoltStore(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	testStore(t, store)
}

func TestBoltStoreExpiry(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	testStoreExpiry(t, store)
}

func TestRecordExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Record{}).Expired(now))
	assert.False(t, (&Record{ExpiresAt: now.Add(time.Minute)}).Expired(now))
	assert.True(t, (&Record{ExpiresAt: now.Add(-time.Minute)}).Expired(now))
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
