package janitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axolotl-bucket/axolotl-bucket/internal/cache"
	"github.com/axolotl-bucket/axolotl-bucket/internal/metrics"
)

const (
	freshKey = "1111111111111111111111111111111111111111"
	staleKey = "2222222222222222222222222222222222222222"
)

func newStore(t *testing.T) (afero.Fs, cache.Store) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := cache.NewStore(fs, "cache")
	require.NoError(t, err)
	return fs, store
}

func putAged(t *testing.T, fs afero.Fs, store cache.Store, key string, age time.Duration) cache.Entry {
	t.Helper()
	entry, err := store.Put(context.Background(), key, strings.NewReader(key))
	require.NoError(t, err)
	modTime := time.Now().Add(-age)
	require.NoError(t, fs.Chtimes(entry.Path, modTime, modTime))
	entry.ModTime = modTime
	return *entry
}

func TestSweepEvictsOnlyExpiredEntries(t *testing.T) {
	fs, store := newStore(t)
	putAged(t, fs, store, freshKey, time.Minute)
	putAged(t, fs, store, staleKey, 2*time.Hour)
	require.NoError(t, fs.MkdirAll("cache/nested", 0o755))

	m := metrics.New()
	j, err := New(Options{Store: store, Expiry: cache.NewExpiry(time.Hour), Metrics: m})
	require.NoError(t, err)

	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, 0, report.Failed)
	assert.EqualValues(t, len(staleKey), report.FreedBytes)

	ctx := context.Background()
	exists, err := store.Exists(ctx, freshKey)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = store.Exists(ctx, staleKey)
	require.NoError(t, err)
	assert.False(t, exists)

	last, ok := j.LastReport()
	require.True(t, ok)
	assert.Equal(t, report, last)
}

func TestSweepBoundaryIsInclusive(t *testing.T) {
	fs, store := newStore(t)
	entry := putAged(t, fs, store, staleKey, 0)

	expiry := cache.NewExpiry(time.Hour).WithClock(func() time.Time {
		return entry.ModTime.Add(time.Hour)
	})
	j, err := New(Options{Store: store, Expiry: expiry})
	require.NoError(t, err)

	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
}

// flakyStore 让指定 key 的 Evict 失败。
type flakyStore struct {
	cache.Store
	failKey string
}

func (f flakyStore) Evict(ctx context.Context, entry cache.Entry) error {
	if entry.Key == f.failKey {
		return errors.New("permission denied")
	}
	return f.Store.Evict(ctx, entry)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	fs, store := newStore(t)
	putAged(t, fs, store, freshKey, 2*time.Hour)
	putAged(t, fs, store, staleKey, 2*time.Hour)

	j, err := New(Options{Store: flakyStore{Store: store, failKey: freshKey}, Expiry: cache.NewExpiry(time.Hour)})
	require.NoError(t, err)

	report, err := j.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, 1, report.Failed)

	exists, err := store.Exists(context.Background(), staleKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSweepWithoutTTLKeepsEverything(t *testing.T) {
	fs, store := newStore(t)
	putAged(t, fs, store, staleKey, 48*time.Hour)

	j, err := New(Options{Store: store})
	require.NoError(t, err)

	report, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Evicted)
}

func TestStartSchedulesSweepsUntilStopped(t *testing.T) {
	fs, store := newStore(t)
	putAged(t, fs, store, staleKey, 2*time.Hour)

	j, err := New(Options{Store: store, Expiry: cache.NewExpiry(time.Hour), Interval: time.Second})
	require.NoError(t, err)

	_, ok := j.LastReport()
	assert.False(t, ok)

	require.NoError(t, j.Start())
	assert.ErrorIs(t, j.Start(), ErrAlreadyStarted)

	require.Eventually(t, func() bool {
		exists, err := store.Exists(context.Background(), staleKey)
		return err == nil && !exists
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, j.Stop(ctx))
	assert.ErrorIs(t, j.Stop(ctx), ErrNotStarted)

	_, ok = j.LastReport()
	assert.True(t, ok)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
