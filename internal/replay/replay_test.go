package replay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDurable struct {
	mu      sync.Mutex
	records map[Key]bool
	err     error
}

func newFakeDurable() *fakeDurable { return &fakeDurable{records: make(map[Key]bool)} }

func (d *fakeDurable) HasRecord(_ context.Context, sessionID, personID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	return d.records[Key{SessionID: sessionID, PersonID: personID}], nil
}

func (d *fakeDurable) writer(k Key) func(context.Context) error {
	return func(context.Context) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.records[k] {
			return ErrDuplicate
		}
		d.records[k] = true
		return nil
	}
}

type brokenCache struct{}

var errDown = errors.New("down")

func (brokenCache) IsMarked(context.Context, Key) (bool, error)    { return true, errDown }
func (brokenCache) Mark(context.Context, Key, time.Duration) error { return errDown }
func (brokenCache) Clear(context.Context, Key) error               { return errDown }

// recordingCache counts cache calls on top of a MemoryCache.
type recordingCache struct {
	*MemoryCache
	reads, writes int
}

func (c *recordingCache) IsMarked(ctx context.Context, k Key) (bool, error) {
	c.reads++
	return c.MemoryCache.IsMarked(ctx, k)
}

func (c *recordingCache) Mark(ctx context.Context, k Key, ttl time.Duration) error {
	c.writes++
	return c.MemoryCache.Mark(ctx, k, ttl)
}

type countingObserver struct {
	stale, cacheErrors, duplicates int
}

func (o *countingObserver) StaleCacheCleared() { o.stale++ }
func (o *countingObserver) CacheError(string)  { o.cacheErrors++ }
func (o *countingObserver) DurableDuplicate()  { o.duplicates++ }

var testKey = Key{SessionID: "s1", PersonID: "p1"}

func TestCommitWritesDurableThenCache(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	cache := NewMemoryCache()
	g := NewGuard(durable, cache, Config{}, nil, nil)

	require.NoError(t, g.Commit(ctx, testKey, durable.writer(testKey)))

	marked, err := cache.IsMarked(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, marked)

	err = g.Commit(ctx, testKey, durable.writer(testKey))
	assert.ErrorIs(t, err, ErrAlreadyMarked)
}

func TestCommitWritesOnlyTheSlotMarker(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	cache := &recordingCache{MemoryCache: NewMemoryCache()}
	g := NewGuard(durable, cache, Config{}, nil, nil)

	require.NoError(t, g.Commit(ctx, testKey, durable.writer(testKey)))
	assert.Equal(t, 1, cache.writes)
	assert.Equal(t, 1, cache.reads)

	// every later lookup the marker answers is confirmed by the durable store
	assert.ErrorIs(t, g.Check(ctx, testKey), ErrAlreadyMarked)
	assert.Equal(t, 1, cache.reads, "durable hit answers before the cache")
}

func TestStaleCacheDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	cache := NewMemoryCache()
	obs := &countingObserver{}
	g := NewGuard(durable, cache, Config{}, obs, nil)

	// a previous attempt marked the cache but its durable write never landed
	require.NoError(t, cache.Mark(ctx, testKey, 0))

	require.NoError(t, g.Check(ctx, testKey))
	assert.Equal(t, 1, obs.stale)
	marked, _ := cache.IsMarked(ctx, testKey)
	assert.False(t, marked, "stale marker cleared")

	require.NoError(t, g.Commit(ctx, testKey, durable.writer(testKey)))
	marked, _ = cache.IsMarked(ctx, testKey)
	assert.True(t, marked, "cache corrected after commit")
}

func TestDurableHitSyncsCache(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	durable.records[testKey] = true
	cache := NewMemoryCache()
	g := NewGuard(durable, cache, Config{}, nil, nil)

	assert.ErrorIs(t, g.Check(ctx, testKey), ErrAlreadyMarked)
	marked, _ := cache.IsMarked(ctx, testKey)
	assert.True(t, marked)
}

func TestDuplicateFromWriterIsAlreadyMarked(t *testing.T) {
	obs := &countingObserver{}
	g := NewGuard(newFakeDurable(), nil, Config{}, obs, nil)

	err := g.Commit(context.Background(), testKey, func(context.Context) error {
		return ErrDuplicate
	})
	assert.ErrorIs(t, err, ErrAlreadyMarked)
	assert.Equal(t, 1, obs.duplicates)
}

func TestDurableFailureFailsClosed(t *testing.T) {
	durable := newFakeDurable()
	durable.err = errors.New("connection refused")
	g := NewGuard(durable, NewMemoryCache(), Config{}, nil, nil)

	err := g.Check(context.Background(), testKey)
	assert.ErrorIs(t, err, ErrUnavailable)

	durable.err = nil
	err = g.Commit(context.Background(), testKey, func(context.Context) error {
		return errors.New("write timeout")
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBrokenCacheIsAMiss(t *testing.T) {
	obs := &countingObserver{}
	durable := newFakeDurable()
	g := NewGuard(durable, brokenCache{}, Config{}, obs, nil)

	require.NoError(t, g.Commit(context.Background(), testKey, durable.writer(testKey)))
	assert.Positive(t, obs.cacheErrors)
}

func TestNilCache(t *testing.T) {
	durable := newFakeDurable()
	g := NewGuard(durable, nil, Config{}, nil, nil)

	require.NoError(t, g.Commit(context.Background(), testKey, durable.writer(testKey)))
	assert.ErrorIs(t, g.Check(context.Background(), testKey), ErrAlreadyMarked)
}

func TestConcurrentCommitsOneWinner(t *testing.T) {
	durable := newFakeDurable()
	g := NewGuard(durable, NewMemoryCache(), Config{}, nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, dup := 0, 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Commit(context.Background(), testKey, durable.writer(testKey))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyMarked):
				dup++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 24, dup)
}
