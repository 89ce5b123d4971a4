package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/scrypster/agentmem/internal/memory"
	"github.com/scrypster/agentmem/internal/storage/memstore"
	"github.com/scrypster/agentmem/pkg/types"
)

func scopeFor(session string) types.Scope {
	return types.Scope{TenantID: "acme", AgentID: "concierge", SessionID: session, UserID: "u-1"}
}

type testCache struct {
	*ManagerCache
	builds atomic.Int32
}

// newTestCache returns a cache over an in-memory backend. buildDelay slows
// the factory down so concurrent requests overlap with construction.
func newTestCache(t *testing.T, maxSize int, buildDelay time.Duration) *testCache {
	t.Helper()
	backend := memstore.New()
	tc := &testCache{}

	factory := func(ctx context.Context, scope types.Scope) (*memory.Manager, error) {
		tc.builds.Add(1)
		if buildDelay > 0 {
			time.Sleep(buildDelay)
		}
		ts, err := backend.OpenThread(scope)
		if err != nil {
			return nil, err
		}
		ss, err := backend.OpenSemantic(scope)
		if err != nil {
			return nil, err
		}
		return memory.NewManager(scope, ts, ss, memory.Options{})
	}

	cache, err := NewManagerCache(factory, CacheOptions{MaxSize: maxSize, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	tc.ManagerCache = cache
	return tc
}

func TestCache_SameScopeSameManager(t *testing.T) {
	c := newTestCache(t, 4, 0)
	ctx := context.Background()

	h1, err := c.GetOrCreate(ctx, scopeFor("s-1"))
	require.NoError(t, err)
	h2, err := c.GetOrCreate(ctx, scopeFor("s-1"))
	require.NoError(t, err)

	assert.Same(t, h1.Manager(), h2.Manager())
	assert.Equal(t, int32(1), c.builds.Load())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Live)

	require.NoError(t, c.Release(h1))
	require.NoError(t, c.Release(h2))
}

func TestCache_RespectsBound(t *testing.T) {
	c := newTestCache(t, 2, 0)
	ctx := context.Background()

	var first *memory.Manager
	for i := 0; i < 3; i++ {
		h, err := c.GetOrCreate(ctx, scopeFor(fmt.Sprintf("s-%d", i)))
		require.NoError(t, err)
		if i == 0 {
			first = h.Manager()
		}
		require.NoError(t, c.Release(h))
	}

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.True(t, first.Closed(), "evicted manager must be closed")

	// The evicted scope is rebuilt on the next request.
	h, err := c.GetOrCreate(ctx, scopeFor("s-0"))
	require.NoError(t, err)
	assert.NotSame(t, first, h.Manager())
	assert.Equal(t, int32(4), c.builds.Load())
	require.NoError(t, c.Release(h))
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, 2, 0)
	ctx := context.Background()

	get := func(session string) *memory.Manager {
		h, err := c.GetOrCreate(ctx, scopeFor(session))
		require.NoError(t, err)
		require.NoError(t, c.Release(h))
		return h.Manager()
	}

	a := get("a")
	b := get("b")
	get("a") // a is now more recent than b
	get("c")

	assert.False(t, a.Closed())
	assert.True(t, b.Closed())
}

func TestCache_NeverEvictsReferencedManagers(t *testing.T) {
	c := newTestCache(t, 1, 0)
	ctx := context.Background()

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := c.GetOrCreate(ctx, scopeFor(fmt.Sprintf("s-%d", i)))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	// All referenced: the cache grows past its bound.
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
	for _, h := range handles {
		assert.False(t, h.Manager().Closed())
	}

	for _, h := range handles {
		require.NoError(t, c.Release(h))
	}

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, uint64(2), c.Stats().Evictions)
	assert.True(t, handles[0].Manager().Closed())
	assert.True(t, handles[1].Manager().Closed())
	assert.False(t, handles[2].Manager().Closed())
}

func TestCache_ConcurrentFirstRequestsBuildOnce(t *testing.T) {
	c := newTestCache(t, 4, 20*time.Millisecond)
	ctx := context.Background()

	const callers = 32
	handles := make([]*Handle, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			handles[i], errs[i] = c.GetOrCreate(ctx, scopeFor("burst"))
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), c.builds.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0].Manager(), handles[i].Manager())
	}
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(callers-1), stats.Hits)

	for _, h := range handles {
		require.NoError(t, c.Release(h))
	}
}

func TestCache_DoubleRelease(t *testing.T) {
	c := newTestCache(t, 1, 0)
	ctx := context.Background()

	h, err := c.GetOrCreate(ctx, scopeFor("s-1"))
	require.NoError(t, err)
	require.NoError(t, c.Release(h))

	assert.ErrorIs(t, c.Release(h), ErrHandleReleased)
	assert.True(t, h.Released())

	_, err = h.RecordTurn(ctx, 1, "user", json.RawMessage(`"hi"`))
	assert.ErrorIs(t, err, ErrHandleReleased)
	_, err = h.RecordFact(ctx, "likes tea", nil)
	assert.ErrorIs(t, err, ErrHandleReleased)

	payload := h.GetContext(ctx, memory.ContextRequest{})
	assert.True(t, payload.IsEmpty())
	assert.ElementsMatch(t, []string{memory.SourceThread, memory.SourceSemantic}, payload.Omitted)

	// A second handle on the same manager is unaffected by the double release.
	h2, err := c.GetOrCreate(ctx, scopeFor("s-1"))
	require.NoError(t, err)
	h3, err := c.GetOrCreate(ctx, scopeFor("s-2"))
	require.NoError(t, err)
	assert.False(t, h2.Manager().Closed())
	require.NoError(t, c.Release(h3))
	require.NoError(t, c.Release(h2))
}

func TestCache_HandleDelegates(t *testing.T) {
	c := newTestCache(t, 2, 0)
	ctx := context.Background()

	h, err := c.GetOrCreate(ctx, scopeFor("s-1"))
	require.NoError(t, err)
	defer func() { _ = c.Release(h) }()

	assert.Equal(t, scopeFor("s-1"), h.Scope())

	for turn := int64(1); turn <= 3; turn++ {
		_, err := h.RecordTurn(ctx, turn, "user", json.RawMessage(fmt.Sprintf(`"turn %d"`, turn)))
		require.NoError(t, err)
	}
	_, err = h.RecordTurn(ctx, 2, "user", json.RawMessage(`"late"`))
	assert.ErrorIs(t, err, memory.ErrOutOfOrderTurn)

	_, err = h.RecordFact(ctx, "prefers window seats", nil)
	require.NoError(t, err)

	payload := h.GetContext(ctx, memory.ContextRequest{RecentN: 2})
	require.Len(t, payload.ThreadEntries(), 2)
	assert.Equal(t, int64(2), payload.ThreadEntries()[0].TurnIndex)
	require.Len(t, payload.SemanticEntries(), 1)
	assert.True(t, payload.Degraded)
}

func TestCache_InvalidScope(t *testing.T) {
	c := newTestCache(t, 1, 0)

	_, err := c.GetOrCreate(context.Background(), types.Scope{TenantID: "acme"})
	assert.ErrorIs(t, err, types.ErrInvalidScope)
	assert.Equal(t, int32(0), c.builds.Load())
}

func TestCache_FailedBuildIsRetried(t *testing.T) {
	var calls atomic.Int32
	backend := memstore.New()
	factory := func(ctx context.Context, scope types.Scope) (*memory.Manager, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("backend warming up")
		}
		ts, err := backend.OpenThread(scope)
		if err != nil {
			return nil, err
		}
		return memory.NewManager(scope, ts, nil, memory.Options{})
	}
	c, err := NewManagerCache(factory, CacheOptions{MaxSize: 1})
	require.NoError(t, err)

	scope := types.Scope{TenantID: "acme", AgentID: "concierge", SessionID: "s-1"}
	_, err = c.GetOrCreate(context.Background(), scope)
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	h, err := c.GetOrCreate(context.Background(), scope)
	require.NoError(t, err)
	require.NoError(t, c.Release(h))
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_WaiterRetriesCanceledBuild(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	backend := memstore.New()
	factory := func(ctx context.Context, scope types.Scope) (*memory.Manager, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		ts, err := backend.OpenThread(scope)
		if err != nil {
			return nil, err
		}
		return memory.NewManager(scope, ts, nil, memory.Options{})
	}
	c, err := NewManagerCache(factory, CacheOptions{MaxSize: 2, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	scope := types.Scope{TenantID: "acme", AgentID: "concierge", SessionID: "s-1"}

	builderCtx, cancel := context.WithCancel(context.Background())
	builderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreate(builderCtx, scope)
		builderErr <- err
	}()
	<-started

	waiter := make(chan *Handle, 1)
	waiterErr := make(chan error, 1)
	go func() {
		h, err := c.GetOrCreate(context.Background(), scope)
		waiter <- h
		waiterErr <- err
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.outstanding == 2
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-builderErr, context.Canceled)

	h := <-waiter
	require.NoError(t, <-waiterErr)
	require.NotNil(t, h)
	assert.Equal(t, int32(2), calls.Load())

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, uint64(0), stats.Hits)
	require.NoError(t, c.Release(h))
}

func TestCache_WaiterSharesGenuineBuildFailure(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	proceed := make(chan struct{})
	factory := func(ctx context.Context, scope types.Scope) (*memory.Manager, error) {
		calls.Add(1)
		close(started)
		<-proceed
		return nil, errors.New("backend warming up")
	}
	c, err := NewManagerCache(factory, CacheOptions{MaxSize: 2})
	require.NoError(t, err)
	scope := types.Scope{TenantID: "acme", AgentID: "concierge", SessionID: "s-1"}

	builderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreate(context.Background(), scope)
		builderErr <- err
	}()
	<-started

	waiterErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreate(context.Background(), scope)
		waiterErr <- err
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.outstanding == 2
	}, time.Second, time.Millisecond)
	close(proceed)

	assert.EqualError(t, <-builderErr, "build manager for acme/concierge/s-1/: backend warming up")
	assert.EqualError(t, <-waiterErr, "build manager for acme/concierge/s-1/: backend warming up")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(0), c.Stats().Hits)
}

func TestCache_CloseDrainsOutstandingHandles(t *testing.T) {
	c := newTestCache(t, 2, 0)
	ctx := context.Background()

	h, err := c.GetOrCreate(ctx, scopeFor("s-1"))
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- c.Close(ctx) }()

	select {
	case <-closed:
		t.Fatal("Close returned while a handle was outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	// New requests are refused while draining.
	_, err = c.GetOrCreate(ctx, scopeFor("s-2"))
	assert.ErrorIs(t, err, ErrCacheClosed)
	assert.False(t, h.Manager().Closed())

	require.NoError(t, c.Release(h))

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the last release")
	}
	assert.True(t, h.Manager().Closed())
	assert.Equal(t, 0, c.Len())
	assert.ErrorIs(t, c.Close(ctx), ErrCacheClosed)
}

func TestCache_CloseGivesUpAtDeadline(t *testing.T) {
	c := newTestCache(t, 2, 0)

	h, err := c.GetOrCreate(context.Background(), scopeFor("s-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = c.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, h.Manager().Closed())

	// Releasing after a forced close is still safe.
	require.NoError(t, c.Release(h))
}

func TestNewManagerCache_Validation(t *testing.T) {
	_, err := NewManagerCache(nil, CacheOptions{MaxSize: 1})
	assert.Error(t, err)

	factory := func(ctx context.Context, scope types.Scope) (*memory.Manager, error) { return nil, nil }
	_, err = NewManagerCache(factory, CacheOptions{MaxSize: 0})
	assert.Error(t, err)
}
