package engine

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/scrypster/agentmem/internal/memory"
	"github.com/scrypster/agentmem/pkg/types"
)

var (
	// ErrCacheClosed is returned by GetOrCreate once Close has started.
	ErrCacheClosed = errors.New("engine: manager cache is closed")

	// ErrHandleReleased is returned when a handle is used or released after
	// Release.
	ErrHandleReleased = errors.New("engine: handle already released")
)

// ManagerFactory builds the manager for a scope. It is called outside the
// cache lock, at most once per key while the key is cached.
type ManagerFactory func(ctx context.Context, scope types.Scope) (*memory.Manager, error)

// CacheOptions configure a ManagerCache.
type CacheOptions struct {
	// MaxSize is the number of managers kept. Referenced managers are never
	// evicted, so the cache may exceed MaxSize until they are released.
	MaxSize int

	Logger        *zap.Logger
	MeterProvider metric.MeterProvider

	// Now overrides the clock used for last-access stamps.
	Now func() time.Time
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Live      int
}

type cacheEntry struct {
	key     string
	scope   types.Scope
	manager *memory.Manager
	refs    atomic.Int32

	// guarded by ManagerCache.mu
	lastAccess time.Time
	elem       *list.Element // nil until the manager is built

	ready chan struct{} // closed once manager or err is set
	err   error
}

// ManagerCache owns one memory manager per scope and bounds how many are
// kept. Callers borrow managers through Handles and must Release them.
type ManagerCache struct {
	factory ManagerFactory
	maxSize int
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.Mutex
	entries     map[string]*cacheEntry
	lru         *list.List // built entries, most recently used at the front
	outstanding int        // handles not yet released, including waiters
	closed      bool
	finalized   bool          // Close has closed every manager
	drained     chan struct{} // created by Close, closed when outstanding hits zero

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	hitCounter      metric.Int64Counter
	missCounter     metric.Int64Counter
	evictionCounter metric.Int64Counter
}

// NewManagerCache creates a cache that builds managers with factory.
func NewManagerCache(factory ManagerFactory, opts CacheOptions) (*ManagerCache, error) {
	if factory == nil {
		return nil, errors.New("manager factory is required")
	}
	if opts.MaxSize < 1 {
		return nil, fmt.Errorf("MaxSize must be >= 1, got %d", opts.MaxSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("github.com/scrypster/agentmem/internal/engine")

	c := &ManagerCache{
		factory: factory,
		maxSize: opts.MaxSize,
		logger:  logger.Named("cache"),
		now:     now,
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
	}

	var err error
	if c.hitCounter, err = meter.Int64Counter("agentmem.cache.hits",
		metric.WithDescription("Manager lookups served from the cache")); err != nil {
		return nil, err
	}
	if c.missCounter, err = meter.Int64Counter("agentmem.cache.misses",
		metric.WithDescription("Manager lookups that built a new manager")); err != nil {
		return nil, err
	}
	if c.evictionCounter, err = meter.Int64Counter("agentmem.cache.evictions",
		metric.WithDescription("Managers closed and removed to respect the cache bound")); err != nil {
		return nil, err
	}
	return c, nil
}

// GetOrCreate returns a handle on the manager for scope, building it if
// needed. Concurrent first requests for the same scope build exactly one
// manager; the others wait for it. If the build fails every waiter gets the
// error and the next request tries again. A waiter whose own context is live
// retries once when the build was cut short by the builder's context.
func (c *ManagerCache) GetOrCreate(ctx context.Context, scope types.Scope) (*Handle, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	for retried := false; ; retried = true {
		h, err := c.getOrCreate(ctx, scope)
		var b *buildError
		if err != nil && errors.As(err, &b) && b.joined && !retried && ctx.Err() == nil && isContextError(b.err) {
			c.logger.Debug("shared build was canceled, retrying", zap.String("scope", scope.Key()))
			continue
		}
		return h, err
	}
}

func (c *ManagerCache) getOrCreate(ctx context.Context, scope types.Scope) (*Handle, error) {
	key := scope.Key()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}

	if e, ok := c.entries[key]; ok {
		e.refs.Add(1)
		c.outstanding++
		c.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			c.unref(e)
			return nil, ctx.Err()
		}
		if e.err != nil {
			c.unref(e)
			var b *buildError
			if errors.As(e.err, &b) {
				return nil, &buildError{key: b.key, err: b.err, joined: true}
			}
			return nil, e.err
		}

		c.hits.Add(1)
		c.hitCounter.Add(ctx, 1)
		c.mu.Lock()
		c.touchLocked(e)
		c.mu.Unlock()
		c.logger.Debug("cache hit", zap.String("scope", key))
		return &Handle{cache: c, entry: e}, nil
	}

	e := &cacheEntry{key: key, scope: scope, ready: make(chan struct{})}
	e.refs.Store(1)
	c.entries[key] = e
	c.outstanding++
	c.mu.Unlock()
	c.misses.Add(1)
	c.missCounter.Add(ctx, 1)

	mgr, err := c.factory(ctx, scope)

	c.mu.Lock()
	if err != nil {
		delete(c.entries, key)
		e.err = &buildError{key: key, err: err}
		close(e.ready)
		c.releaseLocked(e)
		c.mu.Unlock()
		c.logger.Error("manager construction failed", zap.String("scope", key), zap.Error(err))
		return nil, e.err
	}
	if c.finalized {
		delete(c.entries, key)
		e.err = ErrCacheClosed
		close(e.ready)
		c.releaseLocked(e)
		c.mu.Unlock()
		_ = mgr.Close()
		return nil, ErrCacheClosed
	}
	e.manager = mgr
	e.lastAccess = c.now()
	e.elem = c.lru.PushFront(e)
	close(e.ready)
	c.evictLocked()
	c.mu.Unlock()

	c.logger.Debug("manager created", zap.String("scope", key))
	return &Handle{cache: c, entry: e}, nil
}

// buildError is a failed manager construction. joined marks the copy handed
// to a caller that waited on someone else's build.
type buildError struct {
	key    string
	err    error
	joined bool
}

func (e *buildError) Error() string { return fmt.Sprintf("build manager for %s: %v", e.key, e.err) }

func (e *buildError) Unwrap() error { return e.err }

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Release returns a handle. Each handle may be released once; later calls
// return ErrHandleReleased.
func (c *ManagerCache) Release(h *Handle) error {
	if h == nil || h.cache != c {
		return errors.New("engine: handle does not belong to this cache")
	}
	if !h.released.CompareAndSwap(false, true) {
		return ErrHandleReleased
	}
	c.unref(h.entry)
	return nil
}

// Len returns the number of built managers in the cache.
func (c *ManagerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *ManagerCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Live:      c.Len(),
	}
}

// Close stops handing out managers, waits until every outstanding handle is
// released or ctx is done, then closes all managers. It returns ctx.Err()
// when the wait was cut short.
func (c *ManagerCache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCacheClosed
	}
	c.closed = true
	c.drained = make(chan struct{})
	if c.outstanding == 0 {
		close(c.drained)
	}
	drained := c.drained
	c.mu.Unlock()

	var waitErr error
	select {
	case <-drained:
	case <-ctx.Done():
		waitErr = ctx.Err()
		c.mu.Lock()
		pending := c.outstanding
		c.mu.Unlock()
		c.logger.Warn("closing cache with outstanding handles", zap.Int("outstanding", pending))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		e := c.lru.Remove(el).(*cacheEntry)
		e.elem = nil
		if err := e.manager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close manager %s: %w", e.key, err))
		}
		el = next
	}
	c.entries = make(map[string]*cacheEntry)
	c.finalized = true

	return errors.Join(append([]error{waitErr}, errs...)...)
}

// unref drops one reference and updates the entry's last access.
func (c *ManagerCache) unref(e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchLocked(e)
	c.releaseLocked(e)
	c.evictLocked()
}

func (c *ManagerCache) touchLocked(e *cacheEntry) {
	if e.elem == nil {
		return
	}
	e.lastAccess = c.now()
	c.lru.MoveToFront(e.elem)
}

func (c *ManagerCache) releaseLocked(e *cacheEntry) {
	e.refs.Add(-1)
	c.outstanding--
	if c.closed && c.outstanding == 0 {
		select {
		case <-c.drained:
		default:
			close(c.drained)
		}
	}
}

// evictLocked closes and removes the least recently used unreferenced
// managers until the cache is back within its bound. Manager.Close only
// releases store handles and does not block.
func (c *ManagerCache) evictLocked() {
	if c.closed {
		return
	}
	for c.lru.Len() > c.maxSize {
		victim := c.oldestIdleLocked()
		if victim == nil {
			c.logger.Debug("all cached managers referenced, cache over bound",
				zap.Int("size", c.lru.Len()), zap.Int("max_size", c.maxSize))
			return
		}

		if err := victim.manager.Close(); err != nil {
			c.logger.Warn("error closing evicted manager", zap.String("scope", victim.key), zap.Error(err))
		}
		c.lru.Remove(victim.elem)
		victim.elem = nil
		delete(c.entries, victim.key)

		c.evictions.Add(1)
		c.evictionCounter.Add(context.Background(), 1)
		c.logger.Debug("manager evicted", zap.String("scope", victim.key))
	}
}

// oldestIdleLocked walks from the back of the list, where the least
// recently used entries sit.
func (c *ManagerCache) oldestIdleLocked() *cacheEntry {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*cacheEntry)
		if e.refs.Load() == 0 {
			return e
		}
	}
	return nil
}

// Handle is a borrowed reference to a cached manager. It stays valid until
// Release; afterwards its methods return ErrHandleReleased.
type Handle struct {
	cache    *ManagerCache
	entry    *cacheEntry
	released atomic.Bool
}

// Scope returns the scope the manager is bound to.
func (h *Handle) Scope() types.Scope { return h.entry.scope }

// Manager returns the underlying manager. It must not be used after Release.
func (h *Handle) Manager() *memory.Manager { return h.entry.manager }

// Released reports whether the handle has been released.
func (h *Handle) Released() bool { return h.released.Load() }

// RecordTurn appends a turn to the scope's thread memory.
func (h *Handle) RecordTurn(ctx context.Context, turnIndex int64, key string, value json.RawMessage) (*types.ThreadRecord, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	return h.entry.manager.RecordTurn(ctx, turnIndex, key, value)
}

// RecordFact stores a fact in the scope's semantic memory.
func (h *Handle) RecordFact(ctx context.Context, content string, metadata map[string]interface{}) (*types.SemanticRecord, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	return h.entry.manager.RecordFact(ctx, content, metadata)
}

// GetContext assembles the context payload. On a released handle every
// applicable source is reported as omitted.
func (h *Handle) GetContext(ctx context.Context, req memory.ContextRequest) types.ContextPayload {
	if h.released.Load() {
		var omitted []string
		if h.entry.scope.HasSession() {
			omitted = append(omitted, memory.SourceThread)
		}
		if h.entry.scope.HasUser() {
			omitted = append(omitted, memory.SourceSemantic)
		}
		return memory.Assemble(memory.Sources{Omitted: omitted}, time.Now().UTC())
	}
	return h.entry.manager.GetContext(ctx, req)
}
