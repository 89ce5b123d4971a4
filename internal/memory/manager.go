package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/scrypster/agentmem/internal/embedding"
	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/pkg/types"
)

// Config bounds the manager's blocking operations.
type Config struct {
	StoreTimeout   time.Duration // per store attempt; default 2s
	ContextTimeout time.Duration // overall GetContext deadline; default 3s
	RetryBackoff   time.Duration // pause before the single storage retry; default 100ms
	DefaultRecentN int           // used when ContextRequest.RecentN is 0
	DefaultTopK    int           // used when ContextRequest.TopK is 0
}

func (c *Config) applyDefaults() {
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.ContextTimeout <= 0 {
		c.ContextTimeout = 3 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.DefaultRecentN <= 0 {
		c.DefaultRecentN = types.DefaultRecentN
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = types.DefaultTopK
	}
}

// BackfillJob asks for the embedding of a pending fact to be computed later.
type BackfillJob struct {
	Scope    types.Scope
	RecordID string
	Content  string
}

// BackfillScheduler accepts backfill jobs. Schedule must not block; it
// returns false when the job was dropped.
type BackfillScheduler interface {
	Schedule(job BackfillJob) bool
}

// Options are the collaborators of a Manager. All fields are optional.
type Options struct {
	Config    Config
	Embedder  embedding.Provider
	Backfill  BackfillScheduler
	Logger    *zap.Logger
	Telemetry *Telemetry
}

// ContextRequest selects what GetContext retrieves. Zero sizes use the
// configured defaults, negative sizes skip that tier. An empty Query
// retrieves semantic memory by recency.
type ContextRequest struct {
	RecentN int
	TopK    int
	Query   string
}

// Manager is the memory facade for one scope. It owns its store handles.
type Manager struct {
	scope     types.Scope
	thread    *ThreadMemory   // nil when the scope has no session
	semantic  *SemanticMemory // nil when the scope has no user
	embedder  embedding.Provider
	backfill  BackfillScheduler
	cfg       Config
	logger    *zap.Logger
	telemetry *Telemetry
	closed    atomic.Bool
}

// NewManager binds a manager to scope. threadStore must be non-nil when the
// scope names a session and semanticStore when it names a user.
func NewManager(scope types.Scope, threadStore storage.ThreadStore, semanticStore storage.SemanticStore, opts Options) (*Manager, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if scope.HasSession() && threadStore == nil {
		return nil, fmt.Errorf("%w: thread store required for session scope", storage.ErrInvalidInput)
	}
	if scope.HasUser() && semanticStore == nil {
		return nil, fmt.Errorf("%w: semantic store required for user scope", storage.ErrInvalidInput)
	}

	cfg := opts.Config
	cfg.applyDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tel := opts.Telemetry
	if tel == nil {
		var err error
		if tel, err = NewTelemetry(nil, nil); err != nil {
			return nil, fmt.Errorf("memory: telemetry: %w", err)
		}
	}

	policy := retryPolicy{attempts: 2, backoff: cfg.RetryBackoff, timeout: cfg.StoreTimeout}
	m := &Manager{
		scope:     scope,
		embedder:  opts.Embedder,
		backfill:  opts.Backfill,
		cfg:       cfg,
		logger:    logger.Named("memory").With(zap.String("scope", scope.Key())),
		telemetry: tel,
	}
	if threadStore != nil {
		m.thread = newThreadMemory(threadStore, policy)
	}
	if semanticStore != nil {
		m.semantic = newSemanticMemory(semanticStore, policy)
	}
	return m, nil
}

// Scope returns the scope the manager is bound to.
func (m *Manager) Scope() types.Scope { return m.scope }

// RecordTurn appends a turn to the session's thread log.
func (m *Manager) RecordTurn(ctx context.Context, turnIndex int64, key string, value json.RawMessage) (*types.ThreadRecord, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if m.thread == nil {
		return nil, fmt.Errorf("%w: scope %s has no session", ErrInvalidScope, m.scope)
	}
	rec, err := m.thread.Append(ctx, turnIndex, key, value)
	if err != nil {
		if storage.IsRetryable(err) {
			m.logger.Error("record turn failed", zap.Int64("turn", turnIndex), zap.Error(err))
		}
		return nil, err
	}
	return rec, nil
}

// RecordFact stores a fact in semantic memory. The fact is embedded first;
// if the provider is unavailable the fact is stored without an embedding
// and a backfill is scheduled.
func (m *Manager) RecordFact(ctx context.Context, content string, metadata map[string]interface{}) (*types.SemanticRecord, error) {
	ctx, span := m.telemetry.tracer.Start(ctx, "memory.RecordFact")
	defer span.End()

	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if m.semantic == nil {
		return nil, fmt.Errorf("%w: scope %s has no user", ErrInvalidScope, m.scope)
	}
	if content == "" {
		return nil, fmt.Errorf("%w: fact content is required", storage.ErrInvalidInput)
	}
	if err := m.checkMetadata(metadata); err != nil {
		return nil, err
	}

	vec, err := m.embed(ctx, content)
	if errors.Is(err, ErrEmbeddingDimensionMismatch) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding dimension mismatch")
		return nil, err
	}
	pending := err != nil
	if pending {
		m.logger.Warn("embedding provider unavailable, storing fact without embedding", zap.Error(err))
		m.telemetry.providerFallbacks.Add(ctx, 1)
		span.AddEvent("embedding deferred")
	}

	rec, err := m.semantic.Insert(ctx, content, metadata, vec)
	if err != nil {
		m.logger.Error("record fact failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, err
	}

	if pending && m.backfill != nil {
		if !m.backfill.Schedule(BackfillJob{Scope: m.scope, RecordID: rec.ID, Content: content}) {
			m.logger.Warn("backfill queue full, embedding stays pending", zap.String("record_id", rec.ID))
		}
	}
	span.SetAttributes(attribute.Bool("agentmem.embedding_pending", pending))
	return rec, nil
}

// BackfillEmbedding sets the embedding of a pending fact in this scope.
func (m *Manager) BackfillEmbedding(ctx context.Context, recordID string, vec []float32) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if m.semantic == nil {
		return fmt.Errorf("%w: scope %s has no user", ErrInvalidScope, m.scope)
	}
	return m.semantic.BackfillEmbedding(ctx, recordID, vec)
}

// QuerySemantic runs a semantic query against the bound collection.
func (m *Manager) QuerySemantic(ctx context.Context, vector []float32, topK int) (SemanticResult, error) {
	if m.closed.Load() {
		return SemanticResult{}, ErrManagerClosed
	}
	if m.semantic == nil {
		return SemanticResult{}, fmt.Errorf("%w: scope %s has no user", ErrInvalidScope, m.scope)
	}
	return m.semantic.Query(ctx, vector, topK, m.scope)
}

type threadOutcome struct {
	records []types.ThreadRecord
	err     error
}

type semanticOutcome struct {
	result SemanticResult
	err    error
}

// GetContext assembles recent turns and relevant facts. It never fails: a
// tier that errors or misses the deadline is left out and named in Omitted.
func (m *Manager) GetContext(ctx context.Context, req ContextRequest) types.ContextPayload {
	ctx, span := m.telemetry.tracer.Start(ctx, "memory.GetContext")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ContextTimeout)
	defer cancel()

	recentN := req.RecentN
	if recentN == 0 {
		recentN = m.cfg.DefaultRecentN
	}
	topK := req.TopK
	if topK == 0 {
		topK = m.cfg.DefaultTopK
	}

	var src Sources
	if m.closed.Load() {
		src.Omitted = m.applicableSources()
		m.telemetry.omittedSources.Add(ctx, int64(len(src.Omitted)))
		return Assemble(src, time.Now().UTC())
	}

	// Buffered so a late producer never blocks after the deadline.
	threadCh := make(chan threadOutcome, 1)
	semanticCh := make(chan semanticOutcome, 1)
	pending := 0

	if m.thread != nil && recentN > 0 {
		pending++
		go func() {
			recs, err := m.thread.ReadRecent(ctx, recentN)
			threadCh <- threadOutcome{records: recs, err: err}
		}()
	}
	if m.semantic != nil && topK > 0 {
		pending++
		go func() {
			var vec []float32
			if req.Query != "" {
				v, err := m.embed(ctx, req.Query)
				if err != nil {
					m.logger.Warn("query embedding unavailable, using recency", zap.Error(err))
				} else {
					vec = v
				}
			}
			res, err := m.semantic.Query(ctx, vec, topK, m.scope)
			semanticCh <- semanticOutcome{result: res, err: err}
		}()
	}

	threadDone := m.thread == nil || recentN <= 0
	semanticDone := m.semantic == nil || topK <= 0
	for pending > 0 {
		select {
		case out := <-threadCh:
			pending--
			threadDone = true
			if out.err != nil {
				m.logger.Warn("thread memory omitted from context", zap.Error(out.err))
				src.Omitted = append(src.Omitted, SourceThread)
				continue
			}
			src.Thread = out.records
		case out := <-semanticCh:
			pending--
			semanticDone = true
			if out.err != nil {
				if errors.Is(out.err, ErrEmbeddingDimensionMismatch) {
					m.logger.Error("semantic memory omitted from context", zap.Error(out.err))
				} else {
					m.logger.Warn("semantic memory omitted from context", zap.Error(out.err))
				}
				src.Omitted = append(src.Omitted, SourceSemantic)
				continue
			}
			res := out.result
			src.Semantic = &res
		case <-ctx.Done():
			if !threadDone {
				m.logger.Warn("thread memory missed the context deadline")
				src.Omitted = append(src.Omitted, SourceThread)
			}
			if !semanticDone {
				m.logger.Warn("semantic memory missed the context deadline")
				src.Omitted = append(src.Omitted, SourceSemantic)
			}
			pending = 0
		}
	}

	if n := len(src.Omitted); n > 0 {
		m.telemetry.omittedSources.Add(ctx, int64(n))
		span.SetAttributes(attribute.StringSlice("agentmem.omitted", src.Omitted))
	}
	if src.Semantic != nil && src.Semantic.Degraded {
		m.telemetry.degradedQueries.Add(ctx, 1, metric.WithAttributes(attribute.Bool("agentmem.query_text", req.Query != "")))
	}

	return Assemble(src, time.Now().UTC())
}

// Close releases both store handles. Calling it again is a no-op.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if m.thread != nil {
		errs = append(errs, m.thread.Close())
	}
	if m.semantic != nil {
		errs = append(errs, m.semantic.Close())
	}
	return errors.Join(errs...)
}

// Closed reports whether Close has been called.
func (m *Manager) Closed() bool { return m.closed.Load() }

func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", ErrProviderUnavailable)
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil && !errors.Is(err, ErrEmbeddingDimensionMismatch) && !errors.Is(err, ErrProviderUnavailable) {
		err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return vec, err
}

// checkMetadata rejects metadata that tries to place a fact in another scope.
func (m *Manager) checkMetadata(md map[string]interface{}) error {
	bound := map[string]string{
		"tenant_id":  m.scope.TenantID,
		"agent_id":   m.scope.AgentID,
		"user_id":    m.scope.UserID,
		"session_id": m.scope.SessionID,
	}
	for key, want := range bound {
		v, ok := md[key]
		if !ok {
			continue
		}
		if s, isString := v.(string); !isString || s != want {
			return fmt.Errorf("%w: metadata %s=%v does not match bound scope", ErrInvalidScope, key, v)
		}
	}
	return nil
}

func (m *Manager) applicableSources() []string {
	var out []string
	if m.thread != nil {
		out = append(out, SourceThread)
	}
	if m.semantic != nil {
		out = append(out, SourceSemantic)
	}
	return out
}
