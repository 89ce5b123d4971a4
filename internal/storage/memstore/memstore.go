// Package memstore provides an in-process implementation of the thread and
// semantic storage backends. It is the default for development and the
// reference implementation the SQL backends are tested against.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/pkg/types"
)

// Compile-time interface checks.
var (
	_ storage.ThreadBackend   = (*Backend)(nil)
	_ storage.SemanticBackend = (*Backend)(nil)
)

type threadKey struct{ tenant, agent, session string }

type semanticKey struct{ tenant, agent, user string }

// Backend keeps every record in process memory, partitioned by scope.
type Backend struct {
	mu      sync.RWMutex
	threads map[threadKey][]types.ThreadRecord
	facts   map[semanticKey]map[string]*types.SemanticRecord
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		threads: make(map[threadKey][]types.ThreadRecord),
		facts:   make(map[semanticKey]map[string]*types.SemanticRecord),
	}
}

// Name implements storage.ThreadBackend and storage.SemanticBackend.
func (b *Backend) Name() string { return "memory" }

// Close drops all records.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threads = make(map[threadKey][]types.ThreadRecord)
	b.facts = make(map[semanticKey]map[string]*types.SemanticRecord)
	return nil
}

// OpenThread returns a handle bound to the thread part of scope.
func (b *Backend) OpenThread(scope types.Scope) (storage.ThreadStore, error) {
	if err := storage.RequireSession(scope); err != nil {
		return nil, err
	}
	return &threadStore{
		backend: b,
		scope:   scope,
		key:     threadKey{scope.TenantID, scope.AgentID, scope.SessionID},
	}, nil
}

// OpenSemantic returns a handle bound to the semantic part of scope.
func (b *Backend) OpenSemantic(scope types.Scope) (storage.SemanticStore, error) {
	if err := storage.RequireUser(scope); err != nil {
		return nil, err
	}
	return &semanticStore{
		backend: b,
		scope:   scope,
		key:     semanticKey{scope.TenantID, scope.AgentID, scope.UserID},
	}, nil
}

type threadStore struct {
	storage.HandleState
	backend *Backend
	scope   types.Scope
	key     threadKey
}

func (s *threadStore) Scope() types.Scope { return s.scope }

func (s *threadStore) Close() error {
	s.MarkClosed()
	return nil
}

func (s *threadStore) Append(ctx context.Context, rec *types.ThreadRecord) error {
	if err := s.CheckOpen(); err != nil {
		return err
	}
	if err := storage.CheckThreadRecord(s.scope, rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storage.Wrap("memstore: append", err)
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	log := s.backend.threads[s.key]
	if rec.ID != "" && hasTurn(log, rec) {
		return nil
	}
	if n := len(log); n > 0 && rec.TurnIndex <= log[n-1].TurnIndex {
		return fmt.Errorf("%w: turn %d is not after turn %d", storage.ErrOutOfOrderTurn, rec.TurnIndex, log[n-1].TurnIndex)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.backend.threads[s.key] = append(log, cloneThread(*rec))
	return nil
}

func (s *threadStore) ReadRecent(ctx context.Context, n int) ([]types.ThreadRecord, error) {
	if err := s.CheckOpen(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []types.ThreadRecord{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("memstore: read recent", err)
	}

	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()

	log := s.backend.threads[s.key]
	start := len(log) - n
	if start < 0 {
		start = 0
	}
	out := make([]types.ThreadRecord, 0, len(log)-start)
	for _, rec := range log[start:] {
		out = append(out, cloneThread(rec))
	}
	return out, nil
}

func (s *threadStore) LastTurn(ctx context.Context) (int64, bool, error) {
	if err := s.CheckOpen(); err != nil {
		return 0, false, err
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()

	log := s.backend.threads[s.key]
	if len(log) == 0 {
		return 0, false, nil
	}
	return log[len(log)-1].TurnIndex, true, nil
}

type semanticStore struct {
	storage.HandleState
	backend *Backend
	scope   types.Scope
	key     semanticKey
}

func (s *semanticStore) Scope() types.Scope { return s.scope }

func (s *semanticStore) Close() error {
	s.MarkClosed()
	return nil
}

func (s *semanticStore) Insert(ctx context.Context, rec *types.SemanticRecord) error {
	if err := s.CheckOpen(); err != nil {
		return err
	}
	if err := storage.CheckSemanticRecord(s.scope, rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storage.Wrap("memstore: insert", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	bucket := s.backend.facts[s.key]
	if bucket == nil {
		bucket = make(map[string]*types.SemanticRecord)
		s.backend.facts[s.key] = bucket
	}
	if _, ok := bucket[rec.ID]; ok {
		return nil
	}
	stored := cloneSemantic(*rec)
	bucket[rec.ID] = &stored
	return nil
}

func (s *semanticStore) BackfillEmbedding(ctx context.Context, id string, embedding []float32) error {
	if err := s.CheckOpen(); err != nil {
		return err
	}
	if id == "" || len(embedding) == 0 {
		return fmt.Errorf("%w: id and embedding are required", storage.ErrInvalidInput)
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	rec, ok := s.backend.facts[s.key][id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Embedding = append([]float32(nil), embedding...)
	return nil
}

func (s *semanticStore) Get(ctx context.Context, id string) (*types.SemanticRecord, error) {
	if err := s.CheckOpen(); err != nil {
		return nil, err
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()

	rec, ok := s.backend.facts[s.key][id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cloneSemantic(*rec)
	return &out, nil
}

func (s *semanticStore) HasEmbeddings(ctx context.Context) (bool, error) {
	if err := s.CheckOpen(); err != nil {
		return false, err
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()

	for _, rec := range s.backend.facts[s.key] {
		if rec.HasEmbedding() {
			return true, nil
		}
	}
	return false, nil
}

func (s *semanticStore) SimilaritySearch(ctx context.Context, vector []float32, limit int) ([]types.ScoredRecord, error) {
	if err := s.CheckOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("memstore: similarity search", err)
	}
	return storage.RankBySimilarity(vector, s.snapshot(), limit)
}

func (s *semanticStore) Recent(ctx context.Context, limit int) ([]types.SemanticRecord, error) {
	if err := s.CheckOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []types.SemanticRecord{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.Wrap("memstore: recent", err)
	}
	records := s.snapshot()
	storage.SortByRecency(records)
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// snapshot copies the scope's records so ranking runs without the lock.
func (s *semanticStore) snapshot() []types.SemanticRecord {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()

	bucket := s.backend.facts[s.key]
	out := make([]types.SemanticRecord, 0, len(bucket))
	for _, rec := range bucket {
		out = append(out, cloneSemantic(*rec))
	}
	// Map iteration order is random; sort by id so equal timestamps stay stable.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// hasTurn reports whether rec is already in log under the same id and turn.
func hasTurn(log []types.ThreadRecord, rec *types.ThreadRecord) bool {
	for i := len(log) - 1; i >= 0 && log[i].TurnIndex >= rec.TurnIndex; i-- {
		if log[i].TurnIndex == rec.TurnIndex {
			return log[i].ID == rec.ID
		}
	}
	return false
}

func cloneThread(rec types.ThreadRecord) types.ThreadRecord {
	rec.Value = append([]byte(nil), rec.Value...)
	return rec
}

func cloneSemantic(rec types.SemanticRecord) types.SemanticRecord {
	if rec.Embedding != nil {
		rec.Embedding = append([]float32(nil), rec.Embedding...)
	}
	if rec.Metadata != nil {
		md := make(map[string]interface{}, len(rec.Metadata))
		for k, v := range rec.Metadata {
			md[k] = v
		}
		rec.Metadata = md
	}
	return rec
}
