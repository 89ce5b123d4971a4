// Package redis implements the thread storage backend on Redis. Each session
// is a sorted set scored by turn index; appends go through a Lua script so the
// ordering check and the write are atomic on the server.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scrypster/agentmem/internal/storage"
	"github.com/scrypster/agentmem/pkg/types"
)

var _ storage.ThreadBackend = (*Backend)(nil)

// DefaultKeyPrefix namespaces every key written by the backend.
const DefaultKeyPrefix = "agentmem"

// appendScript writes ARGV[2] at score ARGV[1] unless the set already holds a
// score >= ARGV[1]. A member that is already stored is accepted as is.
// Returns {1} on success or {0, last} on rejection.
var appendScript = goredis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
	return {1}
end
local last = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if last[2] and tonumber(last[2]) >= tonumber(ARGV[1]) then
	return {0, last[2]}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {1}
`)

// Backend owns a go-redis client. Scoped handles borrow it.
type Backend struct {
	client    *goredis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(b *Backend) {
		if prefix != "" {
			b.keyPrefix = prefix
		}
	}
}

// WithTTL expires idle session logs. Each append refreshes the TTL.
func WithTTL(ttl time.Duration) Option {
	return func(b *Backend) { b.ttl = ttl }
}

// WithLogger sets the backend logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New connects to redisURL (redis://[:password@]host:port/db) and verifies
// the connection.
func New(ctx context.Context, redisURL string, opts ...Option) (*Backend, error) {
	opt, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := goredis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewFromClient(client, opts...), nil
}

// NewFromClient wraps an existing client. The backend takes ownership and
// closes it on Close.
func NewFromClient(client *goredis.Client, opts ...Option) *Backend {
	b := &Backend{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements storage.ThreadBackend.
func (b *Backend) Name() string { return "redis" }

// Close closes the client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// OpenThread returns a handle bound to the thread part of scope.
func (b *Backend) OpenThread(scope types.Scope) (storage.ThreadStore, error) {
	if err := storage.RequireSession(scope); err != nil {
		return nil, err
	}
	return &ThreadStore{
		client: b.client,
		scope:  scope,
		key:    b.threadKey(scope),
		ttl:    b.ttl,
	}, nil
}

// threadKey builds prefix:thread:tenant:agent:session with each segment
// escaped so ids containing ':' cannot collide.
func (b *Backend) threadKey(scope types.Scope) string {
	return strings.Join([]string{
		b.keyPrefix,
		"thread",
		url.QueryEscape(scope.TenantID),
		url.QueryEscape(scope.AgentID),
		url.QueryEscape(scope.SessionID),
	}, ":")
}

// ThreadStore is a thread log handle bound to one (tenant, agent, session).
type ThreadStore struct {
	storage.HandleState
	client *goredis.Client
	scope  types.Scope
	key    string
	ttl    time.Duration
}

// entry is the sorted-set member. The id keeps members unique even if two
// records carry identical payloads.
type entry struct {
	ID        string          `json:"id"`
	TurnIndex int64           `json:"turn_index"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
}

// Scope returns the scope the handle is bound to.
func (s *ThreadStore) Scope() types.Scope { return s.scope }

// Close releases the handle. The client stays open.
func (s *ThreadStore) Close() error {
	s.MarkClosed()
	return nil
}

// Append writes rec if its turn index is strictly greater than the
// session's last one. Replaying the same record is a no-op. Turn indices are
// stored as sorted-set scores, so indices beyond 2^53 lose precision.
func (s *ThreadStore) Append(ctx context.Context, rec *types.ThreadRecord) error {
	if err := s.CheckOpen(); err != nil {
		return err
	}
	if err := storage.CheckThreadRecord(s.scope, rec); err != nil {
		return err
	}
	if len(rec.Value) > 0 && !json.Valid(rec.Value) {
		return fmt.Errorf("%w: record value is not valid JSON", storage.ErrInvalidInput)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	member, err := json.Marshal(entry{
		ID:        rec.ID,
		TurnIndex: rec.TurnIndex,
		Key:       rec.Key,
		Value:     rec.Value,
		CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	res, err := appendScript.Run(ctx, s.client, []string{s.key},
		rec.TurnIndex, string(member), s.ttl.Milliseconds()).Slice()
	if err != nil {
		return storage.Wrap("redis: append", err)
	}
	if len(res) == 0 {
		return storage.Wrap("redis: append", fmt.Errorf("empty script reply"))
	}
	if ok, _ := res[0].(int64); ok == 1 {
		return nil
	}
	last := "?"
	if len(res) > 1 {
		last = fmt.Sprint(res[1])
	}
	return fmt.Errorf("%w: turn %d is not after turn %s", storage.ErrOutOfOrderTurn, rec.TurnIndex, last)
}

// ReadRecent returns up to n of the session's latest records, oldest first.
func (s *ThreadStore) ReadRecent(ctx context.Context, n int) ([]types.ThreadRecord, error) {
	if err := s.CheckOpen(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []types.ThreadRecord{}, nil
	}

	members, err := s.client.ZRevRange(ctx, s.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, storage.Wrap("redis: read recent", err)
	}

	out := make([]types.ThreadRecord, len(members))
	for i, m := range members {
		var e entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, fmt.Errorf("redis: decode thread record: %w", err)
		}
		// Members come back newest first; fill from the end.
		out[len(members)-1-i] = types.ThreadRecord{
			ID:        e.ID,
			TenantID:  s.scope.TenantID,
			AgentID:   s.scope.AgentID,
			SessionID: s.scope.SessionID,
			TurnIndex: e.TurnIndex,
			Key:       e.Key,
			Value:     e.Value,
			CreatedAt: e.CreatedAt.UTC(),
		}
	}
	return out, nil
}

// LastTurn returns the highest turn index written to the session.
func (s *ThreadStore) LastTurn(ctx context.Context) (int64, bool, error) {
	if err := s.CheckOpen(); err != nil {
		return 0, false, err
	}
	last, err := s.client.ZRevRangeWithScores(ctx, s.key, 0, 0).Result()
	if err != nil {
		return 0, false, storage.Wrap("redis: last turn", err)
	}
	if len(last) == 0 {
		return 0, false, nil
	}
	return int64(last[0].Score), true, nil
}
