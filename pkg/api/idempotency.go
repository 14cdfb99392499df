package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResponse is a previously-seen response held for idempotent
// replay of a mutating request.
type CachedResponse struct {
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body"`
	CachedAt   time.Time `json:"cached_at"`
}

// IdempotencyStore is the replay-cache backend.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool)
	Set(ctx context.Context, key string, statusCode int, body []byte)
}

// MemoryIdempotencyStore is the in-process store.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]*CachedResponse), ttl: ttl}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()
	if exists && time.Since(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, statusCode int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &CachedResponse{StatusCode: statusCode, Body: body, CachedAt: time.Now()}
}

// RedisIdempotencyStore shares the replay cache across replicas.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, ttl: ttl}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	raw, err := s.client.Get(ctx, "idem:"+key).Bytes()
	if err != nil {
		return nil, false
	}
	var cached CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, statusCode int, body []byte) {
	raw, err := json.Marshal(&CachedResponse{StatusCode: statusCode, Body: body, CachedAt: time.Now()})
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, "idem:"+key, raw, s.ttl).Err(); err != nil {
		slog.Warn("idempotency cache write failed", "key", key, "error", err)
	}
}

// PostgresIdempotencyStore survives process restarts.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

func (s *PostgresIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS idempotency_keys (
        key TEXT PRIMARY KEY,
        status_code INTEGER NOT NULL,
        body BYTEA NOT NULL,
        cached_at TIMESTAMPTZ NOT NULL
    )`)
	return err
}

func (s *PostgresIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool) {
	var statusCode int
	var body []byte
	var cachedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, body, cached_at FROM idempotency_keys WHERE key = $1`, key).
		Scan(&statusCode, &body, &cachedAt)
	if err != nil {
		return nil, false
	}
	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}
	return &CachedResponse{StatusCode: statusCode, Body: body, CachedAt: cachedAt}, true
}

func (s *PostgresIdempotencyStore) Set(ctx context.Context, key string, statusCode int, body []byte) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, status_code, body, cached_at)
         VALUES ($1, $2, $3, NOW())
         ON CONFLICT (key) DO UPDATE SET status_code = $2, body = $3, cached_at = NOW()`,
		key, statusCode, body)
	if err != nil {
		// Best effort: a cache miss only costs a reprocessed request.
		slog.Warn("idempotency cache write failed", "key", key, "error", err)
	}
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays cached responses for mutating requests
// that repeat an Idempotency-Key.
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || (r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch) {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if cached, ok := store.Check(r.Context(), key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotent-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			rec := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.statusCode < http.StatusInternalServerError {
				store.Set(r.Context(), key, rec.statusCode, rec.body.Bytes())
			}
		})
	}
}
