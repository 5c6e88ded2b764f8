package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyHeader is the client-supplied deduplication token header.
const IdempotencyHeader = "Idempotency-Key"

// ErrIdempotencyInFlight indicates a duplicate arrived while the first
// request is still being processed.
var ErrIdempotencyInFlight = errors.New("idempotent request in flight")

const idempotencyPending = "__pending__"

// StoredResponse is the recorded outcome of a mutating request, replayed
// verbatim to duplicates within the retention window.
type StoredResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// IdempotencyStore deduplicates mutating requests by client token for a
// bounded window.
type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, ttl: ttl}
}

// Begin claims the key. It returns (nil, nil) when the caller owns the key
// and must execute the request, the stored response when this is a replay,
// or ErrIdempotencyInFlight when the first attempt has not finished.
func (s *IdempotencyStore) Begin(ctx context.Context, key string) (*StoredResponse, error) {
	if s == nil {
		return nil, errors.New("idempotency store not initialised")
	}
	if key == "" {
		return nil, errors.New("idempotency key required")
	}
	ok, err := s.client.SetNX(ctx, s.redisKey(key), idempotencyPending, s.ttl).Result()
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}
	raw, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SetNX and Get; treat as fresh.
			return nil, nil
		}
		return nil, err
	}
	if raw == idempotencyPending {
		return nil, ErrIdempotencyInFlight
	}
	var stored StoredResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// Complete records the response for replay to later duplicates.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, resp StoredResponse) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.redisKey(key), raw, s.ttl).Err()
}

// Abort releases a claimed key so the client may retry after a failure
// that must not be replayed (e.g. the handler never produced a response).
func (s *IdempotencyStore) Abort(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

func (s *IdempotencyStore) redisKey(key string) string {
	return "procura:idem:" + key
}
