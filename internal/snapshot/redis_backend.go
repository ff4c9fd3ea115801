package snapshot

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"batcheval/internal/model"
	apperrors "batcheval/pkg/errors"
)

// RedisBackend persists a StateSnapshot as a single JSON value under key
// in Redis. It is a visibility-only store — a convenient way for an
// external dashboard or a separate process to observe a running batch's
// progress — not a distributed coordination primitive; only one
// orchestrator is ever expected to own a given batch at a time.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend creates a Backend writing to and reading from key on
// client.
func NewRedisBackend(client *redis.Client, key string) *RedisBackend {
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Persist(ctx context.Context, snap model.StateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return apperrors.Wrap(apperrors.ExportError, "failed to marshal state snapshot", err)
	}
	if err := b.client.Set(ctx, b.key, data, 0).Err(); err != nil {
		return apperrors.Wrap(apperrors.ExportError, "failed to write state snapshot to redis", err)
	}
	return nil
}

func (b *RedisBackend) Load(ctx context.Context) (*model.StateSnapshot, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.ExportError, "failed to read state snapshot from redis", err)
	}
	var snap model.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, apperrors.Wrap(apperrors.ExportError, "failed to unmarshal state snapshot from redis", err)
	}
	return &snap, nil
}
