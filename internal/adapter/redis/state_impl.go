// Package redis keeps crawl snapshots in Redis so several hosts can resume
// each other's crawls.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
)

const keyPrefix = "crawler:"

// StateRepoImpl implements repository.StateRepository with one key per namespace.
type StateRepoImpl struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

var _ repository.StateRepository = (*StateRepoImpl)(nil)

// NewStateRepo creates a new instance of StateRepoImpl. A zero ttl keeps the
// snapshot until it is cleared.
func NewStateRepo(client *redis.Client, namespace string, ttl time.Duration) *StateRepoImpl {
	ns := strings.ToLower(strings.TrimSpace(namespace))
	if ns == "" {
		ns = "default"
	}
	return &StateRepoImpl{client: client, key: keyPrefix + ns + ":snapshot", ttl: ttl}
}

// Save replaces the stored snapshot atomically.
func (r *StateRepoImpl) Save(ctx context.Context, snap *entity.CrawlSnapshot) error {
	data, err := entity.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot to redis: %w", err)
	}
	return nil
}

// Load returns the stored snapshot.
func (r *StateRepoImpl) Load(ctx context.Context) (*entity.CrawlSnapshot, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot from redis: %w", err)
	}
	return entity.DecodeSnapshot(data)
}

// Clear removes the stored snapshot.
func (r *StateRepoImpl) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}
