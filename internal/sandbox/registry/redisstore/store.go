// Package redisstore is the networked registry.Registry. Several orchestrator
// and relay processes can share one Redis server.
//
// Layout:
//
//	instance/{id}   JSON document of the record (metadata excluded)
//	external_ids    hash external id -> instance id
//	expiries        sorted set of instance ids scored by expires_at
//	metadata/{id}   hash of metadata entries
//
// Every mutation runs inside WATCH + MULTI/EXEC so concurrent writers from
// different processes cannot interleave. Keys carry no hash tag, so the
// store needs a single-node (or sentinel) deployment rather than a cluster.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry"
)

const (
	externalIDsKey = "external_ids"
	expiriesKey    = "expiries"

	// maxTxAttempts bounds optimistic retries when a watched key changes.
	maxTxAttempts = 50
)

var _ registry.Registry = (*Store)(nil)

// Store implements registry.Registry on top of a redis.UniversalClient.
type Store struct {
	client redis.UniversalClient
}

// New wraps an existing client. The store owns it and closes it in Close.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open connects to redisURL and verifies the server answers.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	client, err := NewUniversalClient(redisURL)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func instanceKey(id string) string { return "instance/" + id }
func metadataKey(id string) string { return "metadata/" + id }

// watch runs fn under WATCH on keys, retrying while another client wins the
// race for them.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range maxTxAttempts {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("redis transaction on %v: too much contention", keys)
}

func (s *Store) Register(ctx context.Context, inst *instance.Instance) error {
	doc := inst.Clone()
	meta := doc.Metadata
	doc.Metadata = nil

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.InstanceID, err)
	}

	iKey := instanceKey(inst.InstanceID)
	mKey := metadataKey(inst.InstanceID)

	err = s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, iKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return instance.ErrAlreadyExists
		}
		taken, err := tx.HExists(ctx, externalIDsKey, inst.ExternalID).Result()
		if err != nil {
			return err
		}
		if taken {
			return instance.ErrAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, iKey, payload, 0)
			pipe.HSet(ctx, externalIDsKey, inst.ExternalID, inst.InstanceID)
			pipe.ZAdd(ctx, expiriesKey, &redis.Z{Score: float64(inst.ExpiresAt), Member: inst.InstanceID})
			pipe.Del(ctx, mKey)
			if len(meta) > 0 {
				pipe.HSet(ctx, mKey, flatten(meta)...)
			}
			return nil
		})
		return err
	}, iKey, mKey, externalIDsKey)
	if err != nil {
		return fmt.Errorf("register %s: %w", inst.InstanceID, err)
	}
	return nil
}

func (s *Store) Unregister(ctx context.Context, instanceID string) (*instance.Instance, error) {
	iKey := instanceKey(instanceID)
	mKey := metadataKey(instanceID)

	var removed *instance.Instance
	err := s.watch(ctx, func(tx *redis.Tx) error {
		removed = nil
		inst, err := load(ctx, tx, instanceID)
		if errors.Is(err, instance.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, iKey, mKey)
			pipe.HDel(ctx, externalIDsKey, inst.ExternalID)
			pipe.ZRem(ctx, expiriesKey, instanceID)
			return nil
		})
		if err == nil {
			removed = inst
		}
		return err
	}, iKey, mKey)
	if err != nil {
		return nil, fmt.Errorf("unregister %s: %w", instanceID, err)
	}
	return removed, nil
}

func (s *Store) Get(ctx context.Context, instanceID string) (*instance.Instance, error) {
	return load(ctx, s.client, instanceID)
}

func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*instance.Instance, error) {
	id, err := s.client.HGet(ctx, externalIDsKey, externalID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, instance.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve external id: %w", err)
	}
	return load(ctx, s.client, id)
}

func (s *Store) GetExpired(ctx context.Context, now time.Time) ([]*instance.Instance, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiriesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query expired: %w", err)
	}
	return s.loadAll(ctx, ids)
}

func (s *Store) UpdateMetadata(ctx context.Context, instanceID string, patch map[string]string) error {
	iKey := instanceKey(instanceID)
	mKey := metadataKey(instanceID)

	err := s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, iKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return instance.ErrNotFound
		}
		if len(patch) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, mKey, flatten(patch)...)
			return nil
		})
		return err
	}, iKey)
	if err != nil {
		return fmt.Errorf("update metadata %s: %w", instanceID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*instance.Instance, error) {
	ids, err := s.client.ZRange(ctx, expiriesKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return s.loadAll(ctx, ids)
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, expiriesKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return int(n), nil
}

// loadAll skips ids whose record disappeared between the index read and the
// document read.
func (s *Store) loadAll(ctx context.Context, ids []string) ([]*instance.Instance, error) {
	out := make([]*instance.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := load(ctx, s.client, id)
		if errors.Is(err, instance.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// reader is satisfied by both the client and a watched *redis.Tx.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
}

func load(ctx context.Context, c reader, instanceID string) (*instance.Instance, error) {
	payload, err := c.Get(ctx, instanceKey(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, instance.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read instance %s: %w", instanceID, err)
	}

	var inst instance.Instance
	if err := json.Unmarshal(payload, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", instanceID, err)
	}

	meta, err := c.HGetAll(ctx, metadataKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", instanceID, err)
	}
	inst.Metadata = meta
	return &inst, nil
}

func flatten(m map[string]string) []interface{} {
	out := make([]interface{}, 0, 2*len(m))
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}
