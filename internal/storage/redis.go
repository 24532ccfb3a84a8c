package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dreamware/relaydb/internal/cluster"
)

// RedisStore implements Store on Redis. Every record is a JSON string
// written with SETNX, which gives insert-if-absent for free; a sorted set
// per kind indexes ids by creation time for List and Count.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds connection settings for RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	Prefix   string
	DB       int
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStore(client, cfg.Prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "relaydb"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) recordKey(kind, id string) string {
	return fmt.Sprintf("%s:%s:rec:%s", s.prefix, kind, id)
}

func (s *RedisStore) indexKey(kind string) string {
	return fmt.Sprintf("%s:%s:idx", s.prefix, kind)
}

func (s *RedisStore) nodesKey() string {
	return s.prefix + ":nodes"
}

// Insert stores rec, failing with ErrExists on a duplicate id.
func (s *RedisStore) Insert(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	created, err := s.client.SetNX(ctx, s.recordKey(rec.Kind, rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store record %s: %w", rec.ID, err)
	}
	// ZADD NX also repairs the index if an earlier insert died between
	// the two commands.
	if err := s.client.ZAddNX(ctx, s.indexKey(rec.Kind), redis.Z{
		Score:  float64(rec.CreatedAt.UnixMilli()),
		Member: rec.ID,
	}).Err(); err != nil {
		return fmt.Errorf("index record %s: %w", rec.ID, err)
	}
	if !created {
		return ErrExists
	}
	return nil
}

// InsertIfAbsent is Insert with duplicates treated as a successful no-op.
func (s *RedisStore) InsertIfAbsent(ctx context.Context, rec Record) (bool, error) {
	err := s.Insert(ctx, rec)
	if err == ErrExists {
		return false, nil
	}
	return err == nil, err
}

// Get returns the record or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, kind, id string) (Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(kind, id)).Bytes()
	if err == redis.Nil {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return rec, nil
}

// List returns up to limit records of kind, newest first.
func (s *RedisStore) List(ctx context.Context, kind string, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(kind), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(kind, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", ids[i], err)
		}
		records = append(records, rec)
	}
	SortNewest(records)
	return records, nil
}

// Count returns the number of records of kind.
func (s *RedisStore) Count(ctx context.Context, kind string) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey(kind)).Result()
	return int(n), err
}

// SaveNode persists a directory entry in a hash keyed by node id.
func (s *RedisStore) SaveNode(ctx context.Context, node cluster.NodeInfo) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.nodesKey(), node.ID, data).Err()
}

// LoadNodes returns every persisted directory entry.
func (s *RedisStore) LoadNodes(ctx context.Context) ([]cluster.NodeInfo, error) {
	entries, err := s.client.HGetAll(ctx, s.nodesKey()).Result()
	if err != nil {
		return nil, err
	}
	nodes := make([]cluster.NodeInfo, 0, len(entries))
	for id, data := range entries {
		var n cluster.NodeInfo
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", id, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
