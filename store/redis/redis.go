package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/checkpointgo/store"
)

// RedisCheckpointStore implements store.CheckpointStore using Redis.
//
// Redis has no multi-key transactions across the shapes used here, so Put
// relies on write ordering instead: channel blobs are flushed in one
// pipeline before the checkpoint row and index entry go out in a second
// one. Readers verify that every referenced blob exists and fall back to
// an older checkpoint when one is missing.
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	serde  *store.Serde
}

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "checkpoint:"
	TTL      time.Duration // Expiration for all keys, default 0 (no expiration)
}

var _ store.CheckpointStore = (*RedisCheckpointStore)(nil)

// NewRedisCheckpointStore creates a new Redis checkpoint store
func NewRedisCheckpointStore(opts RedisOptions) *RedisCheckpointStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "checkpoint:"
	}

	return &RedisCheckpointStore{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
		serde:  store.NewSerde(),
	}
}

// Close closes the Redis connection
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

// fieldSep separates key segments that may themselves contain colons.
const fieldSep = "\x1f"

func (s *RedisCheckpointStore) checkpointKey(addr store.ThreadAddress, id string) string {
	return s.prefix + "cp" + fieldSep + addr.ThreadID + fieldSep + addr.Namespace + fieldSep + id
}

func (s *RedisCheckpointStore) indexKey(addr store.ThreadAddress) string {
	return s.prefix + "idx" + fieldSep + addr.ThreadID + fieldSep + addr.Namespace
}

func (s *RedisCheckpointStore) blobKey(addr store.ThreadAddress, channel, version string) string {
	return s.prefix + "blob" + fieldSep + addr.ThreadID + fieldSep + addr.Namespace + fieldSep + channel + fieldSep + version
}

func (s *RedisCheckpointStore) writesKey(addr store.ThreadAddress, checkpointID string) string {
	return s.prefix + "writes" + fieldSep + addr.ThreadID + fieldSep + addr.Namespace + fieldSep + checkpointID
}

// namespacesKey holds the set of namespaces seen for a thread, and
// registryKey the set of data keys written under one namespace. Both exist
// so DeleteThread can enumerate without SCAN patterns, which user-supplied
// thread ids would make ambiguous.
func (s *RedisCheckpointStore) namespacesKey(threadID string) string {
	return s.prefix + "ns" + fieldSep + threadID
}

func (s *RedisCheckpointStore) registryKey(addr store.ThreadAddress) string {
	return s.prefix + "keys" + fieldSep + addr.ThreadID + fieldSep + addr.Namespace
}

type checkpointRow struct {
	ParentID  string                   `json:"parent_id,omitempty"`
	Versions  map[string]string        `json:"channel_versions"`
	Metadata  store.CheckpointMetadata `json:"metadata"`
	CreatedAt time.Time                `json:"created_at"`
}

type writeRecord struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Index   int    `json:"idx"`
	Type    string `json:"type"`
	Data    []byte `json:"data"`
}

// Put stores a checkpoint. Blobs are flushed before the checkpoint row so
// a crash between the pipelines leaves orphan blobs, never a dangling row.
func (s *RedisCheckpointStore) Put(ctx context.Context, addr store.ThreadAddress, checkpoint *store.Checkpoint, metadata *store.CheckpointMetadata) (string, error) {
	encoded, err := s.serde.Encode(checkpoint.ChannelValues, checkpoint.ChannelVersions)
	if err != nil {
		return "", err
	}

	if checkpoint.ParentID != "" {
		exists, err := s.client.Exists(ctx, s.checkpointKey(addr, checkpoint.ParentID)).Result()
		if err != nil {
			return "", fmt.Errorf("failed to check parent checkpoint: %w", err)
		}
		if exists == 0 {
			return "", fmt.Errorf("put %s: %w: %s", addr, store.ErrParentNotFound, checkpoint.ParentID)
		}
	}

	blobPipe := s.client.Pipeline()
	for channel, enc := range encoded {
		data, err := json.Marshal(enc)
		if err != nil {
			return "", fmt.Errorf("failed to marshal blob for channel %q: %w", channel, err)
		}
		key := s.blobKey(addr, channel, enc.Version)
		blobPipe.Set(ctx, key, data, s.ttl)
		blobPipe.SAdd(ctx, s.registryKey(addr), key)
	}
	if _, err := blobPipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to save blobs to redis: %w", err)
	}

	createdAt := checkpoint.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var meta store.CheckpointMetadata
	if metadata != nil {
		meta = *metadata
	}
	rowData, err := json.Marshal(checkpointRow{
		ParentID:  checkpoint.ParentID,
		Versions:  checkpoint.ChannelVersions,
		Metadata:  meta,
		CreatedAt: createdAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	cpKey := s.checkpointKey(addr, checkpoint.ID)
	pipe := s.client.Pipeline()
	pipe.Set(ctx, cpKey, rowData, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(addr), redis.Z{Score: 0, Member: checkpoint.ID})
	pipe.SAdd(ctx, s.namespacesKey(addr.ThreadID), addr.Namespace)
	pipe.SAdd(ctx, s.registryKey(addr), cpKey)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.indexKey(addr), s.ttl)
		pipe.Expire(ctx, s.namespacesKey(addr.ThreadID), s.ttl)
		pipe.Expire(ctx, s.registryKey(addr), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to save checkpoint to redis: %w", err)
	}
	return checkpoint.ID, nil
}

// PutWrites upserts the pending writes of one task into the checkpoint's
// write hash.
func (s *RedisCheckpointStore) PutWrites(ctx context.Context, addr store.ThreadAddress, checkpointID, taskID string, writes []store.ChannelWrite) error {
	exists, err := s.client.Exists(ctx, s.checkpointKey(addr, checkpointID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check checkpoint: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("put writes %s: %w: %s", addr, store.ErrUnknownCheckpoint, checkpointID)
	}

	fields := make(map[string]any, len(writes))
	for i, w := range writes {
		typeTag, data, err := s.serde.EncodeChannel(w.Value)
		if err != nil {
			return fmt.Errorf("failed to encode write for channel %q: %w", w.Channel, err)
		}
		record, err := json.Marshal(writeRecord{
			TaskID:  taskID,
			Channel: w.Channel,
			Index:   i,
			Type:    typeTag,
			Data:    data,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal write for channel %q: %w", w.Channel, err)
		}
		field := taskID + fieldSep + w.Channel + fieldSep + strconv.Itoa(i)
		fields[field] = record
	}

	wKey := s.writesKey(addr, checkpointID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, wKey, fields)
	pipe.SAdd(ctx, s.registryKey(addr), wKey)
	if s.ttl > 0 {
		pipe.Expire(ctx, wKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save writes to redis: %w", err)
	}
	return nil
}

// GetTuple returns the requested or latest complete checkpoint with its
// pending writes.
func (s *RedisCheckpointStore) GetTuple(ctx context.Context, addr store.ThreadAddress, checkpointID string) (*store.CheckpointTuple, error) {
	if checkpointID != "" {
		row, err := s.loadRow(ctx, addr, checkpointID)
		if err != nil {
			return nil, err
		}
		tuple, err := s.buildTuple(ctx, addr, checkpointID, row, true)
		if err != nil {
			return nil, err
		}
		return tuple, nil
	}

	ids, err := s.idsNewestFirst(ctx, addr, "")
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		row, err := s.loadRow(ctx, addr, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // expired row still in the index
			}
			return nil, err
		}
		tuple, err := s.buildTuple(ctx, addr, id, row, false)
		if err != nil {
			return nil, err
		}
		if tuple != nil {
			return tuple, nil
		}
	}
	return nil, fmt.Errorf("get tuple %s: %w", addr, store.ErrNotFound)
}

// List returns checkpoint tuples newest first, paged by opts.
func (s *RedisCheckpointStore) List(ctx context.Context, addr store.ThreadAddress, opts store.ListOptions) ([]*store.CheckpointTuple, error) {
	ids, err := s.idsNewestFirst(ctx, addr, opts.Before)
	if err != nil {
		return nil, err
	}

	var tuples []*store.CheckpointTuple
	for _, id := range ids {
		row, err := s.loadRow(ctx, addr, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		tuple, err := s.buildTuple(ctx, addr, id, row, false)
		if err != nil {
			return nil, err
		}
		if tuple != nil {
			tuples = append(tuples, tuple)
			if opts.Limit > 0 && len(tuples) >= opts.Limit {
				break
			}
		}
	}
	return tuples, nil
}

// DeleteThread removes every key recorded for the thread, namespace by
// namespace.
func (s *RedisCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	namespaces, err := s.client.SMembers(ctx, s.namespacesKey(threadID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list namespaces: %w", err)
	}

	for _, ns := range namespaces {
		addr := store.ThreadAddress{ThreadID: threadID, Namespace: ns}
		keys, err := s.client.SMembers(ctx, s.registryKey(addr)).Result()
		if err != nil {
			return fmt.Errorf("failed to list keys for %s: %w", addr, err)
		}

		pipe := s.client.Pipeline()
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, s.indexKey(addr), s.registryKey(addr))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete namespace %s: %w", addr, err)
		}
	}

	return s.client.Del(ctx, s.namespacesKey(threadID)).Err()
}

func (s *RedisCheckpointStore) idsNewestFirst(ctx context.Context, addr store.ThreadAddress, before string) ([]string, error) {
	max := "+"
	if before != "" {
		max = "(" + before
	}
	ids, err := s.client.ZRevRangeByLex(ctx, s.indexKey(addr), &redis.ZRangeBy{Min: "-", Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint ids: %w", err)
	}
	return ids, nil
}

func (s *RedisCheckpointStore) loadRow(ctx context.Context, addr store.ThreadAddress, checkpointID string) (*checkpointRow, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(addr, checkpointID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("get tuple %s: %w: %s", addr, store.ErrNotFound, checkpointID)
		}
		return nil, fmt.Errorf("failed to load checkpoint from redis: %w", err)
	}

	var row checkpointRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &row, nil
}

// buildTuple assembles a tuple, verifying every referenced blob exists.
// Missing blobs are ErrIncomplete when strict, (nil, nil) otherwise.
func (s *RedisCheckpointStore) buildTuple(ctx context.Context, addr store.ThreadAddress, checkpointID string, row *checkpointRow, strict bool) (*store.CheckpointTuple, error) {
	channels := make(map[string]store.EncodedChannel, len(row.Versions))
	if len(row.Versions) > 0 {
		channelNames := make([]string, 0, len(row.Versions))
		keys := make([]string, 0, len(row.Versions))
		for channel, version := range row.Versions {
			channelNames = append(channelNames, channel)
			keys = append(keys, s.blobKey(addr, channel, version))
		}

		results, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to fetch blobs: %w", err)
		}
		for i, result := range results {
			if result == nil {
				if strict {
					return nil, fmt.Errorf("get tuple %s: %w: %s", addr, store.ErrIncomplete, checkpointID)
				}
				return nil, nil
			}
			strData, ok := result.(string)
			if !ok {
				continue
			}
			var enc store.EncodedChannel
			if err := json.Unmarshal([]byte(strData), &enc); err != nil {
				return nil, fmt.Errorf("failed to unmarshal blob: %w", err)
			}
			channels[channelNames[i]] = enc
		}
	}

	values, _ := s.serde.Decode(channels)

	pending, err := s.loadWrites(ctx, addr, checkpointID)
	if err != nil {
		return nil, err
	}

	metadata := row.Metadata
	return &store.CheckpointTuple{
		Address: addr,
		Checkpoint: &store.Checkpoint{
			ID:              checkpointID,
			ParentID:        row.ParentID,
			ChannelValues:   values,
			ChannelVersions: row.Versions,
			CreatedAt:       row.CreatedAt,
		},
		Metadata:      &metadata,
		PendingWrites: pending,
	}, nil
}

func (s *RedisCheckpointStore) loadWrites(ctx context.Context, addr store.ThreadAddress, checkpointID string) ([]store.PendingWrite, error) {
	fields, err := s.client.HGetAll(ctx, s.writesKey(addr, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending writes: %w", err)
	}

	var pending []store.PendingWrite
	for field, raw := range fields {
		var record writeRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal write %q: %w", strings.ReplaceAll(field, fieldSep, "/"), err)
		}
		value, err := s.serde.DecodeChannel(record.Channel, store.EncodedChannel{Type: record.Type, Data: record.Data})
		if err != nil {
			continue
		}
		pending = append(pending, store.PendingWrite{
			TaskID:  record.TaskID,
			Channel: record.Channel,
			Index:   record.Index,
			Value:   value,
		})
	}
	store.SortPendingWrites(pending)
	return pending, nil
}
