package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/aikb/aikb/engine/knowledge"
)

const redisMGetBatch = 500

// RedisCollection stores each chunk as a JSON string and keeps id sets per
// parent plus one global set:
//
//	{prefix}:chunk:{id}       chunk JSON
//	{prefix}:parent:{parent}  set of chunk ids
//	{prefix}:chunks           set of all chunk ids
type RedisCollection struct {
	client redis.UniversalClient
	prefix string
}

var _ Collection = (*RedisCollection)(nil)

func NewRedisCollection(client redis.UniversalClient, prefix string) (*RedisCollection, error) {
	if client == nil {
		return nil, errors.New("chunkstore: redis client is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "aikb"
	}
	return &RedisCollection{client: client, prefix: prefix}, nil
}

func (r *RedisCollection) chunkKey(id string) string {
	return r.prefix + ":chunk:" + id
}

func (r *RedisCollection) parentKey(parentID string) string {
	return r.prefix + ":parent:" + parentID
}

func (r *RedisCollection) allKey() string {
	return r.prefix + ":chunks"
}

// EnsureSchema only checks connectivity; redis needs no schema.
func (r *RedisCollection) EnsureSchema(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisCollection) Put(ctx context.Context, chunk *knowledge.Chunk) error {
	return r.PutMany(ctx, []*knowledge.Chunk{chunk})
}

func (r *RedisCollection) PutMany(ctx context.Context, chunks []*knowledge.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	previous, err := r.getMany(ctx, chunkIDs(chunks))
	if err != nil {
		return err
	}
	oldParent := make(map[string]string, len(previous))
	for _, c := range previous {
		oldParent[c.ID] = c.ParentID
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range chunks {
			payload, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encode chunk %s: %w", c.ID, err)
			}
			if old, ok := oldParent[c.ID]; ok && old != c.ParentID {
				pipe.SRem(ctx, r.parentKey(old), c.ID)
			}
			pipe.Set(ctx, r.chunkKey(c.ID), payload, 0)
			pipe.SAdd(ctx, r.parentKey(c.ParentID), c.ID)
			pipe.SAdd(ctx, r.allKey(), c.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (r *RedisCollection) Get(ctx context.Context, id string) (*knowledge.Chunk, error) {
	raw, err := r.client.Get(ctx, r.chunkKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", id, err)
	}
	return decodeChunk(raw)
}

func (r *RedisCollection) Delete(ctx context.Context, id string) (bool, error) {
	existing, err := r.Get(ctx, id)
	if err != nil || existing == nil {
		return false, err
	}
	var del *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.chunkKey(id))
		pipe.SRem(ctx, r.parentKey(existing.ParentID), id)
		pipe.SRem(ctx, r.allKey(), id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete %s: %w", id, err)
	}
	return del.Val() > 0, nil
}

func (r *RedisCollection) DeleteByParent(ctx context.Context, parentID string) (int, error) {
	ids, err := r.client.SMembers(ctx, r.parentKey(parentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis members %s: %w", parentID, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = r.chunkKey(id)
		members[i] = id
	}
	var del *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		pipe.SRem(ctx, r.allKey(), members...)
		pipe.Del(ctx, r.parentKey(parentID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis delete parent %s: %w", parentID, err)
	}
	return int(del.Val()), nil
}

func (r *RedisCollection) Find(ctx context.Context, query CollectionQuery) ([]*knowledge.Chunk, error) {
	var (
		ids []string
		err error
	)
	if len(query.ParentIDs) > 0 {
		keys := make([]string, len(query.ParentIDs))
		for i, p := range query.ParentIDs {
			keys[i] = r.parentKey(p)
		}
		ids, err = r.client.SUnion(ctx, keys...).Result()
	} else {
		ids, err = r.client.SMembers(ctx, r.allKey()).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis find: %w", err)
	}
	chunks, err := r.getMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	matches := chunks[:0]
	for _, c := range chunks {
		if matchesQuery(c, query) {
			matches = append(matches, c)
		}
	}
	return limitChunks(matches, query.Limit), nil
}

func (r *RedisCollection) Close(context.Context) error {
	return nil
}

// getMany loads chunks in MGET batches, skipping ids whose key is gone.
func (r *RedisCollection) getMany(ctx context.Context, ids []string) ([]*knowledge.Chunk, error) {
	out := make([]*knowledge.Chunk, 0, len(ids))
	for start := 0; start < len(ids); start += redisMGetBatch {
		end := min(start+redisMGetBatch, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, r.chunkKey(id))
		}
		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget: %w", err)
		}
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			c, err := decodeChunk([]byte(s))
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func decodeChunk(raw []byte) (*knowledge.Chunk, error) {
	var c knowledge.Chunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	return &c, nil
}

func chunkIDs(chunks []*knowledge.Chunk) []string {
	ids := make([]string, len(chunks))
	for i := range chunks {
		ids[i] = chunks[i].ID
	}
	return ids
}
