package source

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis keeps markdown at {prefix}:markdown:{parentID} and the id set at
// {prefix}:markdown_ids.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var _ MarkdownSource = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, prefix string) (*Redis, error) {
	if client == nil {
		return nil, errors.New("source: redis client is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "aikb"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) key(parentID string) string {
	return r.prefix + ":markdown:" + parentID
}

func (r *Redis) idsKey() string {
	return r.prefix + ":markdown_ids"
}

func (r *Redis) GetMarkdown(ctx context.Context, parentID string) (string, bool, error) {
	md, err := r.client.Get(ctx, r.key(parentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("source: get markdown %s: %w", parentID, err)
	}
	return md, true, nil
}

func (r *Redis) SaveMarkdown(ctx context.Context, parentID string, markdown string) error {
	if err := validateParentID("save_markdown", parentID); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(parentID), markdown, 0)
		pipe.SAdd(ctx, r.idsKey(), parentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("source: save markdown %s: %w", parentID, err)
	}
	return nil
}

func (r *Redis) ListParentIDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("source: list parents: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
