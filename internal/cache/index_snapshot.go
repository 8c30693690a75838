package cache

import (
	"context"
	"encoding/json"
	"fmt"

	redisv9 "github.com/redis/go-redis/v9"

	"studymate/internal/vectorindex"
)

const (
	DefaultSnapshotKey = "rag:index:vectors"
	scanBatch          = 1000
)

// IndexSnapshot mirrors the in-memory vector index into a redis hash of
// chunk id to vector, so a restart can reload it without reading every chunk
// from SQL.
type IndexSnapshot struct {
	client *redisv9.Client
	key    string
}

func NewIndexSnapshot(client *redisv9.Client, key string) *IndexSnapshot {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &IndexSnapshot{client: client, key: key}
}

func (s *IndexSnapshot) Put(ctx context.Context, entries []vectorindex.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(entries)*2)
	for _, e := range entries {
		payload, err := json.Marshal(e.Vector)
		if err != nil {
			return fmt.Errorf("marshal snapshot vector failed: %w", err)
		}
		values = append(values, e.ID, payload)
	}
	if err := s.client.HSet(ctx, s.key, values...).Err(); err != nil {
		return fmt.Errorf("redis write snapshot failed: %w", err)
	}
	return nil
}

func (s *IndexSnapshot) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, ids...).Err(); err != nil {
		return fmt.Errorf("redis delete snapshot entries failed: %w", err)
	}
	return nil
}

// Load reads every stored entry. Entries that fail to decode are skipped and
// counted in the second return value.
func (s *IndexSnapshot) Load(ctx context.Context) ([]vectorindex.Entry, int, error) {
	var (
		entries []vectorindex.Entry
		bad     int
		cursor  uint64
	)
	for {
		kv, next, err := s.client.HScan(ctx, s.key, cursor, "", scanBatch).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("redis scan snapshot failed: %w", err)
		}
		for i := 0; i+1 < len(kv); i += 2 {
			var vec []float32
			if err := json.Unmarshal([]byte(kv[i+1]), &vec); err != nil || len(vec) == 0 {
				bad++
				continue
			}
			entries = append(entries, vectorindex.Entry{ID: kv[i], Vector: vec})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return entries, bad, nil
}

func (s *IndexSnapshot) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis clear snapshot failed: %w", err)
	}
	return nil
}
