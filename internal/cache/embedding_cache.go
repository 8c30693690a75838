package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// EmbeddingCache keeps query embeddings in redis so repeated questions skip
// the embedding provider. Keys are namespaced by model, since vectors from
// different models are not comparable.
type EmbeddingCache struct {
	client *redisv9.Client
	model  string
	ttl    time.Duration
	logger *zap.Logger
}

func NewEmbeddingCache(client *redisv9.Client, model string, ttl time.Duration, logger *zap.Logger) *EmbeddingCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingCache{
		client: client,
		model:  model,
		ttl:    ttl,
		logger: logger,
	}
}

// Lookup returns the cached vector for text, if any.
func (c *EmbeddingCache) Lookup(ctx context.Context, text string) ([]float32, bool, error) {
	raw, err := c.client.Get(ctx, c.key(text)).Bytes()
	if err == redisv9.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get embedding failed: %w", err)
	}

	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached embedding failed: %w", err)
	}
	return vec, len(vec) > 0, nil
}

func (c *EmbeddingCache) Store(ctx context.Context, text string, vec []float32) error {
	payload, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding cache failed: %w", err)
	}
	if err := c.client.Set(ctx, c.key(text), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set embedding failed: %w", err)
	}
	return nil
}

// Get is Lookup with failures logged and reported as a miss.
func (c *EmbeddingCache) Get(ctx context.Context, text string) ([]float32, bool) {
	vec, ok, err := c.Lookup(ctx, text)
	if err != nil {
		c.logger.Warn("embedding cache lookup failed", zap.Error(err))
		return nil, false
	}
	return vec, ok
}

// Set is Store with failures logged.
func (c *EmbeddingCache) Set(ctx context.Context, text string, vec []float32) {
	if err := c.Store(ctx, text, vec); err != nil {
		c.logger.Warn("embedding cache store failed", zap.Error(err))
	}
}

func (c *EmbeddingCache) key(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return fmt.Sprintf("rag:embedding:%s:%s", c.model, hex.EncodeToString(sum[:16]))
}
