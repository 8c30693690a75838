package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studymate/internal/app"
	"studymate/internal/config"
)

func loadLocalConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ENV_FILE", filepath.Join(dir, "none.env"))
	t.Setenv("CONFIG_FILE", filepath.Join(dir, "none.toml"))
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", ":memory:")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("RAG_SNAPSHOT", "false")
	t.Setenv("LLM_EMBEDDING_PROVIDER", "hash")
	t.Setenv("LLM_HASH_DIMENSION", "32")
	t.Setenv("CHUNK_SIZE", "200")
	t.Setenv("CHUNK_OVERLAP", "20")

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNew_LocalStack(t *testing.T) {
	cfg := loadLocalConfig(t)
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Nil(t, a.Redis)
	assert.Nil(t, a.MQConn)
	assert.Nil(t, a.IngestQueue())
	require.NoError(t, a.StartWorkers(context.Background()))

	res, err := a.RAG.Ingest(context.Background(), app.IngestInput{UserID: 1, Filename: "a.txt", Data: []byte("Enzymes lower activation energy.")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunkCount)

	stats, err := a.RAG.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 32, stats.Index.Dimension)
}
