package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
driver = "sqlite"
dsn = "file:studymate.db"

[rag]
chunk_size = 500
chunk_overlap = 50
scope = "global"
`), 0o600))

	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("TOP_K_RESULTS", "7")
	t.Setenv("RAG_SNAPSHOT", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 500, cfg.RAG.ChunkSize)
	assert.Equal(t, 50, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 7, cfg.RAG.TopK)
	assert.False(t, cfg.RAG.Snapshot)
	assert.False(t, cfg.RAG.UserScoped())
	assert.Equal(t, 3000, cfg.RAG.ContextChars)
	assert.Equal(t, 10*time.Second, cfg.RAG.EmbedTimeout())
	assert.Empty(t, cfg.LLM.APIKey)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("LLM_EMBEDDING_PROVIDER=hash\nLLM_HASH_DIMENSION=128\n"), 0o600))

	t.Setenv("ENV_FILE", envPath)
	t.Setenv("CONFIG_FILE", filepath.Join(dir, "none.toml"))
	t.Cleanup(func() {
		_ = os.Unsetenv("LLM_EMBEDDING_PROVIDER")
		_ = os.Unsetenv("LLM_HASH_DIMENSION")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "hash", cfg.LLM.EmbeddingProvider)
	assert.Equal(t, 128, cfg.LLM.HashDimension)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"overlap not below size": func(c *Config) { c.RAG.ChunkOverlap = c.RAG.ChunkSize },
		"zero size":              func(c *Config) { c.RAG.ChunkSize = 0 },
		"zero top k":             func(c *Config) { c.RAG.TopK = 0 },
		"unknown scope":          func(c *Config) { c.RAG.Scope = "team" },
		"unknown driver":         func(c *Config) { c.Database.Driver = "oracle" },
		"unknown embedder":       func(c *Config) { c.LLM.EmbeddingProvider = "bert" },
		"async without queue":    func(c *Config) { c.RAG.AsyncIngest = true },
		"snapshot without redis": func(c *Config) { c.Redis.Enabled = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, defaultConfig().Validate())
}
