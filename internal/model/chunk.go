package model

import (
	"encoding/json"
	"time"
)

// Chunk stores a span of document text and, once computed, its embedding.
// Embedding is kept as a JSON array of float32 so every SQL driver can hold it.
type Chunk struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	DocumentID string    `gorm:"size:36;not null;index" json:"document_id"`
	ChunkIndex int       `gorm:"not null" json:"chunk_index"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	CharCount  int       `json:"char_count"`
	WordCount  int       `json:"word_count"`
	PageStart  int       `json:"page_start"`
	PageEnd    int       `json:"page_end"`
	Embedding  string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// EmbeddingVector returns the parsed embedding; nil when unset or unparsable.
func (c *Chunk) EmbeddingVector() []float32 {
	if c.Embedding == "" {
		return nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(c.Embedding), &v); err != nil {
		return nil
	}
	return v
}

// SetEmbedding stores the embedding as JSON.
func (c *Chunk) SetEmbedding(vec []float32) {
	if len(vec) == 0 {
		c.Embedding = ""
		return
	}
	b, _ := json.Marshal(vec)
	c.Embedding = string(b)
}

// HasEmbedding reports whether an embedding has been stored.
func (c *Chunk) HasEmbedding() bool {
	return len(c.EmbeddingVector()) > 0
}
