package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocumentStatus_CanTransition(t *testing.T) {
	assert.True(t, DocumentUploaded.CanTransition(DocumentProcessing))
	assert.True(t, DocumentUploaded.CanTransition(DocumentFailed))
	assert.True(t, DocumentProcessing.CanTransition(DocumentProcessed))
	assert.True(t, DocumentProcessing.CanTransition(DocumentFailed))

	assert.False(t, DocumentUploaded.CanTransition(DocumentProcessed))
	assert.False(t, DocumentProcessing.CanTransition(DocumentUploaded))
	for _, terminal := range []DocumentStatus{DocumentProcessed, DocumentFailed} {
		assert.True(t, terminal.Terminal())
		for _, next := range []DocumentStatus{DocumentUploaded, DocumentProcessing, DocumentProcessed, DocumentFailed} {
			assert.False(t, terminal.CanTransition(next))
		}
	}
}

func TestChunk_Embedding(t *testing.T) {
	var c Chunk
	assert.Nil(t, c.EmbeddingVector())
	assert.False(t, c.HasEmbedding())

	c.SetEmbedding([]float32{0.25, -1.5})
	assert.Equal(t, []float32{0.25, -1.5}, c.EmbeddingVector())
	assert.True(t, c.HasEmbedding())

	c.Embedding = "not json"
	assert.Nil(t, c.EmbeddingVector())
}
