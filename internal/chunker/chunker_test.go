package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymate/internal/pkg/pdfextract"
)

func TestNew_InvalidParameters(t *testing.T) {
	cases := []struct {
		name          string
		size, overlap int
	}{
		{"zero size", 0, 0},
		{"negative size", -10, 0},
		{"overlap equals size", 100, 100},
		{"overlap exceeds size", 100, 150},
		{"negative overlap", 100, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := New(tc.size, tc.overlap)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidChunkParameters)
			assert.Nil(t, c)
		})
	}
}

func TestSplit_Empty(t *testing.T) {
	c, err := New(100, 20)
	require.NoError(t, err)

	assert.Empty(t, c.Split("doc", nil))
	assert.Empty(t, c.Split("doc", []pdfextract.Page{{Number: 1, Text: "   "}}))
}

func TestSplit_HardCutsWithOverlap(t *testing.T) {
	// 240 runes with no sentence punctuation: windows [0,100) [80,180) [160,240)
	text := strings.Repeat("abcd ", 48)
	require.Len(t, text, 240)

	c, err := New(100, 20)
	require.NoError(t, err)
	chunks := c.Split("doc-1", []pdfextract.Page{{Number: 1, Text: text}})

	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 80, chunks[1].Start)
	assert.Equal(t, 160, chunks[2].Start)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, ChunkID("doc-1", i), ch.ID)
		assert.Equal(t, "doc-1", ch.DocumentID)
		assert.LessOrEqual(t, ch.CharCount, 100)
		assert.Equal(t, 1, ch.PageStart)
	}
}

func TestSplit_EndsOnSentenceBoundary(t *testing.T) {
	// the first sentence ends at rune 90, within the 20% slack of 100
	first := strings.Repeat("a", 89) + "."
	second := " " + strings.Repeat("b", 60) + "."
	c, err := New(100, 10)
	require.NoError(t, err)

	chunks := c.Split("doc", []pdfextract.Page{{Number: 1, Text: first + second}})
	require.NotEmpty(t, chunks)
	assert.Equal(t, first, chunks[0].Text)
	assert.Equal(t, 90, chunks[0].End)
}

func TestSplit_HardCutWhenNoBoundaryInSlack(t *testing.T) {
	text := strings.Repeat("a", 50) + ". " + strings.Repeat("b", 200)
	c, err := New(100, 0)
	require.NoError(t, err)

	chunks := c.Split("doc", []pdfextract.Page{{Number: 1, Text: text}})
	require.NotEmpty(t, chunks)
	assert.Equal(t, 100, chunks[0].End)
}

func TestSplit_PageNumbers(t *testing.T) {
	pages := []pdfextract.Page{
		{Number: 1, Text: strings.Repeat("x", 60) + "."},
		{Number: 3, Text: strings.Repeat("y", 60) + "."},
	}
	c, err := New(70, 0)
	require.NoError(t, err)

	chunks := c.Split("doc", pages)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].PageStart)
	assert.Equal(t, 1, chunks[0].PageEnd)
	assert.Equal(t, 3, chunks[1].PageStart)
	assert.Equal(t, 3, chunks[1].PageEnd)
}

func TestSplit_ChunkSpanningPages(t *testing.T) {
	pages := []pdfextract.Page{
		{Number: 1, Text: "short intro"},
		{Number: 2, Text: "more words follow here"},
	}
	c, err := New(500, 50)
	require.NoError(t, err)

	chunks := c.Split("doc", pages)
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].PageStart)
	assert.Equal(t, 2, chunks[0].PageEnd)
	assert.Equal(t, 6, chunks[0].WordCount)
}

func TestSplit_Idempotent(t *testing.T) {
	pages := []pdfextract.Page{
		{Number: 1, Text: strings.Repeat("The quick brown fox jumps over the lazy dog. ", 30)},
		{Number: 2, Text: strings.Repeat("Pack my box with five dozen liquor jugs! ", 25)},
	}
	c, err := New(200, 40)
	require.NoError(t, err)

	a := c.Split("doc-42", pages)
	b := c.Split("doc-42", pages)
	require.NotEmpty(t, a)
	assert.Equal(t, a, b)

	other, err := New(200, 40)
	require.NoError(t, err)
	assert.Equal(t, a, other.Split("doc-42", pages))
}

func TestSplit_PreservesOrderAndCoversText(t *testing.T) {
	text := strings.Repeat("Sentence number one is here. ", 40)
	c, err := New(120, 30)
	require.NoError(t, err)

	chunks := c.Split("doc", []pdfextract.Page{{Number: 1, Text: text}})
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].Start, chunks[i-1].Start)
		assert.LessOrEqual(t, chunks[i].Start, chunks[i-1].End, "consecutive chunks must not leave gaps")
	}
	assert.Equal(t, len([]rune(strings.TrimSpace(text))), chunks[len(chunks)-1].End)
}

func TestChunkID_SortsNumerically(t *testing.T) {
	assert.Less(t, ChunkID("d", 2), ChunkID("d", 10))
	assert.Equal(t, "d#00007", ChunkID("d", 7))
}
