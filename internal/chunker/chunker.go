// Package chunker splits extracted page text into overlapping, size-bounded
// chunks that end on sentence boundaries where possible.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"studymate/internal/pkg/pdfextract"
)

// DefaultSlack is the fraction of the chunk size a window end may move to
// reach a sentence boundary.
const DefaultSlack = 0.2

const pageSeparator = "\n\n"

// ErrInvalidChunkParameters is returned for a non-positive size or an overlap
// outside [0, size).
var ErrInvalidChunkParameters = errors.New("invalid chunk parameters")

// Chunk is one span of document text. Offsets are rune positions in the
// page-joined text.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Text       string
	CharCount  int
	WordCount  int
	PageStart  int
	PageEnd    int
	Start      int
	End        int
}

// Chunker is safe for concurrent use.
type Chunker struct {
	size    int
	overlap int
	slack   int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithSlack sets the boundary search slack as a fraction of the chunk size.
func WithSlack(fraction float64) Option {
	return func(c *Chunker) {
		if fraction >= 0 && fraction < 1 {
			c.slack = int(float64(c.size) * fraction)
		}
	}
}

// New returns a Chunker producing windows of size runes that overlap by
// overlap runes.
func New(size, overlap int, opts ...Option) (*Chunker, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidChunkParameters, size, overlap)
	}
	c := &Chunker{
		size:    size,
		overlap: overlap,
		slack:   int(float64(size) * DefaultSlack),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ChunkID is the stable identifier of the index-th chunk of a document.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s#%05d", documentID, index)
}

// Split cuts the pages into chunks. The result depends only on its inputs and
// the chunker parameters.
func (c *Chunker) Split(documentID string, pages []pdfextract.Page) []Chunk {
	text, layout := join(pages)
	n := len(text)
	if n == 0 {
		return nil
	}

	step := c.size - c.overlap
	var chunks []Chunk
	for start := 0; start < n; {
		end := start + c.size
		if end >= n {
			end = n
		} else {
			end = c.boundary(text, layout, start, end)
		}

		if ch, ok := c.build(documentID, len(chunks), text, layout, start, end); ok {
			chunks = append(chunks, ch)
		}
		if end == n {
			break
		}

		next := end - c.overlap
		if next <= start {
			next = start + step
		}
		start = next
	}
	return chunks
}

// boundary moves a hard window end to the nearest sentence boundary within
// the slack, preferring the earlier one on a tie.
func (c *Chunker) boundary(text []rune, layout pageLayout, start, hard int) int {
	lo := hard - c.slack
	if lo <= start {
		lo = start + 1
	}
	hi := hard + c.slack
	if hi > len(text) {
		hi = len(text)
	}

	for d := 0; hard-d >= lo || hard+d <= hi; d++ {
		if p := hard - d; p >= lo && isBoundary(text, layout, p) {
			return p
		}
		if p := hard + d; d > 0 && p <= hi && isBoundary(text, layout, p) {
			return p
		}
	}
	return hard
}

// isBoundary reports whether a cut before position p ends a sentence.
func isBoundary(text []rune, layout pageLayout, p int) bool {
	if p <= 0 || p >= len(text) {
		return p == len(text)
	}
	if layout.isPageStart(p) {
		return true
	}
	switch text[p-1] {
	case '.', '!', '?':
		return unicode.IsSpace(text[p])
	}
	return false
}

func (c *Chunker) build(documentID string, index int, text []rune, layout pageLayout, start, end int) (Chunk, bool) {
	for start < end && unicode.IsSpace(text[start]) {
		start++
	}
	for end > start && unicode.IsSpace(text[end-1]) {
		end--
	}
	if start == end {
		return Chunk{}, false
	}
	body := string(text[start:end])
	return Chunk{
		ID:         ChunkID(documentID, index),
		DocumentID: documentID,
		Index:      index,
		Text:       body,
		CharCount:  end - start,
		WordCount:  len(strings.Fields(body)),
		PageStart:  layout.pageAt(start),
		PageEnd:    layout.pageAt(end - 1),
		Start:      start,
		End:        end,
	}, true
}

// pageLayout records where each page begins in the joined text.
type pageLayout struct {
	starts  []int
	numbers []int
}

func join(pages []pdfextract.Page) ([]rune, pageLayout) {
	var (
		b      strings.Builder
		layout pageLayout
		offset int
	)
	for _, p := range pages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		if len(layout.starts) > 0 {
			b.WriteString(pageSeparator)
			offset += len([]rune(pageSeparator))
		}
		layout.starts = append(layout.starts, offset)
		layout.numbers = append(layout.numbers, p.Number)
		b.WriteString(p.Text)
		offset += len([]rune(p.Text))
	}
	return []rune(b.String()), layout
}

func (l pageLayout) pageAt(pos int) int {
	page := 0
	for i, s := range l.starts {
		if s > pos {
			break
		}
		page = l.numbers[i]
	}
	return page
}

func (l pageLayout) isPageStart(pos int) bool {
	if len(l.starts) < 2 {
		return false
	}
	for _, s := range l.starts[1:] {
		if s == pos {
			return true
		}
		if s > pos {
			return false
		}
	}
	return false
}
