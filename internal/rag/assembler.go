package rag

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	DefaultContextChars    = 3000
	DefaultMaxTokens       = 512
	DefaultTemperature     = 0.7
	DefaultGenerateTimeout = 60 * time.Second

	previewChars   = 200
	historyTurns   = 3
	contextDivider = "\n---\n"
)

const (
	NoInformationAnswer = "I couldn't find relevant information in your documents to answer this question. " +
		"Please try rephrasing your question or upload more relevant materials."
	GenerationFailedAnswer = "The answer service is temporarily unavailable, so no answer could be generated. " +
		"Please try again in a moment."
	RetrievalFailedAnswer = "Your documents could not be searched right now. Please try again in a moment."
)

// Confidence weights. The score is a heuristic, not a probability.
const (
	similarityWeight = 75.0
	supportWeight    = 25.0
	truncationFactor = 0.85
)

type AssemblerConfig struct {
	ContextChars    int
	MaxTokens       int
	Temperature     float64
	GenerateTimeout time.Duration
}

type Assembler struct {
	generator Generator
	cfg       AssemblerConfig
	logger    *zap.Logger
}

func NewAssembler(generator Generator, cfg AssemblerConfig, logger *zap.Logger) *Assembler {
	if cfg.ContextChars <= 0 {
		cfg.ContextChars = DefaultContextChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = DefaultGenerateTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{generator: generator, cfg: cfg, logger: logger}
}

// Answer builds the context window from results in rank order, asks the
// generator, and scores the outcome. It never returns an error: provider
// failures come back as an Answer with Error set.
func (a *Assembler) Answer(ctx context.Context, question string, results []SearchResult, history ...Exchange) Answer {
	window, used := BuildContext(results, a.cfg.ContextChars)
	if len(used) == 0 {
		return Answer{Text: NoInformationAnswer, Citations: []Citation{}}
	}

	genCtx, cancel := context.WithTimeout(ctx, a.cfg.GenerateTimeout)
	defer cancel()
	out, err := a.generator.Generate(genCtx, generateRequest(question, window, history, a.cfg))
	if err != nil {
		a.logger.Warn("generate answer failed", zap.Error(err))
		return Answer{Text: GenerationFailedAnswer, Citations: []Citation{}, Error: true}
	}

	return Answer{
		Text:       strings.TrimSpace(out.Text),
		Citations:  Citations(used),
		Confidence: Confidence(used[0].Score, len(used), out.Truncated),
		Truncated:  out.Truncated,
	}
}

// BuildContext joins whole chunks in rank order while they fit in budget
// characters and returns the joined text with the results it used. It stops
// at the first chunk that does not fit. The top chunk is always kept, even
// when it alone exceeds the budget.
func BuildContext(results []SearchResult, budget int) (string, []SearchResult) {
	var (
		parts []string
		used  []SearchResult
		size  int
	)
	for _, res := range results {
		block := contextBlock(res)
		n := utf8.RuneCountInString(block)
		if len(used) > 0 && size+n > budget {
			break
		}
		parts = append(parts, block)
		used = append(used, res)
		size += n
	}
	return strings.Join(parts, contextDivider), used
}

func contextBlock(res SearchResult) string {
	return strings.TrimSpace(res.Chunk.Content) + "\n" + sourceTag(res) + "\n"
}

// Confidence maps the top similarity, the number of context chunks and the
// truncation flag onto [0, 100]. It is monotonic in each input.
func Confidence(top float64, n int, truncated bool) float64 {
	if n <= 0 {
		return 0
	}
	top = math.Max(0, math.Min(1, top))
	c := similarityWeight*top + supportWeight*(1-math.Pow(0.5, float64(n)))
	if truncated {
		c *= truncationFactor
	}
	return math.Max(0, math.Min(100, c))
}

// Citations lists the results once per (document, first page) pair, in
// order. A duplicate that reaches further widens the cited page span.
func Citations(used []SearchResult) []Citation {
	type key struct {
		doc  string
		page int
	}
	seen := make(map[key]int, len(used))
	out := make([]Citation, 0, len(used))
	for _, res := range used {
		end := res.Chunk.PageEnd
		if end < res.Chunk.PageStart {
			end = res.Chunk.PageStart
		}
		k := key{doc: res.Chunk.DocumentID, page: res.Chunk.PageStart}
		if at, ok := seen[k]; ok {
			if end > out[at].PageEnd {
				out[at].PageEnd = end
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, Citation{
			ChunkID:    res.Chunk.ID,
			DocumentID: res.Chunk.DocumentID,
			Source:     res.Source,
			Page:       res.Chunk.PageStart,
			PageEnd:    end,
			Score:      res.Score,
			Preview:    preview(res.Chunk.Content),
		})
	}
	return out
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= previewChars {
		return text
	}
	return string([]rune(text)[:previewChars]) + "..."
}
