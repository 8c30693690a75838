package rag

import (
	"fmt"
	"strings"

	"studymate/internal/ai"
)

const systemPrompt = `You are StudyMate, an academic assistant that helps students understand their study materials.

Answer questions using ONLY the provided context from the student's documents.
Give clear, accurate and educational explanations and reference the sources you used, with page numbers when available.
If the context does not contain enough information, say so plainly instead of guessing.`

func sourceTag(res SearchResult) string {
	src := res.Source
	if src == "" {
		src = res.Chunk.DocumentID
	}
	if res.Chunk.PageStart <= 0 {
		return fmt.Sprintf("[Source: %s]", src)
	}
	if res.Chunk.PageEnd > res.Chunk.PageStart {
		return fmt.Sprintf("[Source: %s, pages %d-%d]", src, res.Chunk.PageStart, res.Chunk.PageEnd)
	}
	return fmt.Sprintf("[Source: %s, page %d]", src, res.Chunk.PageStart)
}

func generateRequest(question, window string, history []Exchange, cfg AssemblerConfig) ai.GenerateRequest {
	return ai.GenerateRequest{
		System:      systemPrompt,
		Prompt:      buildPrompt(question, window, history),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

func buildPrompt(question, window string, history []Exchange) string {
	var b strings.Builder
	b.WriteString("Context from study materials:\n")
	b.WriteString(window)
	b.WriteString("\n")

	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	if len(history) > 0 {
		b.WriteString("\nPrevious conversation:\n")
		for _, ex := range history {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", ex.Question, ex.Answer)
		}
	}

	fmt.Fprintf(&b, "\nCurrent question: %s\n\nPlease provide a comprehensive answer based on the context above:", strings.TrimSpace(question))
	return b.String()
}
