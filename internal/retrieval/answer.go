package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// NoAnswer is returned when no indexed chunk matches the question.
const NoAnswer = "I could not find an answer to that in the knowledge base."

const answerSystem = "You are a helpful assistant for call-center agents. Use the provided context to answer the question. If you cannot find the answer in the context, say so."

// Completer produces a plain-text reply to a prompt.
type Completer interface {
	Complete(ctx context.Context, stage types.Stage, system, prompt string) (string, error)
}

// TextSearcher finds the chunks nearest to a free-text query.
type TextSearcher interface {
	SearchText(ctx context.Context, text string, k int, f types.SearchFilter) ([]Hit, error)
}

type Source struct {
	DocumentID    uuid.UUID `json:"document_id"`
	DocumentTitle string    `json:"document_title"`
	Page          int       `json:"page"`
	ChunkNumber   int       `json:"chunk_number"`
	Content       string    `json:"content"`
	Similarity    float64   `json:"similarity"`
}

type Answer struct {
	Question string   `json:"question"`
	Text     string   `json:"answer"`
	Sources  []Source `json:"sources"`
}

// Answerer answers questions from the chunks retrieval returns for them.
type Answerer struct {
	search TextSearcher
	llm    Completer
	log    *logger.Logger
}

// NewAnswerer builds an answerer. Without an llm the best matching chunk is returned
// as the answer.
func NewAnswerer(search TextSearcher, llm Completer, log *logger.Logger) *Answerer {
	return &Answerer{search: search, llm: llm, log: log.Component("answer")}
}

func (a *Answerer) Answer(ctx context.Context, question string, k int, f types.SearchFilter) (Answer, error) {
	question = strings.TrimSpace(question)
	hits, err := a.search.SearchText(ctx, question, k, f)
	if err != nil {
		return Answer{}, err
	}

	ans := Answer{Question: question, Sources: make([]Source, len(hits))}
	for i, h := range hits {
		ans.Sources[i] = Source{
			DocumentID:    h.Chunk.DocumentID,
			DocumentTitle: h.DocumentTitle,
			Page:          h.Chunk.PageNumber,
			ChunkNumber:   h.Chunk.ChunkNumber,
			Content:       h.Chunk.Content,
			Similarity:    1 - h.Distance,
		}
	}
	if len(hits) == 0 {
		ans.Text = NoAnswer
		return ans, nil
	}
	if a.llm == nil {
		ans.Text = strings.TrimSpace(hits[0].Chunk.Content)
		return ans, nil
	}

	prompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", answerContext(hits), question)
	ans.Text, err = a.llm.Complete(ctx, types.StageAnswer, answerSystem, prompt)
	if err != nil {
		return Answer{}, fmt.Errorf("answer question: %w", err)
	}
	a.log.WithField("sources", len(hits)).Debug("question answered")
	return ans, nil
}

// answerContext lists each chunk under its document title and page.
func answerContext(hits []Hit) string {
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = fmt.Sprintf("Source: %s, Page: %d\n%s", h.DocumentTitle, h.Chunk.PageNumber, h.Chunk.Content)
	}
	return strings.Join(parts, "\n\n")
}
