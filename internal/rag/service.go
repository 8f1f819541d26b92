// Package rag answers questions with retrieval-augmented generation: the
// question is embedded, the closest knowledge documents are pulled from the
// store and handed to the model together with the caller's system prompt.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/jackbot/internal/config"
	"github.com/comigor/jackbot/internal/knowledge"
	"github.com/comigor/jackbot/internal/llm"
	"github.com/comigor/jackbot/internal/logger"
)

// DefaultNoAnswer is returned when the model produced no content.
const DefaultNoAnswer = "Sorry, I could not generate an answer."

const augmentedPrompt = `Here is information retrieved from the knowledge base that may be relevant:
---
%s
---
Relying strictly on this information and staying in character, answer the following question: %s`

var (
	// ErrNotReady means the service was built without a model client or store.
	ErrNotReady = errors.New("service not initialized")
	// ErrEmptyText is returned for blank questions and documents.
	ErrEmptyText = errors.New("text is required")
)

// Retriever is the document store the service reads from and writes to.
type Retriever interface {
	Add(ctx context.Context, doc knowledge.Document) error
	Search(ctx context.Context, query []float32, k int) ([]knowledge.Match, error)
}

// Service implements the ask and add-document operations.
type Service struct {
	client         llm.Client
	store          Retriever
	model          string
	embeddingModel string
	topK           int
}

// New creates a Service. A nil client or store leaves it answering ErrNotReady.
func New(client llm.Client, store Retriever, llmCfg config.LLMConfig, topK int) *Service {
	if topK <= 0 {
		topK = 3
	}
	return &Service{
		client:         client,
		store:          store,
		model:          llmCfg.Model,
		embeddingModel: llmCfg.EmbeddingModel,
		topK:           topK,
	}
}

// Ready reports whether both the model client and the store are available.
func (s *Service) Ready() bool {
	return s != nil && s.client != nil && s.store != nil
}

// AddDocument embeds text and stores it under id.
func (s *Service) AddDocument(ctx context.Context, id, text string) error {
	if !s.Ready() {
		return ErrNotReady
	}
	if strings.TrimSpace(id) == "" || strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	emb, err := s.embed(ctx, text)
	if err != nil {
		return err
	}
	if err := s.store.Add(ctx, knowledge.Document{ID: id, Text: text, Embedding: emb}); err != nil {
		return err
	}
	logger.L.Info("document added", "id", id)
	return nil
}

// Ask answers text using the retrieved context and systemPrompt.
func (s *Service) Ask(ctx context.Context, text, systemPrompt string) (string, error) {
	if !s.Ready() {
		return "", ErrNotReady
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}

	logger.L.Info("retrieving documents", "question", text)
	emb, err := s.embed(ctx, text)
	if err != nil {
		return "", err
	}
	matches, err := s.store.Search(ctx, emb, s.topK)
	if err != nil {
		return "", fmt.Errorf("search documents: %w", err)
	}
	docs := make([]string, 0, len(matches))
	for _, m := range matches {
		docs = append(docs, m.Text)
	}
	retrieved := strings.Join(docs, "\n")
	logger.L.Debug("context found", "documents", len(docs), "context", retrieved)

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: fmt.Sprintf(augmentedPrompt, retrieved, text),
	})

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	answer := DefaultNoAnswer
	if len(resp.Choices) > 0 && resp.Choices[0].Message.Content != "" {
		answer = resp.Choices[0].Message.Content
	}
	logger.L.Info("answer generated", "answer", answer)
	return answer, nil
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(s.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("embed text: empty embedding")
	}
	return resp.Data[0].Embedding, nil
}
