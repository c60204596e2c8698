package services

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"go.uber.org/zap"
)

// Session represents the conversational context held on behalf of one conversation. Send forwards a single
// user message and returns the streamed reply.
type Session interface {
	Send(ctx context.Context, text string) (*Stream, error)
}

// LLM represents a stateless chat completion API. It accepts a context and the full conversation,
// returning an iterator that yields reply fragments and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Fragment, error]
}

// LLMParameters holds the optional sampling parameters forwarded to the providers. A nil field leaves the
// provider default in place.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	TopK        *int     `yaml:"topK"`
	MaxTokens   *int     `yaml:"maxTokens"`
	Stop        []string `yaml:"stop"`
	Seed        *int     `yaml:"seed"`
}

// HistorySession implements Session on top of a stateless LLM by keeping the conversation history
// locally. A turn is added to the history only after its reply streamed to completion, so a failed
// reply leaves the context as it was before the message was sent.
type HistorySession struct {
	provider string
	llm      LLM

	mu      sync.Mutex
	history []models.Message

	logger *zap.Logger
}

// NewHistorySession creates a session for provider that starts from the given history.
func NewHistorySession(provider string, llm LLM, history []models.Message, logger *zap.Logger) *HistorySession {
	return &HistorySession{
		provider: provider,
		llm:      llm,
		history:  slices.Clone(history),
		logger:   logger.With(zap.String("module", "session"), zap.String("provider", provider)),
	}
}

// Send implements Session.
func (s *HistorySession) Send(ctx context.Context, text string) (*Stream, error) {
	if s == nil || s.llm == nil {
		return nil, chaterrors.NewInvalidArgumentError("chat session is not initialized")
	}
	if strings.TrimSpace(text) == "" {
		return nil, chaterrors.NewInvalidArgumentError("message text cannot be empty")
	}

	userMsg := models.Message{
		Role:      models.RoleUser,
		Text:      text,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	msgs := append(slices.Clone(s.history), userMsg)
	s.mu.Unlock()

	s.logger.Debug("Streaming chat response", zap.Int("historyLength", len(msgs)-1))

	stream := NewStream(s.provider, s.llm.Chat(ctx, msgs))
	stream.onFinish = func(reply string, err error) {
		if err != nil {
			s.logger.Debug("Reply failed, history left unchanged", zap.Error(err))
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.history = append(s.history, userMsg, models.Message{
			Role:      models.RoleBot,
			Text:      reply,
			Timestamp: time.Now(),
		})
	}
	return stream, nil
}

// chatRole maps the roles of this application to the "assistant" vocabulary used by the stateless APIs.
func chatRole(role models.Role) string {
	if role == models.RoleBot {
		return "assistant"
	}
	return string(role)
}

// conversational drops the application's own notices, which are never part of the model's context.
func conversational(messages []models.Message) []models.Message {
	return slices.DeleteFunc(slices.Clone(messages), func(m models.Message) bool {
		return m.Role == models.RoleSystem
	})
}
