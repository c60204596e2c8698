package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when the configuration does not name a model.
const DefaultGeminiModel = "gemini-2.5-pro-preview-06-05"

const geminiProvider = "gemini"

// Gemini owns a client for Google's Gemini API. The client is created once by NewGemini and shared by
// every session the value creates.
type Gemini struct {
	model     string
	params    LLMParameters
	grounding bool

	client *genai.Client

	logger *zap.Logger
}

// GeminiSession is a chat with the Gemini model. The conversation history is kept by the SDK chat
// object, which records a turn once its reply has been fully received.
type GeminiSession struct {
	chat *genai.Chat

	logger *zap.Logger
}

// NewGemini creates a Gemini client authenticated with apiKey. It returns a ConfigurationError if the key is
// empty or the client cannot be constructed. When grounding is set, replies may use Google Search and carry
// the sources they cite.
func NewGemini(
	ctx context.Context,
	apiKey, model string,
	params LLMParameters,
	grounding bool,
	logger *zap.Logger,
) (Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return Gemini{}, chaterrors.NewConfigurationError("API key is required to initialize the Gemini client")
	}
	if model == "" {
		model = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return Gemini{}, chaterrors.NewConfigurationError(fmt.Sprintf("failed to create Gemini client: %v", err))
	}

	logger = logger.With(zap.String("module", geminiProvider))
	logger.Info("Initialized Gemini client", zap.String("model", model))

	return Gemini{
		model:     model,
		params:    params,
		grounding: grounding,
		client:    client,
		logger:    logger,
	}, nil
}

// NewSession creates a new chat with the configured model, the given system instruction and the prior
// history, which is empty for a fresh conversation.
func (g Gemini) NewSession(
	ctx context.Context,
	systemInstruction string,
	history []models.Message,
) (*GeminiSession, error) {
	if g.client == nil {
		return nil, chaterrors.NewConfigurationError("Gemini client is not initialized")
	}

	g.logger.Info("Creating chat session", zap.Int("historyLength", len(history)))

	chat, err := g.client.Chats.Create(ctx, g.model, g.generateConfig(systemInstruction), geminiHistory(history))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat session: %w", err)
	}

	return &GeminiSession{
		chat:   chat,
		logger: g.logger,
	}, nil
}

// Send implements Session. The returned stream sends the request when it is first advanced.
func (s *GeminiSession) Send(ctx context.Context, text string) (*Stream, error) {
	if s == nil || s.chat == nil {
		return nil, chaterrors.NewInvalidArgumentError("chat session is not initialized")
	}
	if strings.TrimSpace(text) == "" {
		return nil, chaterrors.NewInvalidArgumentError("message text cannot be empty")
	}

	s.logger.Debug("Streaming chat response", zap.Int("messageLength", len(text)))

	return NewStream(geminiProvider, geminiFragments(s.chat.SendMessageStream(ctx, genai.Part{Text: text}))), nil
}

func (g Gemini) generateConfig(systemInstruction string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:   g.params.Temperature,
		TopP:          g.params.TopP,
		StopSequences: g.params.Stop,
	}
	if systemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}
	if g.params.TopK != nil {
		topK := float32(*g.params.TopK)
		cfg.TopK = &topK
	}
	if g.params.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*g.params.MaxTokens)
	}
	if g.params.Seed != nil {
		seed := int32(*g.params.Seed)
		cfg.Seed = &seed
	}
	if g.grounding {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return cfg
}

func geminiHistory(messages []models.Message) []*genai.Content {
	history := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			history = append(history, genai.NewContentFromText(msg.Text, genai.RoleUser))
		case models.RoleBot:
			history = append(history, genai.NewContentFromText(msg.Text, genai.RoleModel))
		}
	}
	return history
}

func geminiFragments(seq iter.Seq2[*genai.GenerateContentResponse, error]) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		for resp, err := range seq {
			if err != nil {
				yield(models.Fragment{}, geminiError(err))
				return
			}
			if resp == nil {
				continue
			}
			if !yield(models.Fragment{
				Text:    resp.Text(),
				Sources: groundingSources(resp),
			}, nil) {
				return
			}
		}
	}
}

func groundingSources(resp *genai.GenerateContentResponse) []models.Source {
	var sources []models.Source
	for _, c := range resp.Candidates {
		if c == nil || c.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range c.GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			sources = models.MergeSources(sources, []models.Source{{
				URI:   chunk.Web.URI,
				Title: chunk.Web.Title,
			}})
		}
	}
	return sources
}

func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return geminiAPIError(apiErr)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return geminiAPIError(*apiErrPtr)
	}
	te := chaterrors.NewTransportError(geminiProvider, 0, err)
	if strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
		te.Quota = true
	}
	return te
}

// geminiAPIError keeps the HTTP status of a rejected call. The SDK returns APIError by value.
func geminiAPIError(apiErr genai.APIError) error {
	te := chaterrors.NewTransportError(geminiProvider, apiErr.Code, errors.New(apiErr.Message))
	if apiErr.Status == "RESOURCE_EXHAUSTED" {
		te.Quota = true
	}
	return te
}
