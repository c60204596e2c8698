package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"

	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenRouterBaseURL is the OpenAI-compatible endpoint of OpenRouter.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAI provides an implementation of the LLM interface for interacting with OpenAI's language models, and
// with any other service that speaks the OpenAI chat completion API, such as OpenRouter.
type OpenAI struct {
	provider     string
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *zap.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, base URL, model name, and system prompt.
// An empty baseURL selects the official OpenAI endpoint.
func NewOpenAI(
	provider, apiKey, baseURL, model, systemPrompt string,
	params LLMParameters,
	logger *zap.Logger,
) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		provider:     provider,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(zap.String("module", provider)),
	}
}

func openAIMessages(systemPrompt string, messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	for _, msg := range conversational(messages) {
		if msg.Text == "" {
			continue
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    chatRole(msg.Role),
			Content: msg.Text,
		})
	}
	if systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	return msgs
}

// Chat is a wrapper around the OpenAI chat completion streaming API.
func (o OpenAI) Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		req := o.chatRequest(openAIMessages(o.systemPrompt, messages))

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", zap.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(models.Fragment{}, o.transportError(fmt.Errorf("error sending request: %w", err)))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(models.Fragment{}, o.transportError(fmt.Errorf("error receiving response: %w", err)))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if !yield(models.Fragment{Text: response.Choices[0].Delta.Content}, nil) {
				return
			}
		}
	}
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}

	return req
}

func (o OpenAI) transportError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return chaterrors.NewTransportError(o.provider, apiErr.HTTPStatusCode, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return chaterrors.NewTransportError(o.provider, reqErr.HTTPStatusCode, err)
	}
	return chaterrors.NewTransportError(o.provider, 0, err)
}
