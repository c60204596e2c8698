package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"slices"

	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

const ollamaProvider = "ollama"

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	params LLMParameters

	client *api.Client

	logger *zap.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model, systemPrompt string, params LLMParameters, logger *zap.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, chaterrors.NewConfigurationError(fmt.Sprintf("invalid ollama host %q: %v", host, err))
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(zap.String("module", ollamaProvider)),
	}, nil
}

// Chat implements the LLM interface by streaming responses from the Ollama model. It accepts a context
// for cancellation and a slice of messages representing the conversation history. The function returns
// an iterator that yields response chunks and potential errors.
func (o Ollama) Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		convo := conversational(messages)
		msgs := make([]api.Message, len(convo))
		for i, msg := range convo {
			msgs[i] = api.Message{
				Role:    chatRole(msg.Role),
				Content: msg.Text,
			}
		}
		if o.systemPrompt != "" {
			msgs = slices.Insert(msgs, 0, api.Message{
				Role:    "system",
				Content: o.systemPrompt,
			})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped {
				return nil
			}
			if !yield(models.Fragment{Text: res.Message.Content}, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped && errors.Is(err, context.Canceled) {
				return
			}
			var statusErr api.StatusError
			if errors.As(err, &statusErr) {
				yield(models.Fragment{}, chaterrors.NewTransportError(ollamaProvider, statusErr.StatusCode, err))
				return
			}
			yield(models.Fragment{}, chaterrors.NewTransportError(ollamaProvider, 0,
				fmt.Errorf("error sending request: %w", err)))
		}
	}
}

func (o Ollama) options() map[string]any {
	opts := map[string]any{}
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.TopK != nil {
		opts["top_k"] = *o.params.TopK
	}
	if o.params.MaxTokens != nil {
		opts["num_predict"] = *o.params.MaxTokens
	}
	if o.params.Stop != nil {
		opts["stop"] = o.params.Stop
	}
	if o.params.Seed != nil {
		opts["seed"] = *o.params.Seed
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
