package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the LLM interface and handles streaming chat completions using Claude models.
type Anthropic struct {
	apiKey       string
	baseURL      string
	model        string
	systemPrompt string
	maxTokens    int

	params LLMParameters

	client *http.Client

	logger *zap.Logger
}

type anthropicChatRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicProvider    = "anthropic"
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, system prompt and
// maximum token limit. An empty baseURL selects the official endpoint.
func NewAnthropic(
	apiKey, baseURL, model, systemPrompt string,
	maxTokens int,
	params LLMParameters,
	logger *zap.Logger,
) Anthropic {
	if baseURL == "" {
		baseURL = anthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:       apiKey,
		baseURL:      baseURL,
		model:        model,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(zap.String("module", anthropicProvider)),
	}
}

// Chat streams responses from the Anthropic API for a given sequence of messages. It returns an iterator
// that yields response chunks and potential errors. The context can be used to cancel ongoing requests.
func (a Anthropic) Chat(ctx context.Context, messages []models.Message) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		convo := conversational(messages)
		msgs := make([]anthropicMessage, 0, len(convo))
		for _, msg := range convo {
			if msg.Text == "" {
				continue
			}
			msgs = append(msgs, anthropicMessage{
				Role:    chatRole(msg.Role),
				Content: msg.Text,
			})
		}

		reqBody := anthropicChatRequest{
			Model:         a.model,
			Messages:      msgs,
			Stream:        true,
			System:        a.systemPrompt,
			MaxTokens:     a.maxTokens,
			Temperature:   a.params.Temperature,
			TopP:          a.params.TopP,
			TopK:          a.params.TopK,
			StopSequences: a.params.Stop,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield(models.Fragment{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.baseURL+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(models.Fragment{}, fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.client.Do(req)
		if err != nil {
			yield(models.Fragment{}, chaterrors.NewTransportError(anthropicProvider, 0,
				fmt.Errorf("error sending request: %w", err)))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(models.Fragment{}, a.statusError(resp))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Fragment{}, chaterrors.NewTransportError(anthropicProvider, 0,
					fmt.Errorf("error reading response: %w", err)))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.Fragment{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(models.Fragment{}, anthropicStreamError(e))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Fragment{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if !yield(models.Fragment{Text: res.Delta.Text}, nil) {
					return
				}
			default:
				continue
			}
		}

		// The body ended without message_stop, so the reply is incomplete.
		yield(models.Fragment{}, chaterrors.NewTransportError(anthropicProvider, 0,
			fmt.Errorf("stream ended before message_stop: %w", io.ErrUnexpectedEOF)))
	}
}

func (a Anthropic) statusError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return chaterrors.NewTransportError(anthropicProvider, resp.StatusCode, err)
	}

	var e anthropicError
	if err := json.Unmarshal(body, &e); err != nil || e.Error.Message == "" {
		a.logger.Debug("Unexpected error body", zap.Int("status", resp.StatusCode), zap.ByteString("body", body))
		return chaterrors.NewTransportError(anthropicProvider, resp.StatusCode, errors.New(http.StatusText(resp.StatusCode)))
	}
	return chaterrors.NewTransportError(anthropicProvider, resp.StatusCode,
		fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
}

func anthropicStreamError(e anthropicError) error {
	te := chaterrors.NewTransportError(anthropicProvider, 0,
		fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
	if e.Error.Type == "rate_limit_error" {
		te.Quota = true
	}
	return te
}
