package handlers

import (
	"context"
	"encoding/json"
	"html/template"
	"sync"
	"time"

	geminichat "github.com/MegaGrindStone/gemini-web-chat"
	"github.com/MegaGrindStone/gemini-web-chat/internal/conversation"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

// Main handles the core functionality of the chat application: it renders the page, accepts submissions,
// and pushes every change of the conversation to the browser through server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	conversation *conversation.Conversation

	// relayCtx outlives the request that submitted a message, since the reply keeps streaming after
	// the response to that request was written. It is cancelled on shutdown.
	relayCtx    context.Context
	cancelRelay context.CancelFunc
	relays      sync.WaitGroup

	logger *zap.Logger
}

// SSE event types for real-time updates.
var (
	messagesSSEType      = sse.Type("messages")
	closeMessageSSEType  = sse.Type("closeMessage")
	removeMessageSSEType = sse.Type("removeMessage")
	appendMessageSSEType = sse.Type("appendMessage")
	closeChatSSEType     = sse.Type("closeChat")
)

const errLoggerKey = "err"

// NewMain creates a new Main serving conv. It parses the HTML templates from the embedded filesystem,
// initializes the SSE server and subscribes to the conversation's changes.
func NewMain(conv *conversation.Conversation, logger *zap.Logger) (*Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		geminichat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, err
	}

	relayCtx, cancel := context.WithCancel(context.Background())

	m := &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic},
				}, true
			},
		},
		templates:    tmpl,
		conversation: conv,
		relayCtx:     relayCtx,
		cancelRelay:  cancel,
		logger:       logger.With(zap.String("module", "handlers")),
	}

	conv.Subscribe(m.publishChange)

	return m, nil
}

type messageEvent struct {
	ID    string `json:"id"`
	HTML  string `json:"html,omitempty"`
	After string `json:"after,omitempty"`
}

func (m *Main) publishChange(change conversation.Change) {
	msg, ok := m.changeEvent(change)
	if !ok {
		return
	}
	if err := m.sseSrv.Publish(msg); err != nil {
		m.logger.Error("Failed to publish message",
			zap.String("messageID", change.Message.ID),
			zap.String(errLoggerKey, err.Error()))
	}
}

// changeEvent builds the browser event for change. It reports false for changes the page learns about
// from the response to the submission itself.
func (m *Main) changeEvent(change conversation.Change) (*sse.Message, bool) {
	msg := &sse.Message{}
	data := messageEvent{ID: change.Message.ID}

	switch change.Kind {
	case conversation.ChangeUpdated:
		msg.Type = messagesSSEType
	case conversation.ChangeSettled:
		msg.Type = closeMessageSSEType
	case conversation.ChangeRemoved:
		msg.Type = removeMessageSSEType
	case conversation.ChangeAppended:
		// User messages and placeholders are returned in the response to the submission itself.
		if change.Message.Role != models.RoleSystem {
			return nil, false
		}
		msg.Type = appendMessageSSEType
		// A notice goes after the message that precedes it, which the page may not have yet.
		data.After = change.After
	default:
		return nil, false
	}

	if change.Kind != conversation.ChangeRemoved {
		state := streamingStateEnded
		if change.Kind == conversation.ChangeUpdated {
			state = streamingStateStreaming
		}
		html, err := m.renderMessage(change.Message, state)
		if err != nil {
			m.logger.Error("Failed to render message",
				zap.String("messageID", change.Message.ID),
				zap.Error(err))
			return nil, false
		}
		data.HTML = html
	}

	payload, err := json.Marshal(data)
	if err != nil {
		m.logger.Error("Failed to marshal event", zap.Error(err))
		return nil, false
	}
	msg.AppendData(string(payload))
	return msg, true
}

// Shutdown gracefully terminates Main. It cancels the reply that may still be streaming, broadcasts a
// close message to all connected clients and waits up to 5 seconds for connections to terminate. After
// the timeout, any remaining connections are forcefully closed.
func (m *Main) Shutdown(ctx context.Context) error {
	m.cancelRelay()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.relays.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Reply relay did not stop before shutdown deadline")
	}

	e := &sse.Message{Type: closeChatSSEType}
	// Browsers drop events without data.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	return m.sseSrv.Shutdown(ctx)
}
