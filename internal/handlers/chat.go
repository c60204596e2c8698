package handlers

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/gemini-web-chat/internal/conversation"
	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"go.uber.org/zap"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Sources   []models.Source
	Timestamp time.Time

	StreamingState string
}

const (
	streamingStateLoading   = "loading"
	streamingStateStreaming = "streaming"
	streamingStateEnded     = "ended"
)

// HandleMessages accepts a user message through the "message" form field. A rejected submission is
// answered with an error status and leaves the conversation untouched: 400 for blank text, 409 while a
// reply is still streaming, 503 when there is no session.
//
// An accepted submission is answered with the rendered user message followed by the placeholder for the
// reply, whose content is then streamed through server-sent events. If the message could not be sent at
// all, the placeholder is replaced by the error notice right away.
func (m *Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", zap.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Debug("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	turn, err := m.conversation.Submit(m.relayCtx, msg)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, chaterrors.ErrBusy):
			status = http.StatusConflict
		case !m.conversation.Snapshot().HasSession:
			status = http.StatusServiceUnavailable
		}
		m.logger.Warn("Message rejected", zap.Int("status", status), zap.String(errLoggerKey, err.Error()))
		http.Error(w, chaterrors.Describe(err), status)
		return
	}

	if err := m.renderTurn(w, turn); err != nil {
		m.logger.Error("Failed to render turn", zap.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	} else if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	// Relay starts after the turn is flushed. Events that still beat it to the page are buffered there.
	if turn.Pending() {
		m.relays.Add(1)
		go func() {
			defer m.relays.Done()
			m.conversation.Relay(turn)
		}()
	}
}

// HandleState returns the renderable state of the conversation as JSON.
func (m *Main) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.conversation.Snapshot()); err != nil {
		m.logger.Error("Failed to encode state", zap.String(errLoggerKey, err.Error()))
	}
}

// HandleSSE serves the server-sent events stream of conversation changes.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func (m *Main) renderTurn(w http.ResponseWriter, turn *conversation.Turn) error {
	user, err := m.messageData(turn.User, streamingStateEnded)
	if err != nil {
		return err
	}
	if err := m.templates.ExecuteTemplate(w, "user_message", user); err != nil {
		return err
	}

	if notice, ok := turn.Notice(); ok {
		sys, err := m.messageData(notice, streamingStateEnded)
		if err != nil {
			return err
		}
		return m.templates.ExecuteTemplate(w, "system_message", sys)
	}

	reply, err := m.messageData(turn.Reply, streamingStateLoading)
	if err != nil {
		return err
	}
	return m.templates.ExecuteTemplate(w, "ai_message", reply)
}

func (m *Main) messageData(msg models.Message, streamingState string) (message, error) {
	content, err := models.RenderText(msg)
	if err != nil {
		return message{}, err
	}
	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        template.HTML(content),
		Sources:        msg.Sources,
		Timestamp:      msg.Timestamp,
		StreamingState: streamingState,
	}, nil
}

func (m *Main) renderMessage(msg models.Message, streamingState string) (string, error) {
	data, err := m.messageData(msg, streamingState)
	if err != nil {
		return "", err
	}

	name := "ai_message"
	switch msg.Role {
	case models.RoleUser:
		name = "user_message"
	case models.RoleSystem:
		name = "system_message"
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
