package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/gemini-web-chat/internal/conversation"
	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/handlers"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"github.com/MegaGrindStone/gemini-web-chat/internal/services"
	"go.uber.org/zap"
)

type mockSession struct {
	responses []string
	err       error
	// block, when set, holds the reply open until it is closed.
	block     chan struct{}
}

func TestNewMain(t *testing.T) {
	conv := newConversation(&mockSession{})

	main, err := handlers.NewMain(conv, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	tests := []struct {
		name       string
		conv       *conversation.Conversation
		method     string
		url        string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Home page with greeting",
			conv:       newConversation(&mockSession{}),
			method:     http.MethodGet,
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"How can I help you today?", `id="chat-form"`},
		},
		{
			name:       "Degraded home page",
			conv:       degradedConversation(),
			method:     http.MethodGet,
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"API key is not set", "data-degraded", "disabled"},
		},
		{
			name:       "Unknown path",
			conv:       newConversation(&mockSession{}),
			method:     http.MethodGet,
			url:        "/unknown",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Invalid method",
			conv:       newConversation(&mockSession{}),
			method:     http.MethodPost,
			url:        "/",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, tt.conv)

			req := httptest.NewRequest(tt.method, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
		})
	}
}

func TestHandleMessages(t *testing.T) {
	tests := []struct {
		name       string
		conv       *conversation.Conversation
		method     string
		message    string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Invalid method",
			conv:       newConversation(&mockSession{}),
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			conv:       newConversation(&mockSession{}),
			method:     http.MethodPost,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Whitespace message",
			conv:       newConversation(&mockSession{}),
			method:     http.MethodPost,
			message:    "   ",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "No session",
			conv:       degradedConversation(),
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "Accepted message",
			conv:       newConversation(&mockSession{responses: []string{"AI response"}}),
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusOK,
			wantBody:   "Generating a reply...",
		},
		{
			name: "Send failure",
			conv: newConversation(&mockSession{
				err: chaterrors.NewTransportError("mock", 429, errors.New("quota")),
			}),
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusOK,
			wantBody:   "usage limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, tt.conv)

			w := postMessage(main, tt.method, tt.message)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleMessages() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleMessages() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleMessagesStreamsReply(t *testing.T) {
	conv := newConversation(&mockSession{responses: []string{"Hel", "lo"}})
	main := newMain(t, conv)

	w := postMessage(main, http.MethodPost, "Say hello")
	if w.Code != http.StatusOK {
		t.Fatalf("HandleMessages() status = %v, want %v", w.Code, http.StatusOK)
	}

	waitIdle(t, conv)

	view := conv.Snapshot()
	if len(view.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(view.Messages))
	}
	if got := view.Messages[2].Text; got != "Hello" {
		t.Errorf("reply text = %q, want %q", got, "Hello")
	}
}

func TestHandleMessagesWhileBusy(t *testing.T) {
	session := &mockSession{responses: []string{"slow"}, block: make(chan struct{})}
	conv := newConversation(session)
	main := newMain(t, conv)

	if w := postMessage(main, http.MethodPost, "first"); w.Code != http.StatusOK {
		t.Fatalf("first message status = %v, want %v", w.Code, http.StatusOK)
	}

	w := postMessage(main, http.MethodPost, "second")
	if w.Code != http.StatusConflict {
		t.Errorf("second message status = %v, want %v", w.Code, http.StatusConflict)
	}
	if got := len(conv.Snapshot().Messages); got != 3 {
		t.Errorf("got %d messages, want 3", got)
	}

	close(session.block)
	waitIdle(t, conv)
}

func TestHandleState(t *testing.T) {
	main := newMain(t, degradedConversation())

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	w := httptest.NewRecorder()

	main.HandleState(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleState() status = %v, want %v", w.Code, http.StatusOK)
	}

	var view conversation.View
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	if view.HasSession {
		t.Error("HasSession = true, want false")
	}
	if !view.Degraded {
		t.Error("Degraded = false, want true")
	}
	if view.Banner == "" {
		t.Error("Banner is empty")
	}
}

func newConversation(session *mockSession) *conversation.Conversation {
	return conversation.Open(context.Background(), func(context.Context) (conversation.Session, error) {
		return session, nil
	}, zap.NewNop())
}

func degradedConversation() *conversation.Conversation {
	return conversation.Open(context.Background(), func(context.Context) (conversation.Session, error) {
		return nil, chaterrors.NewConfigurationError("")
	}, zap.NewNop())
}

func newMain(t *testing.T, conv *conversation.Conversation) *handlers.Main {
	t.Helper()

	main, err := handlers.NewMain(conv, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = main.Shutdown(context.Background())
	})
	return main
}

func postMessage(main *handlers.Main, method, message string) *httptest.ResponseRecorder {
	form := url.Values{"message": {message}}
	req := httptest.NewRequest(method, "/messages", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	main.HandleMessages(w, req)
	return w
}

func waitIdle(t *testing.T, conv *conversation.Conversation) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for conv.State() != conversation.StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("reply did not finish in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (m *mockSession) Send(ctx context.Context, _ string) (*services.Stream, error) {
	if m.err != nil {
		return nil, m.err
	}
	return services.NewStream("mock", m.reply(ctx)), nil
}

func (m *mockSession) reply(ctx context.Context) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		if m.block != nil {
			select {
			case <-m.block:
			case <-ctx.Done():
				yield(models.Fragment{}, ctx.Err())
				return
			}
		}
		for _, resp := range m.responses {
			if !yield(models.Fragment{Text: resp}, nil) {
				return
			}
		}
	}
}
