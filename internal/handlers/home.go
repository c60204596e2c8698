package handlers

import (
	"html/template"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type homePageData struct {
	Banner   string
	Degraded bool
	Disabled bool
	Messages []message
}

var templateFuncs = template.FuncMap{
	"clock": func(t time.Time) string {
		return t.Format("15:04")
	},
}

// HandleHome renders the chat page from the current snapshot of the conversation. The input is disabled
// while there is no session or a reply is streaming, and the banner shows the configuration error of a
// degraded conversation or the failure of the last reply.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", zap.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	view := m.conversation.Snapshot()

	msgs := make([]message, len(view.Messages))
	for i, msg := range view.Messages {
		// Only the last message can still be streaming.
		streamingState := streamingStateEnded
		if view.IsBusy && i == len(view.Messages)-1 {
			streamingState = streamingStateStreaming
		}
		rendered, err := m.messageData(msg, streamingState)
		if err != nil {
			m.logger.Error("Failed to render contents",
				zap.String("messageID", msg.ID),
				zap.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs[i] = rendered
	}

	data := homePageData{
		Banner:   view.Banner,
		Degraded: view.Degraded,
		Disabled: !view.HasSession || view.IsBusy,
		Messages: msgs,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", zap.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
