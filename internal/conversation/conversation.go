// Package conversation implements the conversation view: an append-only log of messages driven by a small
// state machine. A submission appends the user's message and an empty bot placeholder, the placeholder
// grows as reply fragments arrive, and a failed reply is replaced by a system notice.
//
// All transitions go through Dispatch. Submit and Relay are the drivers used by the HTTP layer: Submit
// performs the submission and opens the reply stream, Relay consumes it and dispatches one event per
// fragment followed by the terminal event.
package conversation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"github.com/MegaGrindStone/gemini-web-chat/internal/services"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is the conversational context the view sends messages to.
type Session interface {
	Send(ctx context.Context, text string) (*services.Stream, error)
}

// SessionFactory creates the session when the conversation is opened.
type SessionFactory func(ctx context.Context) (Session, error)

// Archive receives every message once it can no longer change.
type Archive interface {
	Archive(ctx context.Context, sessionID string, message models.Message) error
}

// DefaultGreeting is the first bot message of a conversation whose session opened successfully.
const DefaultGreeting = "Hello! I'm the Gemini chatbot. How can I help you today?"

// Conversation owns the message log, the session handle and the current state. It is safe for concurrent
// use, but only one reply streams at a time: submissions are rejected while the state is
// StateAwaitingResponse.
type Conversation struct {
	id string

	mu          sync.Mutex
	session     Session
	initErr     error
	lastErr     error
	state       State
	messages    []models.Message
	placeholder string
	seq         uint64

	greeting  string
	now       func() time.Time
	listeners []Listener
	archive   Archive

	logger *zap.Logger
}

// View is everything the display layer needs to render the conversation.
type View struct {
	Messages   []models.Message `json:"messages"`
	HasSession bool             `json:"hasSession"`
	IsBusy     bool             `json:"isBusy"`
	// Degraded is set when the session could not be created. It never clears.
	Degraded bool   `json:"degraded"`
	Banner   string `json:"banner,omitempty"`
}

// Turn is one accepted submission.
type Turn struct {
	User  models.Message
	Reply models.Message

	stream *services.Stream
	notice *models.Message
}

// Pending reports whether the turn still has a reply to relay. A turn whose send failed immediately is
// already settled, and Notice holds the system message that replaced the placeholder.
func (t *Turn) Pending() bool {
	return t.stream != nil
}

// Notice returns the system message appended when the send failed before streaming started.
func (t *Turn) Notice() (models.Message, bool) {
	if t.notice == nil {
		return models.Message{}, false
	}
	return *t.notice, true
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithGreeting replaces DefaultGreeting.
func WithGreeting(greeting string) Option {
	return func(c *Conversation) {
		c.greeting = greeting
	}
}

// WithArchive hands finished messages to a.
func WithArchive(a Archive) Option {
	return func(c *Conversation) {
		c.archive = a
	}
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Conversation) {
		c.now = now
	}
}

// WithListener registers l before the session is opened, so it also observes the greeting.
func WithListener(l Listener) Option {
	return func(c *Conversation) {
		c.listeners = append(c.listeners, l)
	}
}

// WithID sets the conversation identifier used for archiving.
func WithID(id string) Option {
	return func(c *Conversation) {
		c.id = id
	}
}

// Open creates a conversation and its session. The factory is called exactly once. If it fails, the
// conversation is degraded for its whole lifetime: it has no session, no messages, a persistent banner,
// and every submission is rejected.
func Open(ctx context.Context, factory SessionFactory, logger *zap.Logger, opts ...Option) *Conversation {
	c := &Conversation{
		id:       uuid.NewString(),
		state:    StateIdle,
		greeting: DefaultGreeting,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.With(zap.String("module", "conversation"), zap.String("conversationID", c.id))

	session, err := factory(ctx)
	if err == nil && session == nil {
		err = chaterrors.NewConfigurationError("no chat session was created")
	}
	if err != nil {
		if !chaterrors.IsConfiguration(err) {
			err = chaterrors.NewConfigurationError(fmt.Sprintf("failed to initialize chat session: %v", err))
		}
		c.logger.Error("Chat session unavailable", zap.Error(err))
		c.initErr = err
		return c
	}

	c.logger.Info("Chat session initialized")
	c.session = session

	c.mu.Lock()
	defer c.mu.Unlock()
	greeting := c.newMessage(models.RoleBot, c.greeting)
	c.messages = append(c.messages, greeting)
	c.emit(Change{Kind: ChangeAppended, Message: greeting})
	c.store(greeting)

	return c
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string {
	return c.id
}

// State returns the current state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a listener for subsequent changes. Listeners are called synchronously while the
// conversation is locked and must not call back into it.
func (c *Conversation) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Snapshot returns the renderable state.
func (c *Conversation) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		Messages:   cloneMessages(c.messages),
		HasSession: c.session != nil,
		IsBusy:     c.state == StateAwaitingResponse,
		Degraded:   c.initErr != nil,
	}
	switch {
	case c.initErr != nil:
		v.Banner = chaterrors.Describe(c.initErr)
	case c.lastErr != nil && c.state == StateIdle:
		v.Banner = chaterrors.Describe(c.lastErr)
	}
	return v
}

// Submit sends text as a new user message. Surrounding whitespace is trimmed. On success the user message
// and an empty bot placeholder have been appended and the conversation awaits the reply; the returned turn
// must then be passed to Relay. A rejected submission changes nothing.
func (c *Conversation) Submit(ctx context.Context, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if err := c.Dispatch(Submitted{Text: text}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	idx := c.indexOf(c.placeholder)
	turn := &Turn{
		User:  cloneMessage(c.messages[idx-1]),
		Reply: cloneMessage(c.messages[idx]),
	}
	session := c.session
	c.mu.Unlock()

	stream, err := session.Send(ctx, text)
	if err != nil {
		c.logger.Warn("Failed to send message", zap.Error(err))
		if err := c.Dispatch(Failed{Err: err}); err != nil {
			return nil, err
		}
		c.mu.Lock()
		notice := c.messages[len(c.messages)-1]
		c.mu.Unlock()
		turn.notice = &notice
		return turn, nil
	}

	turn.stream = stream
	return turn, nil
}

// Relay consumes the reply stream of turn, dispatching each fragment and then the terminal event. It
// blocks until the stream ends.
func (c *Conversation) Relay(turn *Turn) {
	if turn == nil || turn.stream == nil {
		return
	}
	stream := turn.stream
	defer stream.Close()

	for {
		f, ok := stream.Next()
		if !ok {
			break
		}
		if err := c.Dispatch(FragmentReceived{Fragment: f}); err != nil {
			c.logger.Error("Failed to apply fragment", zap.Error(err))
			return
		}
	}

	var ev Event = Completed{}
	if err := stream.Err(); err != nil {
		c.logger.Error("Error from llm provider", zap.Error(err))
		ev = Failed{Err: err}
	}
	if err := c.Dispatch(ev); err != nil {
		c.logger.Error("Failed to settle reply", zap.Error(err))
	}
}

func (c *Conversation) newMessage(role models.Role, text string) models.Message {
	c.seq++
	return models.Message{
		ID:        models.MessageID(c.seq, uuid.NewString()),
		Role:      role,
		Text:      text,
		Timestamp: c.now(),
	}
}

func (c *Conversation) emit(change Change) {
	change.Message = cloneMessage(change.Message)
	for _, l := range c.listeners {
		l(change)
	}
}

func (c *Conversation) store(msg models.Message) {
	if c.archive == nil {
		return
	}
	if err := c.archive.Archive(context.Background(), c.id, msg); err != nil {
		c.logger.Warn("Failed to archive message", zap.String("messageID", msg.ID), zap.Error(err))
	}
}

func (c *Conversation) indexOf(id string) int {
	return slices.IndexFunc(c.messages, func(m models.Message) bool { return m.ID == id })
}

func cloneMessage(m models.Message) models.Message {
	m.Sources = slices.Clone(m.Sources)
	return m
}

func cloneMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out
}
