package conversation

import (
	"fmt"
	"slices"
	"strings"

	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"go.uber.org/zap"
)

// State is the state of the conversation.
type State int

const (
	// StateIdle accepts submissions.
	StateIdle State = iota
	// StateAwaitingResponse has a placeholder bot message that is being filled by a streamed reply.
	StateAwaitingResponse
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event is an input to the state machine.
type Event interface {
	event()
}

// Submitted is a user submission. Blank or whitespace-only text is rejected.
type Submitted struct {
	Text string
}

// FragmentReceived carries one piece of the streamed reply.
type FragmentReceived struct {
	Fragment models.Fragment
}

// Completed marks the normal end of the reply stream.
type Completed struct{}

// Failed marks a reply that could not be delivered.
type Failed struct {
	Err error
}

func (Submitted) event()        {}
func (FragmentReceived) event() {}
func (Completed) event()        {}
func (Failed) event()           {}

// ChangeKind describes how a message changed.
type ChangeKind string

const (
	// ChangeAppended means the message was added to the end of the log.
	ChangeAppended ChangeKind = "appended"
	// ChangeUpdated means the text or sources of the in-flight placeholder grew.
	ChangeUpdated ChangeKind = "updated"
	// ChangeSettled means the placeholder will not change anymore.
	ChangeSettled ChangeKind = "settled"
	// ChangeRemoved means the placeholder was discarded after a failure.
	ChangeRemoved ChangeKind = "removed"
)

// Change is a single modification of the message log.
type Change struct {
	Kind    ChangeKind
	Message models.Message
	// After is the ID of the message an appended message follows, empty when it is the first one.
	After string
}

// Listener observes changes of the message log.
type Listener func(Change)

// Dispatch applies ev to the state machine. It returns an error, and leaves the conversation untouched,
// when ev is not valid in the current state:
//
//   - Submitted while a reply is streaming fails with ErrBusy.
//   - Submitted without a session, or with blank text, fails with ErrInvalidArgument.
//   - FragmentReceived, Completed and Failed require StateAwaitingResponse.
func (c *Conversation) Dispatch(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := ev.(type) {
	case Submitted:
		return c.submitted(ev)
	case FragmentReceived:
		return c.fragmentReceived(ev)
	case Completed:
		return c.completed()
	case Failed:
		return c.failed(ev)
	}
	return fmt.Errorf("unknown event %T", ev)
}

func (c *Conversation) submitted(ev Submitted) error {
	if c.state == StateAwaitingResponse {
		return chaterrors.ErrBusy
	}
	if c.session == nil {
		return chaterrors.NewInvalidArgumentError("chat session is not available")
	}
	if strings.TrimSpace(ev.Text) == "" {
		return chaterrors.NewInvalidArgumentError("message text cannot be empty")
	}

	user := c.newMessage(models.RoleUser, ev.Text)
	reply := c.newMessage(models.RoleBot, "")
	userAfter := c.lastID()
	c.messages = append(c.messages, user, reply)
	c.placeholder = reply.ID
	c.state = StateAwaitingResponse
	c.lastErr = nil

	c.emit(Change{Kind: ChangeAppended, Message: user, After: userAfter})
	c.emit(Change{Kind: ChangeAppended, Message: reply, After: user.ID})
	c.store(user)

	c.logger.Debug("Message submitted", zap.String("userMessageID", user.ID), zap.String("replyID", reply.ID))
	return nil
}

func (c *Conversation) fragmentReceived(ev FragmentReceived) error {
	idx, err := c.inFlight()
	if err != nil {
		return err
	}

	msg := &c.messages[idx]
	msg.Text += ev.Fragment.Text
	msg.Sources = models.MergeSources(msg.Sources, ev.Fragment.Sources)

	c.emit(Change{Kind: ChangeUpdated, Message: *msg})
	return nil
}

func (c *Conversation) completed() error {
	idx, err := c.inFlight()
	if err != nil {
		return err
	}

	reply := c.messages[idx]
	c.placeholder = ""
	c.state = StateIdle

	c.emit(Change{Kind: ChangeSettled, Message: reply})
	c.store(reply)

	c.logger.Debug("Reply completed", zap.String("replyID", reply.ID), zap.Int("length", len(reply.Text)))
	return nil
}

func (c *Conversation) failed(ev Failed) error {
	idx, err := c.inFlight()
	if err != nil {
		return err
	}

	reply := c.messages[idx]
	c.messages = slices.Delete(c.messages, idx, idx+1)
	c.placeholder = ""
	c.state = StateIdle
	c.lastErr = ev.Err

	notice := c.newMessage(models.RoleSystem, "Error: "+chaterrors.Describe(ev.Err))
	noticeAfter := c.lastID()
	c.messages = append(c.messages, notice)

	c.emit(Change{Kind: ChangeRemoved, Message: reply})
	c.emit(Change{Kind: ChangeAppended, Message: notice, After: noticeAfter})
	c.store(notice)

	c.logger.Debug("Reply failed", zap.String("replyID", reply.ID), zap.Error(ev.Err))
	return nil
}

func (c *Conversation) lastID() string {
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[len(c.messages)-1].ID
}

func (c *Conversation) inFlight() (int, error) {
	if c.state != StateAwaitingResponse {
		return -1, fmt.Errorf("no reply in flight (state %s)", c.state)
	}
	idx := c.indexOf(c.placeholder)
	if idx == -1 {
		return -1, fmt.Errorf("placeholder %s not found", c.placeholder)
	}
	return idx, nil
}
