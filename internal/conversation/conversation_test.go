package conversation_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/gemini-web-chat/internal/conversation"
	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"github.com/MegaGrindStone/gemini-web-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type mockSession struct {
	fragments []models.Fragment
	err       error
	sendErr   error

	sent []string
}

type mockArchive struct {
	mu       sync.Mutex
	messages []models.Message
}

func (m *mockSession) Send(_ context.Context, text string) (*services.Stream, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, text)
	return services.NewStream("mock", fragments(m.fragments, m.err)), nil
}

func (m *mockArchive) Archive(_ context.Context, _ string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func fragments(texts []models.Fragment, err error) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		for _, f := range texts {
			if !yield(f, nil) {
				return
			}
		}
		if err != nil {
			yield(models.Fragment{}, err)
		}
	}
}

func textFragments(texts ...string) []models.Fragment {
	fs := make([]models.Fragment, len(texts))
	for i, t := range texts {
		fs[i] = models.Fragment{Text: t}
	}
	return fs
}

func open(t *testing.T, session conversation.Session, opts ...conversation.Option) *conversation.Conversation {
	t.Helper()
	return conversation.Open(context.Background(), func(context.Context) (conversation.Session, error) {
		return session, nil
	}, zap.NewNop(), opts...)
}

func TestOpen(t *testing.T) {
	t.Run("successful initialization appends one greeting", func(t *testing.T) {
		c := open(t, &mockSession{}, conversation.WithGreeting("Hi there"))

		v := c.Snapshot()
		require.Len(t, v.Messages, 1)
		assert.Equal(t, models.RoleBot, v.Messages[0].Role)
		assert.Equal(t, "Hi there", v.Messages[0].Text)
		assert.True(t, v.HasSession)
		assert.False(t, v.IsBusy)
		assert.False(t, v.Degraded)
		assert.Empty(t, v.Banner)
		assert.Equal(t, conversation.StateIdle, c.State())
	})

	t.Run("missing credential degrades the conversation", func(t *testing.T) {
		calls := 0
		c := conversation.Open(context.Background(), func(context.Context) (conversation.Session, error) {
			calls++
			return nil, chaterrors.NewConfigurationError("API key is required")
		}, zap.NewNop())

		v := c.Snapshot()
		assert.Equal(t, 1, calls)
		assert.False(t, v.HasSession)
		assert.Empty(t, v.Messages)
		assert.True(t, v.Degraded)
		assert.Contains(t, v.Banner, "API key is required")

		_, err := c.Submit(context.Background(), "hello")
		require.Error(t, err)
		assert.True(t, chaterrors.IsInvalidArgument(err))

		v = c.Snapshot()
		assert.Empty(t, v.Messages)
		assert.True(t, v.Degraded)
		assert.Contains(t, v.Banner, "API key is required")
	})

	t.Run("other factory errors are reported as configuration errors", func(t *testing.T) {
		c := conversation.Open(context.Background(), func(context.Context) (conversation.Session, error) {
			return nil, errors.New("boom")
		}, zap.NewNop())

		v := c.Snapshot()
		assert.True(t, v.Degraded)
		assert.Contains(t, v.Banner, "boom")
	})

	t.Run("listener given as option observes the greeting", func(t *testing.T) {
		var changes []conversation.Change
		open(t, &mockSession{}, conversation.WithListener(func(c conversation.Change) {
			changes = append(changes, c)
		}))

		require.Len(t, changes, 1)
		assert.Equal(t, conversation.ChangeAppended, changes[0].Kind)
	})
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr error
	}{
		{name: "empty", text: "", wantErr: chaterrors.ErrInvalidArgument},
		{name: "spaces", text: "   ", wantErr: chaterrors.ErrInvalidArgument},
		{name: "whitespace mix", text: "\n\t  \r\n", wantErr: chaterrors.ErrInvalidArgument},
		{name: "text", text: "Hello"},
		{name: "padded text", text: "  Hello  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &mockSession{}
			c := open(t, session)
			before := c.Snapshot().Messages

			turn, err := c.Submit(context.Background(), tt.text)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, turn)
				assert.Equal(t, before, c.Snapshot().Messages)
				assert.Equal(t, conversation.StateIdle, c.State())
				assert.Empty(t, session.sent)
				return
			}

			require.NoError(t, err)
			require.True(t, turn.Pending())

			v := c.Snapshot()
			require.Len(t, v.Messages, len(before)+2)
			user, reply := v.Messages[len(v.Messages)-2], v.Messages[len(v.Messages)-1]
			assert.Equal(t, models.RoleUser, user.Role)
			assert.Equal(t, "Hello", user.Text)
			assert.Equal(t, models.RoleBot, reply.Role)
			assert.Empty(t, reply.Text)
			assert.Equal(t, user, turn.User)
			assert.Equal(t, reply, turn.Reply)
			assert.True(t, v.IsBusy)
			assert.Equal(t, conversation.StateAwaitingResponse, c.State())
			assert.Equal(t, []string{"Hello"}, session.sent)
		})
	}
}

func TestSubmitWhileAwaitingResponse(t *testing.T) {
	c := open(t, &mockSession{fragments: textFragments("Hi")})

	turn, err := c.Submit(context.Background(), "first")
	require.NoError(t, err)
	before := c.Snapshot().Messages

	_, err = c.Submit(context.Background(), "second")
	require.ErrorIs(t, err, chaterrors.ErrBusy)
	assert.Equal(t, before, c.Snapshot().Messages)

	c.Relay(turn)

	_, err = c.Submit(context.Background(), "second")
	require.NoError(t, err)
}

func TestRelay(t *testing.T) {
	t.Run("fragments accumulate in order", func(t *testing.T) {
		var changes []conversation.Change
		c := open(t, &mockSession{fragments: textFragments("Hel", "", "lo")})
		c.Subscribe(func(ch conversation.Change) { changes = append(changes, ch) })

		turn, err := c.Submit(context.Background(), "Say hello")
		require.NoError(t, err)
		c.Relay(turn)

		v := c.Snapshot()
		require.Len(t, v.Messages, 3)
		assert.Equal(t, "Hello", v.Messages[2].Text)
		assert.Equal(t, turn.Reply.ID, v.Messages[2].ID)
		assert.False(t, v.IsBusy)
		assert.Empty(t, v.Banner)
		assert.Equal(t, conversation.StateIdle, c.State())

		var kinds []conversation.ChangeKind
		for _, ch := range changes {
			kinds = append(kinds, ch.Kind)
		}
		assert.Equal(t, []conversation.ChangeKind{
			conversation.ChangeAppended,
			conversation.ChangeAppended,
			conversation.ChangeUpdated,
			conversation.ChangeUpdated,
			conversation.ChangeSettled,
		}, kinds)
		assert.Equal(t, "Hel", changes[2].Message.Text)
		assert.Equal(t, "Hello", changes[3].Message.Text)
	})

	t.Run("sources are merged into the reply", func(t *testing.T) {
		c := open(t, &mockSession{fragments: []models.Fragment{
			{Text: "A", Sources: []models.Source{{URI: "https://a.example", Title: "A"}}},
			{Text: "B", Sources: []models.Source{{URI: "https://a.example", Title: "A"}, {URI: "https://b.example"}}},
		}})

		turn, err := c.Submit(context.Background(), "cite")
		require.NoError(t, err)
		c.Relay(turn)

		reply := c.Snapshot().Messages[2]
		assert.Equal(t, "AB", reply.Text)
		assert.Equal(t, []models.Source{
			{URI: "https://a.example", Title: "A"},
			{URI: "https://b.example"},
		}, reply.Sources)
	})

	t.Run("failure after partial text replaces the placeholder", func(t *testing.T) {
		transportErr := chaterrors.NewTransportError("mock", 500, errors.New("connection reset"))
		c := open(t, &mockSession{fragments: textFragments("Hel"), err: transportErr})

		turn, err := c.Submit(context.Background(), "Say hello")
		require.NoError(t, err)
		countDuringStream := len(c.Snapshot().Messages)

		c.Relay(turn)

		v := c.Snapshot()
		require.Len(t, v.Messages, countDuringStream)
		for _, m := range v.Messages {
			assert.NotEqual(t, turn.Reply.ID, m.ID)
		}
		last := v.Messages[len(v.Messages)-1]
		assert.Equal(t, models.RoleSystem, last.Role)
		assert.Contains(t, last.Text, "connection reset")
		assert.Equal(t, models.RoleUser, v.Messages[len(v.Messages)-2].Role)
		assert.False(t, v.IsBusy)
		assert.Contains(t, v.Banner, "connection reset")
		assert.Equal(t, conversation.StateIdle, c.State())

		_, err = c.Submit(context.Background(), "again")
		require.NoError(t, err)
		assert.Empty(t, c.Snapshot().Banner)
	})

	t.Run("send failure settles the turn immediately", func(t *testing.T) {
		c := open(t, &mockSession{sendErr: chaterrors.NewTransportError("mock", 429, errors.New("quota"))})

		turn, err := c.Submit(context.Background(), "hello")
		require.NoError(t, err)
		assert.False(t, turn.Pending())

		notice, ok := turn.Notice()
		require.True(t, ok)
		assert.Equal(t, models.RoleSystem, notice.Role)
		assert.Contains(t, notice.Text, "usage limit")

		v := c.Snapshot()
		require.Len(t, v.Messages, 3)
		assert.Equal(t, notice, v.Messages[2])
		assert.Equal(t, conversation.StateIdle, c.State())

		// Relaying a settled turn is a no-op.
		c.Relay(turn)
		assert.Len(t, c.Snapshot().Messages, 3)
	})

	t.Run("finished messages are archived", func(t *testing.T) {
		archive := &mockArchive{}
		c := open(t, &mockSession{fragments: textFragments("Hi")}, conversation.WithArchive(archive))

		turn, err := c.Submit(context.Background(), "hello")
		require.NoError(t, err)
		c.Relay(turn)

		require.Len(t, archive.messages, 3)
		assert.Equal(t, models.RoleBot, archive.messages[0].Role)
		assert.Equal(t, "hello", archive.messages[1].Text)
		assert.Equal(t, "Hi", archive.messages[2].Text)
	})
}

func TestAppendedChangesNameTheirPredecessor(t *testing.T) {
	tests := []struct {
		name    string
		session *mockSession
	}{
		{
			name:    "reply fails",
			session: &mockSession{fragments: textFragments("Hel"), err: errors.New("connection reset")},
		},
		{
			name:    "send fails",
			session: &mockSession{sendErr: chaterrors.NewTransportError("mock", 429, errors.New("quota"))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := open(t, tt.session)
			greetingID := c.Snapshot().Messages[0].ID

			var appended []conversation.Change
			c.Subscribe(func(ch conversation.Change) {
				if ch.Kind == conversation.ChangeAppended {
					appended = append(appended, ch)
				}
			})

			turn, err := c.Submit(context.Background(), "hello")
			require.NoError(t, err)
			c.Relay(turn)

			require.Len(t, appended, 3)
			assert.Equal(t, turn.User.ID, appended[0].Message.ID)
			assert.Equal(t, greetingID, appended[0].After)
			assert.Equal(t, turn.Reply.ID, appended[1].Message.ID)
			assert.Equal(t, turn.User.ID, appended[1].After)

			notice := appended[2]
			assert.Equal(t, models.RoleSystem, notice.Message.Role)
			assert.Equal(t, turn.User.ID, notice.After)
		})
	}
}

func TestRelayReleasesStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := open(t, &mockSession{fragments: textFragments("a", "b", "c")})
	for range 3 {
		turn, err := c.Submit(context.Background(), "hello")
		require.NoError(t, err)
		c.Relay(turn)
	}

	failing := open(t, &mockSession{fragments: textFragments("a"), err: errors.New("reset")})
	turn, err := failing.Submit(context.Background(), "hello")
	require.NoError(t, err)
	failing.Relay(turn)
}

func TestDispatch(t *testing.T) {
	t.Run("stream events require a reply in flight", func(t *testing.T) {
		c := open(t, &mockSession{})
		before := c.Snapshot()

		require.Error(t, c.Dispatch(conversation.FragmentReceived{Fragment: models.Fragment{Text: "x"}}))
		require.Error(t, c.Dispatch(conversation.Completed{}))
		require.Error(t, c.Dispatch(conversation.Failed{Err: errors.New("x")}))

		assert.Equal(t, before, c.Snapshot())
	})

	t.Run("transitions", func(t *testing.T) {
		c := open(t, &mockSession{})

		require.NoError(t, c.Dispatch(conversation.Submitted{Text: "hi"}))
		assert.Equal(t, conversation.StateAwaitingResponse, c.State())

		require.ErrorIs(t, c.Dispatch(conversation.Submitted{Text: "again"}), chaterrors.ErrBusy)

		require.NoError(t, c.Dispatch(conversation.FragmentReceived{Fragment: models.Fragment{Text: "Hel"}}))
		require.NoError(t, c.Dispatch(conversation.FragmentReceived{Fragment: models.Fragment{Text: "lo"}}))
		assert.Equal(t, conversation.StateAwaitingResponse, c.State())

		require.NoError(t, c.Dispatch(conversation.Completed{}))
		assert.Equal(t, conversation.StateIdle, c.State())

		v := c.Snapshot()
		assert.Equal(t, "Hello", v.Messages[len(v.Messages)-1].Text)
	})
}

func TestMessageIDs(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := open(t, &mockSession{}, conversation.WithClock(func() time.Time { return now }))

	turn, err := c.Submit(context.Background(), "hello")
	require.NoError(t, err)

	v := c.Snapshot()
	seen := map[string]bool{}
	for _, m := range v.Messages {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		assert.Equal(t, now, m.Timestamp)
	}
	assert.Regexp(t, `^0{19}2-`, turn.User.ID)
	assert.Regexp(t, `^0{19}3-`, turn.Reply.ID)
	assert.Less(t, v.Messages[0].ID, turn.User.ID)
	assert.Less(t, turn.User.ID, turn.Reply.ID)
}
