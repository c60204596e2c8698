package services

import (
	"context"
	"iter"
	"strings"

	chaterrors "github.com/MegaGrindStone/gemini-web-chat/internal/errors"
	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
)

// Stream is a lazy, single-consumer, forward-only sequence of reply fragments. Nothing is requested from
// the model service until the first call to Next. Completion and failure are distinct terminal states:
// once Next returns false, Err is nil if the reply finished normally and a TransportError otherwise.
//
// A Stream is not restartable, and its methods must be called from the consuming goroutine. To abort a
// stream from elsewhere, cancel the context that was given to Session.Send.
type Stream struct {
	provider string

	next func() (models.Fragment, error, bool)
	stop func()

	text strings.Builder
	err  error
	done bool

	onFinish func(reply string, err error)
}

// NewStream wraps seq into a Stream. Errors yielded by seq terminate the stream; those that are not
// already transport failures are wrapped into one attributed to provider.
func NewStream(provider string, seq iter.Seq2[models.Fragment, error]) *Stream {
	next, stop := iter.Pull2(seq)
	return &Stream{
		provider: provider,
		next:     next,
		stop:     stop,
	}
}

// Next advances the stream and returns the next non-empty fragment. It returns false once the stream has
// reached a terminal state.
func (s *Stream) Next() (models.Fragment, bool) {
	if s.done {
		return models.Fragment{}, false
	}
	for {
		f, err, ok := s.next()
		if !ok {
			s.finish(nil)
			return models.Fragment{}, false
		}
		if err != nil {
			s.finish(s.transportError(err))
			return models.Fragment{}, false
		}
		if f.Text == "" && len(f.Sources) == 0 {
			continue
		}
		s.text.WriteString(f.Text)
		return f, true
	}
}

// Err returns the failure that terminated the stream, or nil.
func (s *Stream) Err() error {
	return s.err
}

// Text returns the text accumulated so far.
func (s *Stream) Text() string {
	return s.text.String()
}

// Close releases the stream. Closing a stream that has not finished terminates it with a cancellation
// failure. Close is idempotent.
func (s *Stream) Close() {
	if s.done {
		return
	}
	s.finish(chaterrors.NewTransportError(s.provider, 0, context.Canceled))
}

func (s *Stream) finish(err error) {
	s.done = true
	s.err = err
	s.stop()
	if s.onFinish != nil {
		s.onFinish(s.text.String(), err)
	}
}

func (s *Stream) transportError(err error) error {
	if chaterrors.IsTransport(err) {
		return err
	}
	return chaterrors.NewTransportError(s.provider, 0, err)
}
