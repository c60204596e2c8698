package models

import (
	"fmt"
	"time"
)

// Message represents an individual entry in the conversation log. It contains the unique identifier,
// the participant's role, the text and the time when the message was created. Text of a bot message
// grows while its reply streams and is frozen once the stream ends.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Sources   []Source  `json:"sources,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Source is a citation attached to a bot reply, usually taken from the provider's grounding metadata.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Fragment is one incremental piece of a streamed reply.
type Fragment struct {
	Text    string
	Sources []Source
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleBot represents a reply produced by the model.
	RoleBot Role = "bot"
	// RoleSystem represents a notice produced by the application itself, such as a failed reply.
	RoleSystem Role = "system"
)

// Label returns the human readable name of the role.
func (s Source) Label() string {
	if s.Title != "" {
		return s.Title
	}
	return s.URI
}

// MergeSources appends the sources in add that are not already present in dst, compared by URI.
func MergeSources(dst []Source, add []Source) []Source {
	for _, src := range add {
		if src.URI == "" {
			continue
		}
		found := false
		for _, s := range dst {
			if s.URI == src.URI {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, src)
		}
	}
	return dst
}

// MessageID builds a message identifier from its generation sequence number and a random suffix. The
// sequence number is zero-padded to the width of a uint64, so identifiers sort in the order messages were
// created.
func MessageID(seq uint64, suffix string) string {
	return fmt.Sprintf("%020d-%s", seq, suffix)
}
