package models

import (
	"strconv"
	"time"
)

// Message is a single turn as it travels over the wire to the inference service. Once a Message has been
// handed to the transport it is treated as immutable; the transcript keeps its own entries.
type Message struct {
	Role    Role
	Content string
}

// EntryID identifies a transcript entry. Identifiers are allocated from a monotonic counter, so they are
// unique and strictly increasing in creation order.
type EntryID uint64

// Entry represents an individual turn within the client-side transcript. It contains the identifier, the
// participant's role, the content accumulated so far, and the time the entry was created. Open is true only
// for the assistant entry that is currently receiving streamed content.
type Entry struct {
	ID        EntryID
	Role      Role
	Content   string
	CreatedAt time.Time
	Open      bool
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleSystem represents the system prompt. It only ever appears on the wire, never in the transcript.
	RoleSystem Role = "system"
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model.
	RoleAssistant Role = "assistant"
)

// String returns the decimal form of the identifier.
func (id EntryID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseEntryID parses the decimal form produced by EntryID.String.
func ParseEntryID(s string) (EntryID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return EntryID(n), nil
}

// Message converts the entry into its wire form.
func (e Entry) Message() Message {
	return Message{
		Role:    e.Role,
		Content: e.Content,
	}
}
