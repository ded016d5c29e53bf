package chat

import (
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/ollama-chat/internal/models"
)

// Transcript owns the ordered conversation state. At most one entry is open at a time; it is always the
// last entry and always an assistant entry. Closed entries are never mutated again. Identifiers come from a
// counter that survives Clear, so they stay unique for the lifetime of the Transcript.
//
// A Transcript is safe for concurrent use; the zero value is an empty transcript.
type Transcript struct {
	mu      sync.RWMutex
	entries []models.Entry
	lastID  models.EntryID

	// now is overridden in tests.
	now func() time.Time
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{now: time.Now}
}

// AppendUserTurn appends a closed user entry.
func (t *Transcript) AppendUserTurn(content string) (models.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.openLocked() {
		return models.Entry{}, ErrTurnOpen
	}
	return t.appendLocked(models.RoleUser, content, false), nil
}

// BeginAssistantTurn opens a new, empty assistant entry.
func (t *Transcript) BeginAssistantTurn() (models.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.openLocked() {
		return models.Entry{}, ErrTurnOpen
	}
	return t.appendLocked(models.RoleAssistant, "", true), nil
}

// ApplyDelta appends text to the open assistant entry.
func (t *Transcript) ApplyDelta(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.openLocked() {
		return ErrNoOpenTurn
	}
	t.entries[len(t.entries)-1].Content += text
	return nil
}

// CloseAssistantTurn closes the open assistant entry with whatever content it has and returns it.
func (t *Transcript) CloseAssistantTurn() (models.Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.openLocked() {
		return models.Entry{}, ErrNoOpenTurn
	}
	last := &t.entries[len(t.entries)-1]
	last.Open = false
	return *last, nil
}

// Clear removes every entry.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = nil
}

// Delete removes the entry with the given id and reports whether it existed. Deleting the open entry closes
// the turn: later deltas are rejected with ErrNoOpenTurn.
func (t *Transcript) Delete(id models.EntryID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := slices.IndexFunc(t.entries, func(e models.Entry) bool { return e.ID == id })
	if i < 0 {
		return false
	}
	t.entries = slices.Delete(t.entries, i, i+1)
	return true
}

// Entries returns a copy of all entries in creation order.
func (t *Transcript) Entries() []models.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return slices.Clone(t.entries)
}

// Entry returns the entry with the given id.
func (t *Transcript) Entry(id models.EntryID) (models.Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := slices.IndexFunc(t.entries, func(e models.Entry) bool { return e.ID == id })
	if i < 0 {
		return models.Entry{}, false
	}
	return t.entries[i], true
}

// OpenEntry returns the open assistant entry, if any.
func (t *Transcript) OpenEntry() (models.Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.openLocked() {
		return models.Entry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}

// Messages takes a point-in-time snapshot of the transcript in wire form, with the system prompt (if any)
// first. The open entry and assistant entries that never received content are left out.
func (t *Transcript) Messages(systemPrompt string) []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msgs := make([]models.Message, 0, len(t.entries)+1)
	if systemPrompt != "" {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: systemPrompt})
	}
	for _, e := range t.entries {
		if e.Open || (e.Role == models.RoleAssistant && e.Content == "") {
			continue
		}
		msgs = append(msgs, e.Message())
	}
	return msgs
}

func (t *Transcript) openLocked() bool {
	return len(t.entries) > 0 && t.entries[len(t.entries)-1].Open
}

func (t *Transcript) appendLocked(role models.Role, content string, open bool) models.Entry {
	now := time.Now
	if t.now != nil {
		now = t.now
	}

	t.lastID++
	e := models.Entry{
		ID:        t.lastID,
		Role:      role,
		Content:   content,
		CreatedAt: now(),
		Open:      open,
	}
	t.entries = append(t.entries, e)
	return e
}
