package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/MegaGrindStone/ollama-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// SessionConfig holds the per-conversation settings that shape outgoing requests.
type SessionConfig struct {
	Model        string
	SystemPrompt string
}

// Update is what subscribers receive after every change of a Session.
type Update struct {
	// Entries is a snapshot of the transcript.
	Entries []models.Entry
	// Busy is true while an exchange is running.
	Busy bool
	// Event is the exchange event that caused the update; nil for changes made by the caller, such as Send,
	// Cancel, Clear or Delete, and when an exchange ends with its context.
	Event Event
	// Err is the failure of the most recent exchange, kept until the next Send or Clear.
	Err error
	// Warnings counts the malformed lines skipped in the current conversation.
	Warnings int
	// Metrics is the usage reported by the last completed exchange.
	Metrics *api.Metrics
}

// Session is the headless chat engine: a transcript plus at most one running exchange. It is independent of
// any rendering; consumers call Snapshot or Subscribe to follow the conversation.
//
// All mutations are serialized by the session lock, and events of an exchange are applied in arrival order.
// Subscribers are called outside the lock, so they may call back into the Session.
type Session struct {
	mu         sync.Mutex
	controller *Controller
	transcript *Transcript
	config     SessionConfig
	active     *activeExchange
	lastErr    error
	warnings   int
	metrics    *api.Metrics

	subsMu  sync.Mutex
	subs    map[int]func(Update)
	nextSub int

	logger *slog.Logger
}

type activeExchange struct {
	ex      *Exchange
	entryID models.EntryID
}

// NewSession creates a Session with an empty transcript.
func NewSession(controller *Controller, cfg SessionConfig, logger *slog.Logger) *Session {
	return &Session{
		controller: controller,
		transcript: NewTranscript(),
		config:     cfg,
		subs:       make(map[int]func(Update)),
		logger:     logger.With(slog.String("module", "session")),
	}
}

// Send submits a user utterance and starts the exchange that answers it. The user turn is appended, the
// request is derived from a snapshot of the transcript taken at that moment, and an empty assistant turn is
// opened to receive the reply. Sending while an exchange is running is rejected with ErrExchangeInProgress
// and leaves the transcript untouched.
//
// ctx bounds the whole exchange; cancelling it has the same effect as Cancel on the returned Exchange. The
// assistant turn is closed and subscribers receive an Update once the exchange has wound down.
func (s *Session) Send(ctx context.Context, content string) (*Exchange, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	s.reap()

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		s.logger.Error("Rejected message while an exchange is running",
			slog.String("exchange", s.activeID()))
		return nil, ErrExchangeInProgress
	}

	userEntry, err := s.transcript.AppendUserTurn(content)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("Failed to append user turn", slog.String(errLoggerKey, err.Error()))
		return nil, err
	}
	msgs := s.transcript.Messages(s.config.SystemPrompt)
	aiEntry, err := s.transcript.BeginAssistantTurn()
	if err != nil {
		s.transcript.Delete(userEntry.ID)
		s.mu.Unlock()
		s.logger.Error("Failed to open assistant turn", slog.String(errLoggerKey, err.Error()))
		return nil, err
	}

	act := &activeExchange{entryID: aiEntry.ID}
	ex, err := s.controller.StreamChat(ctx, Request{Model: s.config.Model, Messages: msgs}, func(ev Event) {
		s.apply(act, ev)
	})
	if err != nil {
		s.transcript.Delete(aiEntry.ID)
		s.transcript.Delete(userEntry.ID)
		s.mu.Unlock()
		return nil, err
	}
	act.ex = ex
	s.active = act
	s.lastErr = nil
	model := s.config.Model
	upd := s.snapshotLocked(nil)
	s.mu.Unlock()

	s.logger.Debug("Exchange submitted",
		slog.String("exchange", ex.ID()),
		slog.String("model", model),
		slog.String("entry", aiEntry.ID.String()))

	s.notify(upd)

	go func() {
		<-ex.Done()
		s.reap()
	}()
	return ex, nil
}

// apply folds one event of act into the transcript. Events of an exchange that is no longer the active one
// (cancelled, cleared or deleted) are dropped.
func (s *Session) apply(act *activeExchange, ev Event) {
	s.mu.Lock()
	if s.active != act {
		s.mu.Unlock()
		return
	}

	switch ev := ev.(type) {
	case ContentDelta:
		if err := s.transcript.ApplyDelta(ev.Text); err != nil {
			s.logger.Error("Failed to apply delta",
				slog.String("exchange", act.ex.ID()),
				slog.String(errLoggerKey, err.Error()))
		}
	case Done:
		s.closeLocked()
		s.active = nil
		s.metrics = ev.Metrics
	case DecodeWarning:
		s.warnings++
		s.logger.Warn("Malformed line in chat stream",
			slog.String("exchange", act.ex.ID()),
			slog.String("line", ev.RawLine))
	case Failure:
		s.closeLocked()
		s.active = nil
		s.lastErr = ev.Err
		s.logger.Error("Exchange failed",
			slog.String("exchange", act.ex.ID()),
			slog.String(errLoggerKey, ev.Err.Error()))
	}

	upd := s.snapshotLocked(ev)
	s.mu.Unlock()

	s.notify(upd)
}

// Cancel aborts the running exchange, keeping whatever partial reply it produced, and reports whether there
// was one. It is safe to call at any time and any number of times.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	act := s.active
	if act == nil {
		s.mu.Unlock()
		return false
	}
	s.active = nil
	s.closeLocked()
	upd := s.snapshotLocked(nil)
	s.mu.Unlock()

	act.ex.Cancel()
	s.logger.Debug("Exchange cancelled", slog.String("exchange", act.ex.ID()))

	s.notify(upd)
	return true
}

// Clear cancels the running exchange, if any, and empties the transcript.
func (s *Session) Clear() {
	s.mu.Lock()
	act := s.active
	s.active = nil
	s.transcript.Clear()
	s.lastErr = nil
	s.warnings = 0
	s.metrics = nil
	upd := s.snapshotLocked(nil)
	s.mu.Unlock()

	if act != nil {
		act.ex.Cancel()
	}
	s.notify(upd)
}

// Delete removes an entry and reports whether it existed. Deleting the entry that is receiving the running
// exchange's reply also cancels that exchange.
func (s *Session) Delete(id models.EntryID) bool {
	s.mu.Lock()
	ok := s.transcript.Delete(id)
	var act *activeExchange
	if ok && s.active != nil && s.active.entryID == id {
		act = s.active
		s.active = nil
	}
	upd := s.snapshotLocked(nil)
	s.mu.Unlock()

	if act != nil {
		act.ex.Cancel()
	}
	if ok {
		s.notify(upd)
	}
	return ok
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Update {
	s.reap()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked(nil)
}

// Busy reports whether an exchange is running.
func (s *Session) Busy() bool {
	s.reap()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active != nil
}

// Model returns the model used for new exchanges.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.config.Model
}

// SetModel changes the model used for new exchanges; a running exchange is not affected.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config.Model = model
}

// SetSystemPrompt changes the system prompt sent ahead of the transcript in new exchanges.
func (s *Session) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config.SystemPrompt = prompt
}

// Subscribe registers fn to receive every Update and returns a function that unregisters it. Updates caused
// by one exchange arrive in order; updates from concurrent callers of Send, Cancel, Clear or Delete may
// interleave, so subscribers should treat each Update as a full snapshot.
func (s *Session) Subscribe(fn func(Update)) (unsubscribe func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Session) notify(upd Update) {
	s.subsMu.Lock()
	subs := make([]func(Update), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range subs {
		fn(upd)
	}
}

func (s *Session) closeLocked() {
	if _, err := s.transcript.CloseAssistantTurn(); err != nil {
		// The open entry was deleted while the exchange was running.
		s.logger.Debug("No assistant turn to close", slog.String(errLoggerKey, err.Error()))
	}
}

// reap releases an exchange that ended without a terminal event, which happens when the context passed to
// Send is cancelled, and tells the subscribers.
func (s *Session) reap() {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.active.ex.Done():
	default:
		s.mu.Unlock()
		return
	}
	s.logger.Debug("Exchange ended by its context", slog.String("exchange", s.active.ex.ID()))
	s.active = nil
	s.closeLocked()
	upd := s.snapshotLocked(nil)
	s.mu.Unlock()

	s.notify(upd)
}

func (s *Session) snapshotLocked(ev Event) Update {
	return Update{
		Entries:  s.transcript.Entries(),
		Busy:     s.active != nil,
		Event:    ev,
		Err:      s.lastErr,
		Warnings: s.warnings,
		Metrics:  s.metrics,
	}
}

// activeID must be called without holding mu.
func (s *Session) activeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.ex == nil {
		return ""
	}
	return s.active.ex.ID()
}
