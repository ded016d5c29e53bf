package handlers

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/ollama-chat/internal/chat"
	"github.com/MegaGrindStone/ollama-chat/internal/models"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// Session is the chat engine the handlers drive. It is implemented by *chat.Session.
type Session interface {
	Send(ctx context.Context, content string) (*chat.Exchange, error)
	Cancel() bool
	Clear()
	Delete(id models.EntryID) bool
	Snapshot() chat.Update
	Subscribe(fn func(chat.Update)) (unsubscribe func())
	Model() string
}

// ModelRegistry enumerates the models installed on the inference service.
type ModelRegistry interface {
	ListModels(ctx context.Context) ([]models.ModelDescriptor, error)
}

// HealthChecker reports whether the inference service is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// TitleGenerator names a conversation after its first user message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, systemPrompt, message string) (string, error)
}

// Main is the HTTP adapter of a chat Session. It accepts user input over plain HTTP endpoints and pushes
// every transcript change to the browser through server-sent events, with assistant markdown rendered to
// HTML.
type Main struct {
	sseSrv *sse.Server
	md     goldmark.Markdown

	session  Session
	registry ModelRegistry
	health   HealthChecker
	titleGen TitleGenerator

	titleMu     sync.RWMutex
	titlePrompt string
	title       string
	titled      atomic.Bool

	// conversation is bumped on every clear; titles of an earlier conversation are discarded.
	conversation uint64

	unsubscribe func()
	logger      *slog.Logger
}

const (
	chatSSETopic = "chat"
	errLoggerKey = "err"
)

// NewMain creates a Main serving session. It subscribes to the session right away, so updates caused by
// any caller, not only these handlers, reach the connected clients. titleGen may be nil, in which case
// conversations are never named.
func NewMain(
	session Session,
	registry ModelRegistry,
	health HealthChecker,
	titleGen TitleGenerator,
	titlePrompt string,
	logger *slog.Logger,
) *Main {
	m := &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, chatSSETopic},
				}, true
			},
		},
		md:          newMarkdown(),
		session:     session,
		registry:    registry,
		health:      health,
		titleGen:    titleGen,
		titlePrompt: titlePrompt,
		logger:      logger.With(slog.String("module", "main")),
	}
	m.unsubscribe = session.Subscribe(m.publishUpdate)

	return m
}

// SetTitlePrompt replaces the system prompt used to generate conversation titles.
func (m *Main) SetTitlePrompt(prompt string) {
	m.titleMu.Lock()
	defer m.titleMu.Unlock()

	m.titlePrompt = prompt
}

// Shutdown gracefully terminates the Main instance. It stops following the session, cancels a running
// exchange, broadcasts a close message to all connected clients and waits up to 5 seconds for connections
// to terminate. After the timeout, any remaining connections are forcefully closed.
func (m *Main) Shutdown(ctx context.Context) error {
	m.unsubscribe()
	m.session.Cancel()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// The event needs data to be dispatched by browsers.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
