package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/ollama-chat/internal/chat"
	"github.com/MegaGrindStone/ollama-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

type modelView struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modifiedAt,omitempty"`
}

// SSE event types for real-time updates.
var (
	messagesSSEType = sse.Type("messages")
	messageSSEType  = sse.Type("message")
	titleSSEType    = sse.Type("title")
	closeSSEType    = sse.Type("closeMessage")
)

// HandleChats submits a user message through HTTP POST requests and starts the exchange that answers it.
// The handler expects a "message" form field. The reply is not part of the response: it is streamed to
// the connected clients through server-sent events, so the exchange outlives the request.
//
// A blank message is rejected with 400, and a message sent while another exchange is running with 409.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	ex, err := m.session.Send(context.WithoutCancel(r.Context()), msg)
	if err != nil {
		m.logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, chat.ErrExchangeInProgress):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	t, err := m.renderTranscript(m.session.Snapshot())
	if err != nil {
		m.logger.Error("Failed to render transcript", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.writeJSON(w, http.StatusAccepted, struct {
		ExchangeID string `json:"exchangeId"`
		transcript
	}{
		ExchangeID: ex.ID(),
		transcript: t,
	})
}

// HandleCancel aborts the running exchange, keeping the partial reply.
func (m *Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cancelled := m.session.Cancel()
	if cancelled {
		m.publishClose()
	}
	m.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// HandleClear cancels the running exchange and starts a new conversation.
func (m *Main) HandleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.titleMu.Lock()
	m.conversation++
	conversation := m.conversation
	m.titleMu.Unlock()

	m.session.Clear()
	m.titled.Store(false)
	m.setTitle(conversation, "")

	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages returns the transcript on GET, and deletes the message given by the "id" query parameter
// on DELETE.
func (m *Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t, err := m.renderTranscript(m.session.Snapshot())
		if err != nil {
			m.logger.Error("Failed to render transcript", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		m.writeJSON(w, http.StatusOK, t)
	case http.MethodDelete:
		id, err := models.ParseEntryID(r.URL.Query().Get("id"))
		if err != nil {
			http.Error(w, "Invalid message id", http.StatusBadRequest)
			return
		}
		if !m.session.Delete(id) {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleModels lists the installed models. A failure of the inference service is reported as 502, or 504
// when it timed out.
func (m *Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	descs, err := m.registry.ListModels(r.Context())
	if err != nil {
		m.logger.Error("Failed to list models", slog.String(errLoggerKey, err.Error()))
		status := http.StatusBadGateway
		if models.IsTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}

	views := make([]modelView, len(descs))
	for i, d := range descs {
		views[i] = modelView{Name: d.Name, Size: d.Size}
		if !d.ModifiedAt.IsZero() {
			views[i].ModifiedAt = d.ModifiedAt.Format(time.RFC3339)
		}
	}

	m.writeJSON(w, http.StatusOK, struct {
		Models  []modelView `json:"models"`
		Current string      `json:"current"`
	}{
		Models:  views,
		Current: m.session.Model(),
	})
}

// HandleHealth reports whether the inference service answers.
func (m *Main) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if m.health.Healthy(r.Context()) {
		m.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	m.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
}

// HandleSSE streams session updates to the client.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// publishUpdate is subscribed to the session. Deltas publish only the message receiving them; every other
// update publishes the whole transcript.
func (m *Main) publishUpdate(u chat.Update) {
	msg := sse.Message{
		Type: messagesSSEType,
	}

	if _, ok := u.Event.(chat.ContentDelta); ok && len(u.Entries) > 0 {
		msg.Type = messageSSEType
		view, err := m.renderMessage(u.Entries[len(u.Entries)-1])
		if err != nil {
			m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
			return
		}
		if !m.appendJSON(&msg, view) {
			return
		}
	} else {
		t, err := m.renderTranscript(u)
		if err != nil {
			m.logger.Error("Failed to render transcript", slog.String(errLoggerKey, err.Error()))
			return
		}
		if !m.appendJSON(&msg, t) {
			return
		}
	}

	if err := m.sseSrv.Publish(&msg, chatSSETopic); err != nil {
		m.logger.Error("Failed to publish message", slog.String(errLoggerKey, err.Error()))
		return
	}

	switch u.Event.(type) {
	case chat.Done:
		m.publishClose()
		if m.titled.CompareAndSwap(false, true) {
			go m.generateTitle(m.currentConversation(), u.Entries)
		}
	case chat.Failure:
		m.publishClose()
	}
}

func (m *Main) publishClose() {
	e := &sse.Message{Type: closeSSEType}
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)
}

func (m *Main) generateTitle(conversation uint64, entries []models.Entry) {
	if m.titleGen == nil {
		return
	}

	var first string
	for _, e := range entries {
		if e.Role == models.RoleUser {
			first = e.Content
			break
		}
	}
	if first == "" {
		m.releaseTitle(conversation)
		return
	}

	m.titleMu.RLock()
	prompt := m.titlePrompt
	m.titleMu.RUnlock()

	title, err := m.titleGen.GenerateTitle(context.Background(), prompt, first)
	if err != nil {
		m.logger.Error("Error generating chat title",
			slog.String("message", first),
			slog.String(errLoggerKey, err.Error()))
		m.releaseTitle(conversation)
		return
	}

	if !m.setTitle(conversation, title) {
		m.logger.Debug("Dropping title of a cleared conversation", slog.String("title", title))
	}
}

func (m *Main) currentConversation() uint64 {
	m.titleMu.RLock()
	defer m.titleMu.RUnlock()
	return m.conversation
}

// releaseTitle lets the next exchange of the same conversation try again.
func (m *Main) releaseTitle(conversation uint64) {
	if m.currentConversation() == conversation {
		m.titled.Store(false)
	}
}

// setTitle stores and publishes title unless the conversation has been cleared since.
func (m *Main) setTitle(conversation uint64, title string) bool {
	m.titleMu.Lock()
	if conversation != m.conversation {
		m.titleMu.Unlock()
		return false
	}
	m.title = title
	m.titleMu.Unlock()

	msg := sse.Message{
		Type: titleSSEType,
	}
	msg.AppendData(title)
	if err := m.sseSrv.Publish(&msg, chatSSETopic); err != nil {
		m.logger.Error("Failed to publish title", slog.String(errLoggerKey, err.Error()))
	}
	return true
}

// Title returns the generated title of the current conversation, empty until one is known.
func (m *Main) Title() string {
	m.titleMu.RLock()
	defer m.titleMu.RUnlock()

	return m.title
}

func (m *Main) appendJSON(msg *sse.Message, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("Failed to marshal event", slog.String(errLoggerKey, err.Error()))
		return false
	}
	msg.AppendData(string(data))
	return true
}

func (m *Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}
