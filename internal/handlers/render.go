package handlers

import (
	"bytes"
	"fmt"
	"html"
	"time"

	"github.com/MegaGrindStone/ollama-chat/internal/chat"
	"github.com/MegaGrindStone/ollama-chat/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

type message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	HTML      string    `json:"html"`
	Timestamp time.Time `json:"timestamp"`

	// StreamingState is "loading" before the first delta, "streaming" while deltas arrive and "ended" once
	// the entry is closed.
	StreamingState string `json:"streamingState"`
}

type transcript struct {
	Messages []message `json:"messages"`
	Busy     bool      `json:"busy"`
	Model    string    `json:"model"`
	Error    string    `json:"error,omitempty"`
	Warnings int       `json:"warnings"`
}

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("github"),
			),
		),
	)
}

func streamingState(e models.Entry) string {
	switch {
	case !e.Open:
		return "ended"
	case e.Content == "":
		return "loading"
	default:
		return "streaming"
	}
}

// renderMessage converts an entry into its view. User input is escaped verbatim; assistant output is
// rendered as markdown.
func (m *Main) renderMessage(e models.Entry) (message, error) {
	msg := message{
		ID:             e.ID.String(),
		Role:           string(e.Role),
		Content:        e.Content,
		Timestamp:      e.CreatedAt,
		StreamingState: streamingState(e),
	}

	if e.Role != models.RoleAssistant {
		msg.HTML = "<p>" + html.EscapeString(e.Content) + "</p>"
		return msg, nil
	}

	var buf bytes.Buffer
	if err := m.md.Convert([]byte(e.Content), &buf); err != nil {
		return message{}, fmt.Errorf("failed to render message %s: %w", e.ID, err)
	}
	msg.HTML = buf.String()
	return msg, nil
}

func (m *Main) renderTranscript(u chat.Update) (transcript, error) {
	msgs := make([]message, len(u.Entries))
	for i, e := range u.Entries {
		msg, err := m.renderMessage(e)
		if err != nil {
			return transcript{}, err
		}
		msgs[i] = msg
	}

	t := transcript{
		Messages: msgs,
		Busy:     u.Busy,
		Model:    m.session.Model(),
		Warnings: u.Warnings,
	}
	if u.Err != nil {
		t.Error = u.Err.Error()
	}
	return t, nil
}
