package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/ollama-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// OllamaConfig is the configuration surface of the Ollama client.
type OllamaConfig struct {
	// Host is the base URL of the service, e.g. http://localhost:11434.
	Host string
	// Model is the default model identifier.
	Model string
	// Timeout bounds single-shot calls. Streaming chats are bounded by the chat controller instead, which
	// applies the same value between consecutive chunks.
	Timeout time.Duration
}

// Default configuration values, matching a stock local Ollama install.
const (
	DefaultHost    = "http://localhost:11434"
	DefaultModel   = "llama3.2"
	DefaultTimeout = 30 * time.Second
)

const (
	errorBodyLimit = 4 << 10
	errLoggerKey   = "err"
)

// Ollama is the HTTP client of a local Ollama server. It opens streaming chat requests for the chat
// controller, enumerates the installed models, checks liveness and runs non-streaming chats. The
// configuration can be replaced at runtime with UpdateConfig; calls already in flight keep the settings
// they started with.
type Ollama struct {
	mu     sync.RWMutex
	config OllamaConfig
	base   *url.URL

	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllama creates a new Ollama client. Empty configuration fields are filled with the defaults. The
// host must be an absolute http(s) URL.
func NewOllama(cfg OllamaConfig, logger *slog.Logger) (*Ollama, error) {
	o := &Ollama{
		// No client-level timeout: it would cut long generations short.
		httpClient: &http.Client{},
		logger:     logger.With(slog.String("module", "ollama")),
	}
	if err := o.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return o, nil
}

// UpdateConfig replaces the client configuration. Empty fields fall back to the defaults.
func (o *Ollama) UpdateConfig(cfg OllamaConfig) error {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	u, err := url.Parse(strings.TrimRight(cfg.Host, "/"))
	if err != nil {
		return fmt.Errorf("invalid ollama host %q: %w", cfg.Host, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("invalid ollama host %q: want an absolute http(s) URL", cfg.Host)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.config = cfg
	o.base = u

	o.logger.Debug("Config updated",
		slog.String("host", cfg.Host),
		slog.String("model", cfg.Model),
		slog.Duration("timeout", cfg.Timeout))
	return nil
}

// Config returns a copy of the current configuration.
func (o *Ollama) Config() OllamaConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config
}

func (o *Ollama) current() (OllamaConfig, *url.URL) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.config, o.base
}

// OpenChat posts req to /api/chat and returns the response body as it arrives. A non-2xx status, a
// connection failure or a response without a body is reported as a *models.TransportError before any byte
// of the body is handed out. The caller must close the returned body.
func (o *Ollama) OpenChat(ctx context.Context, req *api.ChatRequest) (io.ReadCloser, error) {
	_, base := o.current()

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base.JoinPath("/api/chat").String(), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError("chat", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError("chat", resp)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, &models.TransportError{Kind: models.KindNoBody, Op: "chat"}
	}

	return resp.Body, nil
}

// ListModels enumerates the models installed on the server, in the order the server reports them. A
// non-success status is returned as a *models.TransportError and is not retried.
func (o *Ollama) ListModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	cfg, base := o.current()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath("/api/tags").String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, transportError("list models", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError("list models", resp)
	}

	var res api.ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, transportError("list models", err)
		}
		return nil, &models.TransportError{Kind: models.KindDecode, Op: "list models", Cause: err}
	}

	descs := make([]models.ModelDescriptor, len(res.Models))
	for i, m := range res.Models {
		descs[i] = models.ModelDescriptor{
			Name:       m.Name,
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt,
		}
	}
	return descs, nil
}

// Healthy checks /api/version. Any 2xx answer means healthy; every other status and every failure,
// including a network failure, resolves to false. It never returns an error.
func (o *Ollama) Healthy(ctx context.Context) bool {
	cfg, base := o.current()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath("/api/version").String(), nil)
	if err != nil {
		o.logger.Debug("Health check failed", slog.String(errLoggerKey, err.Error()))
		return false
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Debug("Health check failed", slog.String(errLoggerKey, err.Error()))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		o.logger.Debug("Health check failed", slog.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// Complete runs a non-streaming chat (stream=false) and returns the assistant reply. An empty model falls
// back to the configured default.
func (o *Ollama) Complete(ctx context.Context, model string, messages []models.Message) (models.Message, error) {
	cfg, base := o.current()
	if model == "" {
		model = cfg.Model
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	f := false
	jsonBody, err := json.Marshal(api.ChatRequest{
		Model:    model,
		Messages: APIMessages(messages),
		Stream:   &f,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base.JoinPath("/api/chat").String(), bytes.NewReader(jsonBody))
	if err != nil {
		return models.Message{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return models.Message{}, transportError("chat", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Message{}, statusError("chat", resp)
	}

	var res api.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Message{}, transportError("chat", err)
		}
		return models.Message{}, &models.TransportError{Kind: models.KindDecode, Op: "chat", Cause: err}
	}

	return models.Message{
		Role:    models.Role(res.Message.Role),
		Content: res.Message.Content,
	}, nil
}

// GenerateTitle asks the default model for a short title of a conversation that starts with message.
// The system prompt steers the model towards a title instead of an answer.
func (o *Ollama) GenerateTitle(ctx context.Context, systemPrompt, message string) (string, error) {
	msgs := []models.Message{{Role: models.RoleUser, Content: message}}
	if systemPrompt != "" {
		msgs = append([]models.Message{{Role: models.RoleSystem, Content: systemPrompt}}, msgs...)
	}

	reply, err := o.Complete(ctx, "", msgs)
	if err != nil {
		return "", fmt.Errorf("error generating title: %w", err)
	}

	return strings.Trim(strings.TrimSpace(reply.Content), `"`), nil
}

// APIMessages converts transcript messages into the service's wire representation.
func APIMessages(messages []models.Message) []api.Message {
	msgs := make([]api.Message, len(messages))
	for i, msg := range messages {
		msgs[i] = api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	return msgs
}

func transportError(op string, err error) *models.TransportError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.TransportError{Kind: models.KindTimeout, Op: op, Cause: err}
	}
	return &models.TransportError{Kind: models.KindConnection, Op: op, Cause: err}
}

func statusError(op string, resp *http.Response) *models.TransportError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	msg := strings.TrimSpace(string(body))
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		msg = e.Error
	}

	return &models.TransportError{
		Kind:       models.KindStatus,
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}
