// Package chat is the streaming chat engine: it issues chat requests, turns the NDJSON response stream into
// ordered events, and folds those events into a transcript.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/ollama-chat/internal/models"
	"github.com/MegaGrindStone/ollama-chat/internal/ndjson"
	"github.com/MegaGrindStone/ollama-chat/internal/services"
	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
)

// Transport opens a streaming chat request. A failing HTTP status, a connection failure or a missing body
// must be returned as an error (preferably a *models.TransportError) before the body is handed out. The
// returned body is read until it ends or the context is cancelled, and is always closed by the caller.
type Transport interface {
	OpenChat(ctx context.Context, req *api.ChatRequest) (io.ReadCloser, error)
}

// Request is one chat exchange. Messages is the full conversation, system prompt first, since the service
// keeps no state between requests.
type Request struct {
	Model    string
	Messages []models.Message
}

// Controller drives chat exchanges over a Transport. It never touches a transcript itself; it only emits
// events.
type Controller struct {
	transport Transport
	timeout   atomic.Int64
	chunkSize int

	logger *slog.Logger
}

// chatRecord is the part of a /api/chat response line the engine interprets. Everything else is ignored so
// that fields added by newer servers don't break decoding.
type chatRecord struct {
	Model   string `json:"model"`
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error"`

	api.Metrics
}

const errLoggerKey = "err"

var errIdleTimeout = errors.New("no data received within the request timeout")

// NewController creates a Controller. timeout bounds the wait for the response headers and for each
// following chunk of the body; zero disables it.
func NewController(transport Transport, timeout time.Duration, logger *slog.Logger) *Controller {
	c := &Controller{
		transport: transport,
		chunkSize: ndjson.DefaultChunkSize,
		logger:    logger.With(slog.String("module", "chat")),
	}
	c.SetTimeout(timeout)
	return c
}

// SetTimeout changes the request timeout of exchanges started afterwards.
func (c *Controller) SetTimeout(timeout time.Duration) {
	c.timeout.Store(int64(timeout))
}

// Timeout returns the current request timeout.
func (c *Controller) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// Stream validates req and returns the exchange as a lazy sequence of events. Nothing is sent until the
// sequence is ranged over. The sequence yields ContentDelta and DecodeWarning events in arrival order and
// ends after a Done or a Failure. When ctx is cancelled the sequence ends without any further event; an
// elapsed timeout ends it with a Failure of kind models.KindTimeout. Breaking out of the loop aborts the
// request. The response body is closed on every path.
func (c *Controller) Stream(ctx context.Context, req Request) (iter.Seq[Event], error) {
	if req.Model == "" {
		return nil, ErrNoModel
	}
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	t := true
	wire := &api.ChatRequest{
		Model:    req.Model,
		Messages: services.APIMessages(req.Messages),
		Stream:   &t,
	}
	timeout := c.Timeout()

	return func(yield func(Event) bool) {
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		var idle *time.Timer
		if timeout > 0 {
			idle = time.AfterFunc(timeout, func() { cancel(errIdleTimeout) })
			defer idle.Stop()
		}

		// The deadline only runs while waiting on the service, not while the consumer handles an event.
		emit := func(ev Event) bool {
			if idle == nil || !idle.Stop() {
				return yield(ev)
			}
			ok := yield(ev)
			idle.Reset(timeout)
			return ok
		}

		body, err := c.transport.OpenChat(ctx, wire)
		if err != nil {
			if te := c.failure(ctx, err); te != nil {
				yield(Failure{Err: te})
			}
			return
		}
		if body == nil {
			yield(Failure{Err: &models.TransportError{Kind: models.KindNoBody, Op: "chat"}})
			return
		}
		defer body.Close()

		var r io.Reader = body
		if idle != nil {
			r = idleReader{r: body, timer: idle, timeout: timeout}
		}

		for frame, err := range ndjson.Read(r, c.chunkSize) {
			if err != nil {
				if te := c.failure(ctx, err); te != nil {
					yield(Failure{Err: te})
				}
				return
			}

			if frame.Err != nil {
				c.logger.Warn("Skipping malformed line",
					slog.String("line", frame.Raw),
					slog.String(errLoggerKey, frame.Err.Error()))
				if !emit(DecodeWarning{RawLine: frame.Raw, Err: frame.Err}) {
					return
				}
				continue
			}

			var rec chatRecord
			if err := json.Unmarshal(frame.Value, &rec); err != nil {
				c.logger.Debug("Ignoring unrecognized record", slog.String("line", frame.Raw))
				continue
			}

			if rec.Error != "" {
				yield(Failure{Err: &models.TransportError{Kind: models.KindService, Op: "chat", Message: rec.Error}})
				return
			}
			if rec.Message != nil && rec.Message.Content != "" {
				if !emit(ContentDelta{Text: rec.Message.Content}) {
					return
				}
			}
			if rec.Done {
				done := Done{Model: rec.Model, Reason: rec.DoneReason}
				if rec.Metrics != (api.Metrics{}) {
					m := rec.Metrics
					done.Metrics = &m
				}
				yield(done)
				return
			}
		}

		if context.Cause(ctx) != nil {
			// The body reported a clean end although the request was aborted underneath it.
			if te := c.failure(ctx, context.Cause(ctx)); te != nil {
				yield(Failure{Err: te})
			}
			return
		}

		c.logger.Warn("Stream ended without completion marker")
		yield(Done{Reason: DoneReasonEndOfStream})
	}, nil
}

// StreamChat starts an exchange in the background and delivers its events to onEvent, one at a time and in
// arrival order, from a single goroutine. Validation errors are returned immediately and nothing is sent.
func (c *Controller) StreamChat(ctx context.Context, req Request, onEvent func(Event)) (*Exchange, error) {
	ctx, cancel := context.WithCancel(ctx)

	events, err := c.Stream(ctx, req)
	if err != nil {
		cancel()
		c.logger.Error("Rejected chat request", slog.String(errLoggerKey, err.Error()))
		return nil, err
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	ex := &Exchange{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	logger := c.logger.With(slog.String("exchange", ex.id))
	logger.Debug("Exchange started",
		slog.String("model", req.Model),
		slog.Int("messages", len(req.Messages)))

	go func() {
		defer close(ex.done)
		defer cancel()

		// Anything that ends the loop without a terminal event is a cancellation.
		var result error = context.Canceled
		for ev := range events {
			if !ex.deliver(ev, onEvent) {
				break
			}
			switch ev := ev.(type) {
			case Done:
				result = nil
			case Failure:
				result = ev.Err
			}
			if ex.cancelled.Load() {
				break
			}
		}
		ex.err = result

		logger.Debug("Exchange finished", slog.Any("result", result))
	}()

	return ex, nil
}

func (c *Controller) failure(ctx context.Context, err error) *models.TransportError {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errIdleTimeout):
		return &models.TransportError{Kind: models.KindTimeout, Op: "chat", Cause: cause}
	case errors.Is(cause, context.Canceled):
		return nil
	case errors.Is(cause, context.DeadlineExceeded):
		return &models.TransportError{Kind: models.KindTimeout, Op: "chat", Cause: cause}
	}

	if te, ok := models.AsTransportError(err); ok {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.TransportError{Kind: models.KindTimeout, Op: "chat", Cause: err}
	}
	return &models.TransportError{Kind: models.KindConnection, Op: "chat", Cause: err}
}

// idleReader pushes the idle deadline back every time data arrives.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}
