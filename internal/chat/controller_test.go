package chat_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/ollama-chat/internal/chat"
	"github.com/MegaGrindStone/ollama-chat/internal/models"
	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu    sync.Mutex
	reqs  []*api.ChatRequest
	calls atomic.Int32
	open  func(ctx context.Context) (io.ReadCloser, error)
}

type trackedBody struct {
	io.Reader
	closed atomic.Bool
}

func (f *fakeTransport) OpenChat(ctx context.Context, req *api.ChatRequest) (io.ReadCloser, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.open(ctx)
}

func (f *fakeTransport) requests() []*api.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*api.ChatRequest(nil), f.reqs...)
}

func (b *trackedBody) Close() error {
	b.closed.Store(true)
	return nil
}

func staticTransport(lines ...string) (*fakeTransport, *trackedBody) {
	body := &trackedBody{Reader: strings.NewReader(strings.Join(lines, "\n") + "\n")}
	return &fakeTransport{
		open: func(context.Context) (io.ReadCloser, error) { return body, nil },
	}, body
}

// pipeTransport hands every opened body's writing end to the test. The body fails with the context's cause
// once the request context is done, the way an aborted HTTP response does.
func pipeTransport() (*fakeTransport, chan *io.PipeWriter) {
	writers := make(chan *io.PipeWriter, 4)
	return &fakeTransport{
		open: func(ctx context.Context) (io.ReadCloser, error) {
			pr, pw := io.Pipe()
			go func() {
				<-ctx.Done()
				pw.CloseWithError(context.Cause(ctx))
			}()
			writers <- pw
			return pr, nil
		},
	}, writers
}

func writeLines(t *testing.T, pw *io.PipeWriter, lines ...string) {
	t.Helper()
	for _, l := range lines {
		_, err := io.WriteString(pw, l+"\n")
		require.NoError(t, err)
	}
}

func delta(text string) string {
	return `{"model":"llama3.2","message":{"role":"assistant","content":"` + text + `"},"done":false}`
}

const doneLine = `{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","eval_count":3}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var helloRequest = chat.Request{
	Model: "llama3.2",
	Messages: []models.Message{
		{Role: models.RoleSystem, Content: "Be brief."},
		{Role: models.RoleUser, Content: "hello"},
	},
}

func collect(t *testing.T, ctx context.Context, c *chat.Controller, req chat.Request) []chat.Event {
	t.Helper()
	seq, err := c.Stream(ctx, req)
	require.NoError(t, err)

	var events []chat.Event
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestStreamOrderedDeltas(t *testing.T) {
	tr, body := staticTransport(delta("x"), delta("y"), doneLine)
	c := chat.NewController(tr, time.Second, discardLogger())

	events := collect(t, context.Background(), c, helloRequest)

	assert.Equal(t, []chat.Event{
		chat.ContentDelta{Text: "x"},
		chat.ContentDelta{Text: "y"},
		chat.Done{Model: "llama3.2", Reason: "stop", Metrics: &api.Metrics{EvalCount: 3}},
	}, events)
	assert.True(t, body.closed.Load())

	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "llama3.2", reqs[0].Model)
	require.NotNil(t, reqs[0].Stream)
	assert.True(t, *reqs[0].Stream)
	assert.Equal(t, []api.Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "hello"},
	}, reqs[0].Messages)
}

func TestStreamNothingSentUntilRanged(t *testing.T) {
	tr, _ := staticTransport(doneLine)
	c := chat.NewController(tr, time.Second, discardLogger())

	_, err := c.Stream(context.Background(), helloRequest)
	require.NoError(t, err)
	assert.Zero(t, tr.calls.Load())
}

func TestStreamMalformedLine(t *testing.T) {
	tr, _ := staticTransport(delta("x"), `{"message":`, delta("y"), doneLine)
	c := chat.NewController(tr, time.Second, discardLogger())

	events := collect(t, context.Background(), c, helloRequest)
	require.Len(t, events, 4)

	assert.Equal(t, chat.ContentDelta{Text: "x"}, events[0])
	warn, ok := events[1].(chat.DecodeWarning)
	require.True(t, ok, "got %T", events[1])
	assert.Equal(t, `{"message":`, warn.RawLine)
	assert.Error(t, warn.Err)
	assert.Equal(t, chat.ContentDelta{Text: "y"}, events[2])
	assert.IsType(t, chat.Done{}, events[3])
}

func TestStreamSkipsEmptyAndUnknownRecords(t *testing.T) {
	tr, _ := staticTransport(
		`{"model":"llama3.2","message":{"role":"assistant","content":""},"done":false}`,
		`[1,2,3]`,
		`{"status":"loading"}`,
		delta("x"),
		doneLine,
	)
	c := chat.NewController(tr, time.Second, discardLogger())

	events := collect(t, context.Background(), c, helloRequest)
	require.Len(t, events, 2)
	assert.Equal(t, chat.ContentDelta{Text: "x"}, events[0])
	assert.IsType(t, chat.Done{}, events[1])
}

func TestStreamValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     chat.Request
		wantErr error
	}{
		{
			name:    "No model",
			req:     chat.Request{Messages: helloRequest.Messages},
			wantErr: chat.ErrNoModel,
		},
		{
			name:    "No messages",
			req:     chat.Request{Model: "llama3.2"},
			wantErr: chat.ErrNoMessages,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := staticTransport(doneLine)
			c := chat.NewController(tr, time.Second, discardLogger())

			_, err := c.Stream(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, chat.ErrProtocolViolation)

			ex, err := c.StreamChat(context.Background(), tt.req, nil)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, ex)
			assert.Zero(t, tr.calls.Load())
		})
	}
}

func TestStreamTransportFailures(t *testing.T) {
	statusErr := &models.TransportError{Kind: models.KindStatus, Op: "chat", StatusCode: 404, Message: "model not found"}

	tests := []struct {
		name     string
		open     func(context.Context) (io.ReadCloser, error)
		wantKind models.ErrorKind
	}{
		{
			name:     "Status",
			open:     func(context.Context) (io.ReadCloser, error) { return nil, statusErr },
			wantKind: models.KindStatus,
		},
		{
			name:     "Connection",
			open:     func(context.Context) (io.ReadCloser, error) { return nil, errors.New("connection refused") },
			wantKind: models.KindConnection,
		},
		{
			name:     "No body",
			open:     func(context.Context) (io.ReadCloser, error) { return nil, nil },
			wantKind: models.KindNoBody,
		},
		{
			name: "Broken body",
			open: func(context.Context) (io.ReadCloser, error) {
				r := io.MultiReader(strings.NewReader(delta("x")+"\n"), iotestErrReader{})
				return io.NopCloser(r), nil
			},
			wantKind: models.KindConnection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := chat.NewController(&fakeTransport{open: tt.open}, time.Second, discardLogger())

			events := collect(t, context.Background(), c, helloRequest)
			require.NotEmpty(t, events)

			failure, ok := events[len(events)-1].(chat.Failure)
			require.True(t, ok, "got %T", events[len(events)-1])
			assert.Equal(t, tt.wantKind, failure.Err.Kind)
		})
	}
}

type iotestErrReader struct{}

func (iotestErrReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestStreamStatusErrorPassedThrough(t *testing.T) {
	statusErr := &models.TransportError{Kind: models.KindStatus, Op: "chat", StatusCode: 404}
	tr := &fakeTransport{open: func(context.Context) (io.ReadCloser, error) { return nil, statusErr }}
	c := chat.NewController(tr, time.Second, discardLogger())

	events := collect(t, context.Background(), c, helloRequest)
	require.Len(t, events, 1)
	assert.Same(t, statusErr, events[0].(chat.Failure).Err)
	assert.True(t, models.IsHTTPStatus(events[0].(chat.Failure).Err, 404))
}

func TestStreamServiceError(t *testing.T) {
	tr, body := staticTransport(delta("par"), `{"error":"out of memory"}`, delta("never"))
	c := chat.NewController(tr, time.Second, discardLogger())

	events := collect(t, context.Background(), c, helloRequest)
	require.Len(t, events, 2)
	assert.Equal(t, chat.ContentDelta{Text: "par"}, events[0])

	failure := events[1].(chat.Failure)
	assert.Equal(t, models.KindService, failure.Err.Kind)
	assert.Equal(t, "out of memory", failure.Err.Message)
	assert.True(t, body.closed.Load())
}

func TestStreamEndWithoutDone(t *testing.T) {
	tr, _ := staticTransport(delta("x"))
	c := chat.NewController(tr, time.Second, discardLogger())

	events := collect(t, context.Background(), c, helloRequest)
	assert.Equal(t, []chat.Event{
		chat.ContentDelta{Text: "x"},
		chat.Done{Reason: chat.DoneReasonEndOfStream},
	}, events)
}

func TestStreamBreakClosesBody(t *testing.T) {
	tr, body := staticTransport(delta("x"), delta("y"), doneLine)
	c := chat.NewController(tr, time.Second, discardLogger())

	seq, err := c.Stream(context.Background(), helloRequest)
	require.NoError(t, err)
	for range seq {
		break
	}
	assert.True(t, body.closed.Load())
}

func TestStreamIdleTimeout(t *testing.T) {
	tr, writers := pipeTransport()
	c := chat.NewController(tr, 50*time.Millisecond, discardLogger())

	var events []chat.Event
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		events = collect(t, context.Background(), c, helloRequest)
	}()

	pw := receive(t, writers)
	writeLines(t, pw, delta("x"))
	// Stall: the body stays open but nothing more arrives.
	receive(t, finished)

	require.Len(t, events, 2)
	assert.Equal(t, chat.ContentDelta{Text: "x"}, events[0])
	failure := events[1].(chat.Failure)
	assert.Equal(t, models.KindTimeout, failure.Err.Kind)
	assert.True(t, models.IsTimeout(failure.Err))
}

func TestStreamIdleTimeoutResetsPerChunk(t *testing.T) {
	tr, writers := pipeTransport()
	c := chat.NewController(tr, 100*time.Millisecond, discardLogger())

	var events []chat.Event
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		events = collect(t, context.Background(), c, helloRequest)
	}()

	pw := receive(t, writers)
	// Longer in total than the timeout, but never idle for that long.
	for _, s := range []string{"a", "b", "c", "d"} {
		writeLines(t, pw, delta(s))
		time.Sleep(40 * time.Millisecond)
	}
	writeLines(t, pw, doneLine)
	receive(t, finished)

	require.Len(t, events, 5)
	assert.IsType(t, chat.Done{}, events[4])
}

func TestStreamIdleTimeoutExcludesConsumerTime(t *testing.T) {
	tr, writers := pipeTransport()
	c := chat.NewController(tr, 50*time.Millisecond, discardLogger())

	seq, err := c.Stream(context.Background(), helloRequest)
	require.NoError(t, err)

	go func() {
		pw := <-writers
		_, _ = io.WriteString(pw, delta("a")+"\n")
		_, _ = io.WriteString(pw, doneLine+"\n")
	}()

	var events []chat.Event
	for ev := range seq {
		events = append(events, ev)
		if _, ok := ev.(chat.ContentDelta); ok {
			// A slow consumer, well past the timeout, while the service has the next line ready.
			time.Sleep(150 * time.Millisecond)
		}
	}

	require.Len(t, events, 2)
	assert.Equal(t, chat.ContentDelta{Text: "a"}, events[0])
	assert.IsType(t, chat.Done{}, events[1])
}

func TestStreamCancelledContextEndsSilently(t *testing.T) {
	tr, writers := pipeTransport()
	c := chat.NewController(tr, 0, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []chat.Event
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		events = collect(t, ctx, c, helloRequest)
	}()

	pw := receive(t, writers)
	writeLines(t, pw, delta("x"))
	cancel()
	receive(t, finished)

	assert.Equal(t, []chat.Event{chat.ContentDelta{Text: "x"}}, events)
}

func TestStreamChatResult(t *testing.T) {
	t.Run("Done", func(t *testing.T) {
		tr, _ := staticTransport(delta("x"), doneLine)
		c := chat.NewController(tr, time.Second, discardLogger())

		var got []chat.Event
		ex, err := c.StreamChat(context.Background(), helloRequest, func(ev chat.Event) { got = append(got, ev) })
		require.NoError(t, err)
		assert.NotEmpty(t, ex.ID())

		require.NoError(t, ex.Wait(context.Background()))
		assert.Len(t, got, 2)
	})

	t.Run("Failure", func(t *testing.T) {
		tr, _ := staticTransport(`{"error":"boom"}`)
		c := chat.NewController(tr, time.Second, discardLogger())

		ex, err := c.StreamChat(context.Background(), helloRequest, nil)
		require.NoError(t, err)

		err = ex.Wait(context.Background())
		te, ok := models.AsTransportError(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, models.KindService, te.Kind)
		assert.Equal(t, err, ex.Err())
	})
}

func TestStreamChatCancel(t *testing.T) {
	tr, writers := pipeTransport()
	c := chat.NewController(tr, time.Second, discardLogger())

	delivered := make(chan chat.Event, 8)
	ex, err := c.StreamChat(context.Background(), helloRequest, func(ev chat.Event) { delivered <- ev })
	require.NoError(t, err)
	assert.Nil(t, ex.Err())

	pw := receive(t, writers)
	for _, s := range []string{"a", "b", "c"} {
		writeLines(t, pw, delta(s))
		assert.Equal(t, chat.ContentDelta{Text: s}, receive(t, delivered))
	}

	ex.Cancel()
	ex.Cancel()

	require.ErrorIs(t, ex.Wait(context.Background()), context.Canceled)
	_, err = io.WriteString(pw, delta("d")+"\n")
	assert.Error(t, err)
	assert.Empty(t, delivered)
}

func TestStreamChatCancelFromCallback(t *testing.T) {
	tr, writers := pipeTransport()
	c := chat.NewController(tr, time.Second, discardLogger())

	var exPtr atomic.Pointer[chat.Exchange]
	var count atomic.Int32
	ex, err := c.StreamChat(context.Background(), helloRequest, func(chat.Event) {
		count.Add(1)
		exPtr.Load().Cancel()
	})
	require.NoError(t, err)
	exPtr.Store(ex)

	pw := receive(t, writers)
	writeLines(t, pw, delta("a"))

	receive(t, ex.Done())
	assert.ErrorIs(t, ex.Err(), context.Canceled)
	assert.Equal(t, int32(1), count.Load())
}

func TestStreamChatCancelAfterDone(t *testing.T) {
	tr, _ := staticTransport(delta("x"), doneLine)
	c := chat.NewController(tr, time.Second, discardLogger())

	ex, err := c.StreamChat(context.Background(), helloRequest, nil)
	require.NoError(t, err)
	require.NoError(t, ex.Wait(context.Background()))

	ex.Cancel()
	assert.NoError(t, ex.Err())
}

func TestControllerSetTimeout(t *testing.T) {
	c := chat.NewController(&fakeTransport{}, time.Second, discardLogger())
	assert.Equal(t, time.Second, c.Timeout())

	c.SetTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.Timeout())
}
