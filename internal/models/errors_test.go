package models_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/MegaGrindStone/ollama-chat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *models.TransportError
		want string
	}{
		{
			name: "Status with service message",
			err:  &models.TransportError{Kind: models.KindStatus, Op: "chat", StatusCode: http.StatusNotFound, Message: "model not found"},
			want: "chat: http 404 Not Found: model not found",
		},
		{
			name: "Timeout",
			err:  &models.TransportError{Kind: models.KindTimeout, Op: "chat", Cause: context.DeadlineExceeded},
			want: "chat: request timed out: context deadline exceeded",
		},
		{
			name: "Connection without op",
			err:  &models.TransportError{Kind: models.KindConnection, Cause: errors.New("connection refused")},
			want: "request failed: connection refused",
		},
		{
			name: "No body",
			err:  &models.TransportError{Kind: models.KindNoBody, Op: "chat"},
			want: "chat: no response body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestTransportErrorHelpers(t *testing.T) {
	status := fmt.Errorf("list models: %w", &models.TransportError{Kind: models.KindStatus, StatusCode: http.StatusBadGateway})
	timeout := &models.TransportError{Kind: models.KindTimeout, Cause: context.DeadlineExceeded}

	te, ok := models.AsTransportError(status)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)

	assert.True(t, models.IsHTTPStatus(status, http.StatusBadGateway))
	assert.False(t, models.IsHTTPStatus(status, http.StatusNotFound))
	assert.False(t, models.IsTimeout(status))

	assert.True(t, models.IsTimeout(timeout))
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)

	_, ok = models.AsTransportError(errors.New("plain"))
	assert.False(t, ok)
}

func TestEntryIDRoundTrip(t *testing.T) {
	id, err := models.ParseEntryID(models.EntryID(42).String())
	require.NoError(t, err)
	assert.Equal(t, models.EntryID(42), id)

	_, err = models.ParseEntryID("-1")
	assert.Error(t, err)
}
