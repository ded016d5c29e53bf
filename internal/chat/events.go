package chat

import (
	"github.com/MegaGrindStone/ollama-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// Event is one step of a chat exchange, as delivered by the Controller. The concrete types are
// ContentDelta, Done, DecodeWarning and Failure; consumers switch on the type.
type Event interface {
	event()
}

// ContentDelta is a fragment of assistant output. Deltas must be applied in delivery order.
type ContentDelta struct {
	Text string
}

// Done ends an exchange successfully.
type Done struct {
	Model string
	// Reason is the service's done_reason, or DoneReasonEndOfStream when the body ended without a
	// completion marker.
	Reason string
	// Metrics holds the timing and usage counters of the final record, nil if the service sent none.
	Metrics *api.Metrics
}

// DoneReasonEndOfStream marks an exchange whose body ended before a record with done=true arrived.
const DoneReasonEndOfStream = "end_of_stream"

// DecodeWarning reports a line that could not be parsed as JSON. The exchange continues.
type DecodeWarning struct {
	RawLine string
	Err     error
}

// Failure ends an exchange with a fatal transport error.
type Failure struct {
	Err *models.TransportError
}

func (ContentDelta) event()  {}
func (Done) event()          {}
func (DecodeWarning) event() {}
func (Failure) event()       {}
