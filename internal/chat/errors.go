package chat

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is wrapped by every error caused by misusing the chat engine, as opposed to a
// failure of the inference service. A violation is rejected before any state is mutated.
var ErrProtocolViolation = errors.New("protocol violation")

// Protocol violations.
var (
	ErrTurnOpen           = fmt.Errorf("%w: an assistant turn is already open", ErrProtocolViolation)
	ErrNoOpenTurn         = fmt.Errorf("%w: no assistant turn is open", ErrProtocolViolation)
	ErrExchangeInProgress = fmt.Errorf("%w: an exchange is already in progress", ErrProtocolViolation)
	ErrNoMessages         = fmt.Errorf("%w: chat request has no messages", ErrProtocolViolation)
	ErrNoModel            = fmt.Errorf("%w: chat request has no model", ErrProtocolViolation)
)

// ErrEmptyMessage is returned when a blank utterance is submitted.
var ErrEmptyMessage = errors.New("message is empty")
