package engine

import "errors"

// Engine errors
var (
	ErrAlreadyStarted     = errors.New("engine already started")
	ErrNotStarted         = errors.New("engine not started")
	ErrInvalidConfig      = errors.New("invalid engine config")
	ErrInvalidMessage     = errors.New("invalid peer message")
	ErrUnknownMessageType = errors.New("unknown peer message type")
	ErrUnsolicitedBlock   = errors.New("unsolicited block response")
)
