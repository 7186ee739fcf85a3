package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrUnknownMessage    = errors.New("unknown message type")
	ErrInvalidTicker     = errors.New("invalid ticker")
	ErrInvalidIncrement  = errors.New("invalid aggregation increment")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrClosed            = errors.New("closed")
)
