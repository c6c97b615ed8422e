package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnknownPair   = errors.New("unknown trading pair")
	ErrOrderNotFound = errors.New("order not found on exchange")
	ErrRateLimited   = errors.New("rate limited")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrStopped       = errors.New("component stopped")
)
