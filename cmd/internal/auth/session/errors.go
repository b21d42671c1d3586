package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSession is returned when SetSession is called without a user ID or token.
	ErrInvalidSession = errors.New("invalid session: user and token are both required")

	// ErrTokenNotFound is returned by TokenStore.Load when no token is persisted (or it expired).
	ErrTokenNotFound = errors.New("persisted token not found")

	// ErrPayloadNotFound is returned by PayloadStore.Load when no login payload is persisted.
	ErrPayloadNotFound = errors.New("persisted payload not found")

	// ErrPayloadCorrupt is returned when a sealed payload cannot be opened.
	ErrPayloadCorrupt = errors.New("persisted payload corrupt")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// PersistError wraps a failure of one of the durable stores.
type PersistError struct {
	Op  string
	Err error
}

func (e PersistError) Error() string {
	return fmt.Sprintf("session persist %s: %v", e.Op, e.Err)
}

func (e PersistError) Unwrap() error { return e.Err }
