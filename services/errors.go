package services

import (
	"errors"
	"fmt"
)

var (
	ErrChatNotFound       = errors.New("chat not found")
	ErrForbidden          = errors.New("chat belongs to another user")
	ErrUserExists         = errors.New("user with this email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// PersistenceError wraps a store failure. Reconciliation logs these and never returns them
// to the chat caller.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChatNotFound) || errors.Is(err, ErrForbidden) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
