package duel

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired is returned before any dial attempt when the identity
	// is a guest or carries no token. Online features require an account.
	ErrAuthRequired = errors.New("online play requires a signed-in account")

	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect on a live client.
	ErrAlreadyConnected = errors.New("connection already established")

	// ErrBusy is returned when a queue, challenge, or match context is
	// already active on the connection. Tear it down first.
	ErrBusy = errors.New("another matchmaking, challenge, or match context is active")

	// ErrUnparseableAnswer marks a blank or non-numeric submission. The
	// round is left untouched; nothing is sent.
	ErrUnparseableAnswer = errors.New("answer is blank or not a number")

	// ErrNoActiveRound is returned by SubmitAnswer outside the Playing state.
	ErrNoActiveRound = errors.New("no round in flight")

	// ErrUnknownChallenge is returned for accept/decline of a challenge id
	// that is not pending locally.
	ErrUnknownChallenge = errors.New("unknown challenge id")
)

// ConnectionError wraps transport-level failures: dial errors, handshake
// timeouts, writes on a dropped socket.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChallengeError is a user-visible challenge failure (target offline,
// already-resolved challenge). It never affects the underlying connection.
type ChallengeError struct {
	Reason string
}

func (e *ChallengeError) Error() string {
	return e.Reason
}

// ServerError carries a generic server-side error message, surfaced verbatim.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}
