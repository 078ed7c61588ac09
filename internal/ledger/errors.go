package ledger

import (
	"context"
	"net"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrOperationInFlight  = errors.New("another ledger operation is still pending")
	ErrSessionEnded       = errors.New("game was already ended")
	ErrNotSessionOwner    = errors.New("game was started by another player")
	ErrInvalidGameID      = errors.New("invalid game id")
	ErrMissingGameID      = errors.New("no GameStarted event in receipt")
	ErrReverted           = errors.New("transaction failed on-chain")
	ErrInsufficientFunds  = errors.New("insufficient funds for gas")
	ErrNoEndpoints        = errors.New("no ledger endpoints configured")
	ErrEndpointsExhausted = errors.New("all ledger endpoints failed")
)

// Class decides whether a failed attempt moves on to the next endpoint.
type Class int

const (
	// ClassConnectivity covers timeouts and transport failures; the next
	// endpoint is tried.
	ClassConnectivity Class = iota
	// ClassResource means the account cannot pay for the transaction.
	ClassResource
	// ClassFatal is a semantic refusal that no endpoint will accept.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassConnectivity:
		return "connectivity"
	case ClassResource:
		return "resource"
	default:
		return "fatal"
	}
}

// Error is a classified ledger failure.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func connectivity(err error) error {
	return &Error{Class: ClassConnectivity, Err: err}
}

func fatal(err error) error {
	return &Error{Class: ClassFatal, Err: err}
}

func resource(err error) error {
	return &Error{Class: ClassResource, Err: err}
}

var (
	resourceHints = []string{"insufficient funds", "not enough fuse"}
	fatalHints    = []string{
		"already ended", "only end games", "execution reverted",
		"user rejected", "user denied", "transaction failed on-chain",
	}
	connectivityHints = []string{
		"timeout", "timed out", "deadline exceeded", "network", "connection refused",
		"connection reset", "no such host", "eof", "429", "502", "503", "504", "nonce",
	}
)

// Classify returns the class of err. Errors already wrapped in *Error keep
// their class; anything else is matched on its message and unknown errors
// are fatal.
func Classify(err error) Class {
	var le *Error
	if errors.As(err, &le) {
		return le.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassConnectivity
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassConnectivity
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, resourceHints):
		return ClassResource
	case containsAny(msg, fatalHints):
		return ClassFatal
	case containsAny(msg, connectivityHints):
		return ClassConnectivity
	}
	return ClassFatal
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// UserMessage translates err into text shown to the player.
func UserMessage(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrOperationInFlight):
		return "Please wait for the previous transaction to complete."
	case errors.Is(err, ErrSessionEnded), strings.Contains(msg, "already ended"):
		return "This game was already ended."
	case errors.Is(err, ErrNotSessionOwner), strings.Contains(msg, "only end games"):
		return "You can only end games that you started."
	case errors.Is(err, ErrInsufficientFunds), containsAny(msg, resourceHints):
		return "Not enough FUSE for gas. Please make sure your wallet has enough FUSE tokens."
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return "Please approve the transaction in your wallet."
	case errors.Is(err, ErrEndpointsExhausted):
		return "Network error. Please check your connection and try again."
	case errors.Is(err, context.DeadlineExceeded), containsAny(msg, []string{"timeout", "timed out"}):
		return "Transaction timed out. Please try again."
	case strings.Contains(msg, "nonce"):
		return "Transaction nonce error. Please try again."
	case errors.Is(err, ErrReverted), strings.Contains(msg, "execution reverted"):
		return "Transaction failed on-chain. Please try again."
	}
	return "Transaction failed. Please try again."
}

// LocalOnlyMessage is the notice for a game result that was kept locally
// because it could not be recorded on the ledger.
func LocalOnlyMessage(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrSessionEnded), strings.Contains(msg, "already ended"):
		return "This game was already ended."
	case errors.Is(err, ErrNotSessionOwner), strings.Contains(msg, "only end games"):
		return "You can only end games that you started."
	case errors.Is(err, ErrInsufficientFunds), containsAny(msg, resourceHints):
		return "Not enough FUSE for gas. Your score was recorded locally."
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return "Transaction was rejected in your wallet. Your score was recorded locally."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrEndpointsExhausted),
		containsAny(msg, []string{"timeout", "timed out"}):
		return "Network response took too long. Your score was recorded locally."
	}
	return "Could not record your score on the ledger. Your score was recorded locally."
}

// exhaustedError reports that every endpoint was tried. It matches
// ErrEndpointsExhausted and unwraps to the last attempt's error.
type exhaustedError struct {
	last error
}

func (e *exhaustedError) Error() string {
	if e.last == nil {
		return ErrEndpointsExhausted.Error()
	}
	return ErrEndpointsExhausted.Error() + ": " + e.last.Error()
}

func (e *exhaustedError) Is(target error) bool { return target == ErrEndpointsExhausted }
func (e *exhaustedError) Unwrap() error        { return e.last }
