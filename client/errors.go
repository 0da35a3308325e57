package client

import (
	"errors"
	"fmt"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

var (
	// ErrDraftOutstanding rejects a second draft for a contract and role
	// while the first has not been finalized or discarded.
	ErrDraftOutstanding = errors.New("client: draft already outstanding for contract and role")
	// ErrDraftClosed is returned when a draft is reused after it finished.
	ErrDraftClosed = errors.New("client: draft already finalized or discarded")
	// ErrContractNotFound means no live token exists for the contract.
	ErrContractNotFound = errors.New("client: contract not found")
	// ErrMissingSignature means a required key could not be signed for.
	ErrMissingSignature = errors.New("client: missing required signature")
	// ErrUnknownBid means a bid id does not match any bid of the contract.
	ErrUnknownBid = errors.New("client: unknown bid")
	// ErrNoArchive means the builder has no source of past disputes.
	ErrNoArchive = errors.New("client: no dispute archive configured")
)

// Wire error codes shared by the overlay server and the HTTP clients.
const (
	CodeInvalidTransition = "invalid_transition"
	CodeTokenAlreadySpent = "token_already_spent"
	CodeStaleState        = "stale_state"
	CodeEncodingMismatch  = "encoding_mismatch"
	CodeNotFound          = "not_found"
	CodeContractExists    = "contract_exists"
	CodeBadRequest        = "bad_request"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal"
)

// ErrorCode classifies err into one of the wire codes.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, escrow.ErrEncodingMismatch):
		return CodeEncodingMismatch
	case errors.Is(err, escrow.ErrTokenAlreadySpent):
		return CodeTokenAlreadySpent
	case errors.Is(err, escrow.ErrStaleState):
		return CodeStaleState
	case errors.Is(err, escrow.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrContractNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// APIError is an error returned by the overlay over HTTP.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
	Guard   string `json:"guard,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("overlay: %s (%d): %s", e.Code, e.Status, e.Message)
}

// Unwrap maps the wire code back to the matching sentinel so callers can use
// errors.Is across the HTTP boundary.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeInvalidTransition:
		return escrow.ErrInvalidTransition
	case CodeTokenAlreadySpent:
		return escrow.ErrTokenAlreadySpent
	case CodeStaleState:
		return escrow.ErrStaleState
	case CodeEncodingMismatch:
		return escrow.ErrEncodingMismatch
	case CodeNotFound:
		return ErrContractNotFound
	default:
		return nil
	}
}
