package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when any guard of a transition fails.
	ErrInvalidTransition = errors.New("escrow: invalid transition")
	// ErrStaleState is returned when a drafted transition no longer applies to
	// the current token.
	ErrStaleState = errors.New("escrow: stale state")
	// ErrTokenAlreadySpent is returned by the admission layer when another
	// transition already consumed the referenced token.
	ErrTokenAlreadySpent = errors.New("escrow: token already spent")
	// ErrEncodingMismatch signals that a successor encoding does not match its
	// commitment. It is never retried.
	ErrEncodingMismatch = errors.New("escrow: encoding mismatch")
)

// Guard names reported through GuardError.
const (
	GuardStatus          = "status"
	GuardContractType    = "contract-type"
	GuardPolicy          = "policy"
	GuardSignature       = "signature"
	GuardAmount          = "amount"
	GuardBond            = "bond"
	GuardTiming          = "timing"
	GuardTimingDomain    = "timing-domain"
	GuardBidCap          = "bid-cap"
	GuardDuplicateBid    = "duplicate-bid"
	GuardUnknownBid      = "unknown-bid"
	GuardValue           = "carried-value"
	GuardDecisive        = "fully-decisive"
	GuardPayout          = "payout"
	GuardMalformed       = "malformed"
	GuardStateInvariants = "state-invariants"
)

// GuardError describes which guard rejected a transition. It unwraps to
// ErrInvalidTransition.
type GuardError struct {
	Transition TransitionKind
	Guard      string
	Detail     string
}

func (e *GuardError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s: %s guard failed", ErrInvalidTransition, e.Transition, e.Guard)
	}
	return fmt.Sprintf("%s: %s: %s: %s", ErrInvalidTransition, e.Transition, e.Guard, e.Detail)
}

func (e *GuardError) Unwrap() error { return ErrInvalidTransition }

func reject(kind TransitionKind, guard, format string, args ...any) error {
	return &GuardError{Transition: kind, Guard: guard, Detail: fmt.Sprintf(format, args...)}
}

// FailedGuard extracts the guard name from err, if err came from a guard.
func FailedGuard(err error) (string, bool) {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge.Guard, true
	}
	return "", false
}
