package escrow

import (
	"errors"
	"fmt"

	"github.com/p2ppsr/babbage-escrow/core/events"
	"github.com/p2ppsr/babbage-escrow/core/types"
)

var errNilToken = errors.New("escrow engine: token has no state")

// Plan evaluates call against token without checking signatures. On success
// it returns the successor, its encoding, the payouts, the keys that must
// sign, and the digest they must sign.
func Plan(token Token, call Call) (*Outcome, error) {
	if token.State == nil {
		return nil, errNilToken
	}
	if !call.Kind.Valid() {
		return nil, reject(call.Kind, GuardMalformed, "unknown transition")
	}
	if call != call.parameters() {
		return nil, reject(call.Kind, GuardMalformed, "parameters not used by %s must be zero", call.Kind)
	}
	if err := token.State.Validate(); err != nil {
		return nil, reject(call.Kind, GuardStateInvariants, "%v", err)
	}
	if err := checkAuthTime(token.State, call); err != nil {
		return nil, err
	}
	p := &planner{kind: call.Kind, cur: token.State, value: token.Value, call: call}
	st, err := p.plan()
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		Kind:           call.Kind,
		Consumed:       token.Ref,
		SuccessorValue: st.value,
		Funding:        st.funding,
		Payouts:        st.payouts,
		Signers:        st.signers,
	}
	if st.successor != nil {
		encoded, err := EncodeState(st.successor)
		if err != nil {
			return nil, reject(call.Kind, GuardStateInvariants, "%v", err)
		}
		// Carry the canonical form so the successor equals decode(encoding).
		out.Successor, err = DecodeState(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncodingMismatch, err)
		}
		out.Encoding = encoded
	} else {
		out.SuccessorValue = 0
	}
	if !out.Conserves(token.Value) {
		return nil, fmt.Errorf("escrow engine: %s does not conserve value", call.Kind)
	}
	out.Digest, err = SigningDigest(out.Consumed, call, out.Encoding, out.SuccessorValue, out.Payouts)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Authorize plans call against token and verifies that every required key
// signed the resulting digest.
func Authorize(token Token, call Call, sigs []Signature) (*Outcome, error) {
	out, err := Plan(token, call)
	if err != nil {
		return nil, err
	}
	if err := verifySigners(call.Kind, out.Signers, out.Digest, sigs); err != nil {
		return nil, err
	}
	return out, nil
}

func checkAuthTime(s *EscrowState, call Call) error {
	if call.Kind.timed(s.Status) {
		if !s.DelayUnit.Admits(call.AuthTime) {
			return reject(call.Kind, GuardTimingDomain, "authorization time %d outside %s domain", call.AuthTime, s.DelayUnit)
		}
		return nil
	}
	if call.AuthTime != 0 && !s.DelayUnit.Admits(call.AuthTime) {
		return reject(call.Kind, GuardTimingDomain, "authorization time %d outside %s domain", call.AuthTime, s.DelayUnit)
	}
	return nil
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine applies fully authorized transition records and publishes an event
// for each accepted one. The state machine itself stays pure; the engine only
// adds event emission on top of VerifyRecord.
type Engine struct {
	emitter events.Emitter
}

// NewEngine creates an engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

// Apply verifies rec against the token it consumes and emits the matching
// event.
func (e *Engine) Apply(token Token, rec *TransitionRecord) (*Outcome, error) {
	out, err := VerifyRecord(token, rec)
	if err != nil {
		return nil, err
	}
	e.emit(NewTransitionEvent(token, out))
	return out, nil
}

// Create validates a genesis record and emits the creation event.
func (e *Engine) Create(rec *GenesisRecord) (Token, error) {
	token, err := rec.Token()
	if err != nil {
		return Token{}, err
	}
	e.emit(NewCreatedEvent(token))
	return token, nil
}
