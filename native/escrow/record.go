package escrow

import (
	"bytes"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// GenesisRecord creates a new contract instance. Nonce separates contracts
// that would otherwise share an identical opening state.
type GenesisRecord struct {
	Nonce [16]byte
	State []byte
	Value uint64
}

// ContractID derives the contract identifier from the genesis record.
func (g *GenesisRecord) ContractID() (ContractID, error) {
	encoded, err := rlp.EncodeToBytes(g)
	if err != nil {
		return ContractID{}, fmt.Errorf("escrow: encode genesis: %w", err)
	}
	return ContractID(ethcrypto.Keccak256Hash(encoded)), nil
}

// Token validates the opening state and returns the first token of the
// contract.
func (g *GenesisRecord) Token() (Token, error) {
	if g == nil {
		return Token{}, fmt.Errorf("escrow: nil genesis record")
	}
	state, err := DecodeState(g.State)
	if err != nil {
		return Token{}, err
	}
	canonical, err := EncodeState(state)
	if err != nil {
		return Token{}, err
	}
	if !bytes.Equal(canonical, g.State) {
		return Token{}, fmt.Errorf("%w: genesis state is not canonical", ErrEncodingMismatch)
	}
	if state.Status != StatusInitial || len(state.Bids) != 0 {
		return Token{}, fmt.Errorf("escrow: contracts must open in the initial status with no bids")
	}
	switch state.ContractType {
	case ContractBid:
		if g.Value != NominalValue {
			return Token{}, fmt.Errorf("escrow: bid contracts open with the nominal value %d", NominalValue)
		}
	case ContractBounty:
		if g.Value == 0 {
			return Token{}, fmt.Errorf("escrow: bounty contracts need a positive bounty")
		}
	}
	id, err := g.ContractID()
	if err != nil {
		return Token{}, err
	}
	return Token{Ref: TokenRef{Contract: id}, State: state, Value: g.Value}, nil
}

// NewGenesisRecord encodes the opening state of a contract.
func NewGenesisRecord(state *EscrowState, value uint64, nonce [16]byte) (*GenesisRecord, error) {
	encoded, err := EncodeState(state)
	if err != nil {
		return nil, err
	}
	return &GenesisRecord{Nonce: nonce, State: encoded, Value: value}, nil
}

// TransitionRecord is a fully authorized transition ready for admission.
type TransitionRecord struct {
	Consumed       TokenRef
	Call           Call
	Successor      []byte
	SuccessorValue uint64
	Payouts        []Payout
	Signatures     []Signature
}

// NewTransitionRecord assembles a record from a planned outcome and the
// signatures collected for it.
func NewTransitionRecord(call Call, out *Outcome, sigs []Signature) *TransitionRecord {
	return &TransitionRecord{
		Consumed:       out.Consumed,
		Call:           call,
		Successor:      append([]byte(nil), out.Encoding...),
		SuccessorValue: out.SuccessorValue,
		Payouts:        append([]Payout(nil), out.Payouts...),
		Signatures:     append([]Signature(nil), sigs...),
	}
}

// VerifyRecord replays the state machine for rec against the token it
// consumes. A record whose successor, value or payouts differ from the replay
// fails with ErrEncodingMismatch.
func VerifyRecord(token Token, rec *TransitionRecord) (*Outcome, error) {
	if rec == nil {
		return nil, fmt.Errorf("escrow: nil transition record")
	}
	if rec.Consumed != token.Ref {
		return nil, fmt.Errorf("%w: record consumes %s, current token is %s", ErrStaleState, rec.Consumed, token.Ref)
	}
	out, err := Plan(token, rec.Call)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(out.Encoding, rec.Successor) {
		return nil, fmt.Errorf("%w: successor encoding differs from replay", ErrEncodingMismatch)
	}
	if out.SuccessorValue != rec.SuccessorValue {
		return nil, fmt.Errorf("%w: successor value %d, replay %d", ErrEncodingMismatch, rec.SuccessorValue, out.SuccessorValue)
	}
	if !payoutsEqual(out.Payouts, rec.Payouts) {
		return nil, fmt.Errorf("%w: payouts differ from replay", ErrEncodingMismatch)
	}
	if err := verifySigners(rec.Call.Kind, out.Signers, out.Digest, rec.Signatures); err != nil {
		return nil, err
	}
	return out, nil
}

func payoutsEqual(a, b []Payout) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Record is the unit handed to a broadcaster: exactly one of Genesis or
// Transition is set.
type Record struct {
	Genesis    *GenesisRecord    `rlp:"nil"`
	Transition *TransitionRecord `rlp:"nil"`
}

// EncodeRecord returns the wire encoding of a record.
func EncodeRecord(r *Record) ([]byte, error) {
	if r == nil || (r.Genesis == nil) == (r.Transition == nil) {
		return nil, fmt.Errorf("escrow: record must carry exactly one of genesis or transition")
	}
	encoded, err := rlp.EncodeToBytes(r)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode record: %w", err)
	}
	return encoded, nil
}

// DecodeRecord parses a record produced by EncodeRecord.
func DecodeRecord(data []byte) (*Record, error) {
	r := new(Record)
	if err := rlp.DecodeBytes(data, r); err != nil {
		return nil, fmt.Errorf("escrow: decode record: %w", err)
	}
	if (r.Genesis == nil) == (r.Transition == nil) {
		return nil, fmt.Errorf("escrow: record must carry exactly one of genesis or transition")
	}
	return r, nil
}
