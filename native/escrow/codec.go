package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"
)

// EncodeState returns the canonical RLP encoding of a state snapshot. The
// state is sanitised first so that decode(encode(s)) equals the sanitised s.
func EncodeState(s *EscrowState) ([]byte, error) {
	sanitized, err := Sanitize(s)
	if err != nil {
		return nil, err
	}
	encoded, err := rlp.EncodeToBytes(sanitized)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode state: %w", err)
	}
	return encoded, nil
}

// DecodeState parses a snapshot produced by EncodeState and checks its
// invariants.
func DecodeState(data []byte) (*EscrowState, error) {
	state := new(EscrowState)
	if err := rlp.DecodeBytes(data, state); err != nil {
		return nil, fmt.Errorf("escrow: decode state: %w", err)
	}
	if state.Bids == nil {
		state.Bids = []Bid{}
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return state, nil
}

// EncodeCall returns the RLP encoding of a transition call.
func EncodeCall(c Call) ([]byte, error) {
	encoded, err := rlp.EncodeToBytes(&c)
	if err != nil {
		return nil, fmt.Errorf("escrow: encode call: %w", err)
	}
	return encoded, nil
}

// DecodeCall parses a call produced by EncodeCall.
func DecodeCall(data []byte) (Call, error) {
	var c Call
	if err := rlp.DecodeBytes(data, &c); err != nil {
		return Call{}, fmt.Errorf("escrow: decode call: %w", err)
	}
	return c, nil
}

// BidID is the BLAKE3-256 hash of a bid's RLP encoding. Bids are unique by
// content, so the hash identifies a bid within a contract.
type BidID [32]byte

// ComputeBidID hashes the canonical encoding of bid.
func ComputeBidID(bid Bid) BidID {
	encoded, err := rlp.EncodeToBytes(&bid)
	if err != nil {
		// Bid holds only fixed-size and string fields.
		panic(fmt.Sprintf("escrow: encode bid: %v", err))
	}
	return BidID(blake3.Sum256(encoded))
}

// FindBid returns the bid in s whose identifier matches id.
func (s *EscrowState) FindBid(id BidID) (Bid, bool) {
	for _, bid := range s.Bids {
		if ComputeBidID(bid) == id {
			return bid, true
		}
	}
	return Bid{}, false
}
