package client

import (
	"context"
	"time"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

// Signer holds the private keys of one or more escrow roles.
type Signer interface {
	PublicKey(ctx context.Context, role escrow.Role) (escrow.PubKey, error)
	Sign(ctx context.Context, digest [32]byte, role escrow.Role) (escrow.Signature, error)
}

// Broadcaster submits records to the ledger. Exactly one record consuming a
// given token is ever admitted; the rest fail with
// escrow.ErrTokenAlreadySpent.
type Broadcaster interface {
	Submit(ctx context.Context, rec *escrow.Record) (Ack, error)
}

// Lookup answers queries about live contract tokens.
type Lookup interface {
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}

// DisputeArchive lists disputes the platform has already ruled on. Filter
// fields are matched against the disputed snapshot.
type DisputeArchive interface {
	ResolvedDisputes(ctx context.Context, filter Filter) ([]Resolution, error)
}

// Resolution is a past dispute and its outcome.
type Resolution struct {
	// Disputed is the snapshot the ruling consumed.
	Disputed Entry           `json:"disputed"`
	Payouts  []escrow.Payout `json:"payouts"`
	// Successor is set when the contract survived the ruling and reopened.
	Successor  *escrow.TokenRef `json:"successor,omitempty"`
	ResolvedAt time.Time        `json:"resolvedAt"`
}

// Ack is the ledger's receipt for an admitted record.
type Ack struct {
	RequestID string            `json:"requestId,omitempty"`
	Contract  escrow.ContractID `json:"contract"`
	// Successor is the newly live token; nil when the contract ended.
	Successor *escrow.TokenRef `json:"successor,omitempty"`
	Value     uint64           `json:"value"`
	Payouts   []escrow.Payout  `json:"payouts,omitempty"`
}

// Entry is one live token as reported by a Lookup.
type Entry struct {
	Ref   escrow.TokenRef     `json:"ref"`
	State *escrow.EscrowState `json:"state"`
	Value uint64              `json:"value"`
	// Bounty is the bounty principal: the opening value plus every logged
	// increase. It is zero for bid contracts.
	Bounty uint64 `json:"bounty,omitempty"`
}

// Token converts the entry into the form the state machine consumes.
func (e Entry) Token() escrow.Token {
	return escrow.Token{Ref: e.Ref, State: e.State, Value: e.Value}
}
