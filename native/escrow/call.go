package escrow

import (
	"encoding/hex"
	"fmt"

	"github.com/holiman/uint256"
)

// TransitionKind names one of the escrow transitions.
type TransitionKind uint8

const (
	TransitionSeekerCancelsBeforeAccept TransitionKind = iota + 1
	TransitionIncreaseBounty
	TransitionSeekerExtendsWorkDeadline
	TransitionFurnisherPlacesBid
	TransitionAcceptBid
	TransitionWithdrawBidAcceptance
	TransitionFurnisherStartsWork
	TransitionFurnisherStartsWorkWithPlatformAuthorization
	TransitionSeekerRaisesDispute
	TransitionFurnisherRaisesDispute
	TransitionFurnisherSubmitsWork
	TransitionSeekerApprovesWork
	TransitionFurnisherClaimsPayment
	TransitionPlatformResolvesDispute
)

var transitionNames = map[TransitionKind]string{
	TransitionSeekerCancelsBeforeAccept:                    "seekerCancelsBeforeAccept",
	TransitionIncreaseBounty:                               "increaseBounty",
	TransitionSeekerExtendsWorkDeadline:                    "seekerExtendsWorkDeadline",
	TransitionFurnisherPlacesBid:                           "furnisherPlacesBid",
	TransitionAcceptBid:                                    "acceptBid",
	TransitionWithdrawBidAcceptance:                        "withdrawBidAcceptance",
	TransitionFurnisherStartsWork:                          "furnisherStartsWork",
	TransitionFurnisherStartsWorkWithPlatformAuthorization: "furnisherStartsWorkWithPlatformAuthorization",
	TransitionSeekerRaisesDispute:                          "seekerRaisesDispute",
	TransitionFurnisherRaisesDispute:                       "furnisherRaisesDispute",
	TransitionFurnisherSubmitsWork:                         "furnisherSubmitsWork",
	TransitionSeekerApprovesWork:                           "seekerApprovesWork",
	TransitionFurnisherClaimsPayment:                       "furnisherClaimsPayment",
	TransitionPlatformResolvesDispute:                      "platformResolvesDispute",
}

func (k TransitionKind) Valid() bool {
	_, ok := transitionNames[k]
	return ok
}

func (k TransitionKind) String() string {
	if name, ok := transitionNames[k]; ok {
		return name
	}
	return fmt.Sprintf("transition(%d)", uint8(k))
}

// ParseTransitionKind maps a transition name back to its kind.
func ParseTransitionKind(name string) (TransitionKind, error) {
	for kind, n := range transitionNames {
		if n == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown transition %q", name)
}

// timed reports whether the transition's guards read the authorization
// timestamp.
func (k TransitionKind) timed(status Status) bool {
	switch k {
	case TransitionFurnisherPlacesBid, TransitionAcceptBid, TransitionWithdrawBidAcceptance,
		TransitionFurnisherSubmitsWork, TransitionFurnisherRaisesDispute:
		return true
	case TransitionSeekerRaisesDispute:
		return status == StatusWorkStarted
	default:
		return false
	}
}

// Role is a party to the contract.
type Role uint8

const (
	RoleSeeker Role = iota + 1
	RoleFurnisher
	RolePlatform
)

func (r Role) Valid() bool { return r >= RoleSeeker && r <= RolePlatform }

func (r Role) String() string {
	switch r {
	case RoleSeeker:
		return "seeker"
	case RoleFurnisher:
		return "furnisher"
	case RolePlatform:
		return "platform"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ContractID identifies a contract instance across all of its snapshots.
type ContractID [32]byte

func (id ContractID) String() string { return hex.EncodeToString(id[:]) }

// ParseContractID decodes a hex contract identifier.
func ParseContractID(s string) (ContractID, error) {
	var id ContractID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("escrow: invalid contract id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("escrow: contract id must be %d bytes", len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// TokenRef names one snapshot of a contract. Sequence zero is the snapshot
// created by the seeker.
type TokenRef struct {
	Contract ContractID `json:"contract"`
	Sequence uint64     `json:"sequence"`
}

func (r TokenRef) String() string { return fmt.Sprintf("%s.%d", r.Contract, r.Sequence) }

// Next returns the reference of the snapshot that succeeds r.
func (r TokenRef) Next() TokenRef { return TokenRef{Contract: r.Contract, Sequence: r.Sequence + 1} }

// Token is a live snapshot: the state plus the value it carries.
type Token struct {
	Ref   TokenRef
	State *EscrowState
	Value uint64
}

// Call is a transition request: the kind, its parameters, and the
// authorization timestamp supplied by the caller. Fields not used by a kind
// must stay zero; Plan rejects a call that sets them.
type Call struct {
	Kind     TransitionKind
	AuthTime Timestamp

	Increaser  Increaser
	AcceptedBy AcceptedBy
	Amount     uint64
	Extension  Timestamp
	Bid        *Bid `rlp:"nil"`

	Description        string
	AmountForSeeker    uint64
	AmountForFurnisher uint64
}

// parameters returns c with every field its kind does not read cleared.
func (c Call) parameters() Call {
	p := Call{Kind: c.Kind, AuthTime: c.AuthTime}
	switch c.Kind {
	case TransitionIncreaseBounty:
		p.Increaser, p.Amount = c.Increaser, c.Amount
	case TransitionSeekerExtendsWorkDeadline:
		p.Extension = c.Extension
	case TransitionFurnisherPlacesBid:
		p.Bid = c.Bid
	case TransitionAcceptBid:
		p.AcceptedBy, p.Bid = c.AcceptedBy, c.Bid
	case TransitionFurnisherSubmitsWork:
		p.Description, p.Bid = c.Description, c.Bid
	case TransitionPlatformResolvesDispute:
		p.AmountForSeeker, p.AmountForFurnisher = c.AmountForSeeker, c.AmountForFurnisher
	}
	return p
}

// CancelBeforeAccept builds a seekerCancelsBeforeAccept call.
func CancelBeforeAccept() Call { return Call{Kind: TransitionSeekerCancelsBeforeAccept} }

// IncreaseBounty builds an increaseBounty call.
func IncreaseBounty(who Increaser, amount uint64) Call {
	return Call{Kind: TransitionIncreaseBounty, Increaser: who, Amount: amount}
}

// ExtendWorkDeadline builds a seekerExtendsWorkDeadline call.
func ExtendWorkDeadline(extension Timestamp) Call {
	return Call{Kind: TransitionSeekerExtendsWorkDeadline, Extension: extension}
}

// PlaceBid builds a furnisherPlacesBid call.
func PlaceBid(bid Bid, at Timestamp) Call {
	return Call{Kind: TransitionFurnisherPlacesBid, Bid: &bid, AuthTime: at}
}

// AcceptBid builds an acceptBid call.
func AcceptBid(by AcceptedBy, bid Bid, at Timestamp) Call {
	return Call{Kind: TransitionAcceptBid, AcceptedBy: by, Bid: &bid, AuthTime: at}
}

// WithdrawBidAcceptance builds a withdrawBidAcceptance call.
func WithdrawBidAcceptance(at Timestamp) Call {
	return Call{Kind: TransitionWithdrawBidAcceptance, AuthTime: at}
}

// StartWork builds a furnisherStartsWork call, or its platform-authorized form.
func StartWork(withPlatform bool) Call {
	if withPlatform {
		return Call{Kind: TransitionFurnisherStartsWorkWithPlatformAuthorization}
	}
	return Call{Kind: TransitionFurnisherStartsWork}
}

// SeekerRaisesDispute builds a seekerRaisesDispute call.
func SeekerRaisesDispute(at Timestamp) Call {
	return Call{Kind: TransitionSeekerRaisesDispute, AuthTime: at}
}

// FurnisherRaisesDispute builds a furnisherRaisesDispute call.
func FurnisherRaisesDispute(at Timestamp) Call {
	return Call{Kind: TransitionFurnisherRaisesDispute, AuthTime: at}
}

// SubmitWork builds the approved-path furnisherSubmitsWork call.
func SubmitWork(description string, at Timestamp) Call {
	return Call{Kind: TransitionFurnisherSubmitsWork, Description: description, AuthTime: at}
}

// SubmitAdHocWork builds the ad-hoc furnisherSubmitsWork call used when
// bounty solvers need no approval.
func SubmitAdHocWork(description string, bid Bid, at Timestamp) Call {
	return Call{Kind: TransitionFurnisherSubmitsWork, Description: description, Bid: &bid, AuthTime: at}
}

// ApproveWork builds a seekerApprovesWork call.
func ApproveWork() Call { return Call{Kind: TransitionSeekerApprovesWork} }

// ClaimPayment builds a furnisherClaimsPayment call.
func ClaimPayment() Call { return Call{Kind: TransitionFurnisherClaimsPayment} }

// ResolveDispute builds a platformResolvesDispute call.
func ResolveDispute(forSeeker, forFurnisher uint64) Call {
	return Call{Kind: TransitionPlatformResolvesDispute, AmountForSeeker: forSeeker, AmountForFurnisher: forFurnisher}
}

// Payout is a direct transfer out of the contract.
type Payout struct {
	Role   Role   `json:"role"`
	Key    PubKey `json:"key"`
	Amount uint64 `json:"amount"`
}

// RequiredSigner names a key whose signature must cover the digest.
type RequiredSigner struct {
	Role Role
	Key  PubKey
}

// Signature is a recoverable secp256k1 signature over a transition digest.
type Signature struct {
	Key PubKey
	Sig []byte
}

// Outcome is the result of planning a transition against a token.
type Outcome struct {
	Kind     TransitionKind
	Consumed TokenRef

	// Successor is nil when the transition is terminal.
	Successor      *EscrowState
	SuccessorValue uint64
	Encoding       []byte

	// Funding is the value added by the transaction building the successor
	// (bounty increases, bid amounts at acceptance, bonds).
	Funding uint64
	Payouts []Payout

	Signers []RequiredSigner
	Digest  [32]byte
}

// Terminal reports whether the transition leaves no successor token.
func (o *Outcome) Terminal() bool { return o.Successor == nil }

// SuccessorToken returns the token produced by the transition.
func (o *Outcome) SuccessorToken() (Token, bool) {
	if o == nil || o.Successor == nil {
		return Token{}, false
	}
	return Token{Ref: o.Consumed.Next(), State: o.Successor.Clone(), Value: o.SuccessorValue}, true
}

// PaidOut sums all payouts.
func (o *Outcome) PaidOut() uint64 {
	var total uint64
	for _, p := range o.Payouts {
		total += p.Amount
	}
	return total
}

// Conserves reports whether value in (carried + funding) equals value out
// (successor + payouts).
func (o *Outcome) Conserves(carried uint64) bool {
	in := new(uint256.Int).Add(u256(carried), u256(o.Funding))
	out := u256(o.SuccessorValue)
	for _, p := range o.Payouts {
		out.Add(out, u256(p.Amount))
	}
	return in.Eq(out)
}

// SignerFor returns the required key for the supplied role.
func (o *Outcome) SignerFor(role Role) (PubKey, bool) {
	for _, s := range o.Signers {
		if s.Role == role {
			return s.Key, true
		}
	}
	return PubKey{}, false
}
