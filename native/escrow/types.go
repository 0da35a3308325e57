package escrow

import (
	"encoding/hex"
	"fmt"
)

// NominalValue is the carried value of a bid-type contract before any bid has
// been accepted. The seeker's funds only move in at acceptance.
const NominalValue uint64 = 1

// MaxFeeBasisPoints bounds EscrowState.EscrowServiceFeeBasisPoints.
const MaxFeeBasisPoints = 10_000

// PubKeyLength is the size of a compressed secp256k1 public key.
const PubKeyLength = 33

// PubKey is a compressed secp256k1 public key identifying a party.
type PubKey [PubKeyLength]byte

// IsZero reports whether the key is unset.
func (k PubKey) IsZero() bool { return k == PubKey{} }

func (k PubKey) String() string { return hex.EncodeToString(k[:]) }

// ParsePubKey decodes a hex encoded compressed public key.
func ParsePubKey(s string) (PubKey, error) {
	var key PubKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("escrow: invalid public key hex: %w", err)
	}
	if len(raw) != PubKeyLength {
		return key, fmt.Errorf("escrow: public key must be %d bytes, got %d", PubKeyLength, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// ContractType selects between open bidding and a fixed bounty.
type ContractType uint8

const (
	ContractBid ContractType = iota
	ContractBounty
)

func (c ContractType) Valid() bool { return c == ContractBid || c == ContractBounty }

func (c ContractType) String() string {
	switch c {
	case ContractBid:
		return "bid"
	case ContractBounty:
		return "bounty"
	default:
		return fmt.Sprintf("contract-type(%d)", uint8(c))
	}
}

// BondingMode controls whether furnishers post collateral.
type BondingMode uint8

const (
	BondingForbidden BondingMode = iota
	BondingOptional
	BondingRequired
)

func (m BondingMode) Valid() bool { return m <= BondingRequired }

func (m BondingMode) String() string {
	switch m {
	case BondingForbidden:
		return "forbidden"
	case BondingOptional:
		return "optional"
	case BondingRequired:
		return "required"
	default:
		return fmt.Sprintf("bonding-mode(%d)", uint8(m))
	}
}

// ApprovalMode names the parties allowed to accept a bid.
type ApprovalMode uint8

const (
	ApprovalSeeker ApprovalMode = iota
	ApprovalPlatform
	ApprovalSeekerOrPlatform
)

func (m ApprovalMode) Valid() bool { return m <= ApprovalSeekerOrPlatform }

func (m ApprovalMode) String() string {
	switch m {
	case ApprovalSeeker:
		return "seeker"
	case ApprovalPlatform:
		return "platform"
	case ApprovalSeekerOrPlatform:
		return "seeker-or-platform"
	default:
		return fmt.Sprintf("approval-mode(%d)", uint8(m))
	}
}

// Permits reports whether a bid accepted by the supplied party satisfies the
// approval policy.
func (m ApprovalMode) Permits(by AcceptedBy) bool {
	switch m {
	case ApprovalSeeker:
		return by == AcceptedBySeeker
	case ApprovalPlatform:
		return by == AcceptedByPlatform
	case ApprovalSeekerOrPlatform:
		return by == AcceptedBySeeker || by == AcceptedByPlatform
	default:
		return false
	}
}

// BountyIncreaseMode is the policy deciding who may add funds to a bounty.
type BountyIncreaseMode uint8

const (
	IncreaseForbidden BountyIncreaseMode = iota
	IncreaseBySeeker
	IncreaseByPlatform
	IncreaseBySeekerOrPlatform
	IncreaseByAnyone
)

func (m BountyIncreaseMode) Valid() bool { return m <= IncreaseByAnyone }

func (m BountyIncreaseMode) String() string {
	switch m {
	case IncreaseForbidden:
		return "forbidden"
	case IncreaseBySeeker:
		return "by-seeker"
	case IncreaseByPlatform:
		return "by-platform"
	case IncreaseBySeekerOrPlatform:
		return "by-seeker-or-platform"
	case IncreaseByAnyone:
		return "by-anyone"
	default:
		return fmt.Sprintf("bounty-increase-mode(%d)", uint8(m))
	}
}

// Increaser identifies who is adding funds in an increaseBounty call.
type Increaser uint8

const (
	IncreaserSeeker Increaser = iota
	IncreaserPlatform
	IncreaserAnyone
)

func (i Increaser) Valid() bool { return i <= IncreaserAnyone }

func (i Increaser) String() string {
	switch i {
	case IncreaserSeeker:
		return "seeker"
	case IncreaserPlatform:
		return "platform"
	case IncreaserAnyone:
		return "anyone"
	default:
		return fmt.Sprintf("increaser(%d)", uint8(i))
	}
}

// Permits reports whether the policy admits an increase made by who.
func (m BountyIncreaseMode) Permits(who Increaser) bool {
	switch m {
	case IncreaseBySeeker:
		return who == IncreaserSeeker
	case IncreaseByPlatform:
		return who == IncreaserPlatform
	case IncreaseBySeekerOrPlatform:
		return who == IncreaserSeeker || who == IncreaserPlatform
	case IncreaseByAnyone:
		return who.Valid()
	default:
		return false
	}
}

// IncreaseCutoff is the last lifecycle point at which a bounty may grow.
type IncreaseCutoff uint8

const (
	CutoffBidAcceptance IncreaseCutoff = iota
	CutoffStartOfWork
	CutoffSubmissionOfWork
	CutoffAcceptanceOfWork
)

func (c IncreaseCutoff) Valid() bool { return c <= CutoffAcceptanceOfWork }

func (c IncreaseCutoff) String() string {
	switch c {
	case CutoffBidAcceptance:
		return "bid-acceptance"
	case CutoffStartOfWork:
		return "start-of-work"
	case CutoffSubmissionOfWork:
		return "submission-of-work"
	case CutoffAcceptanceOfWork:
		return "acceptance-of-work"
	default:
		return fmt.Sprintf("increase-cutoff(%d)", uint8(c))
	}
}

// Admits reports whether a bounty in the supplied status is still inside the
// increase window.
func (c IncreaseCutoff) Admits(status Status) bool {
	switch c {
	case CutoffBidAcceptance:
		return status == StatusInitial
	case CutoffStartOfWork:
		return status == StatusInitial || status == StatusBidAccepted
	case CutoffSubmissionOfWork:
		return status == StatusInitial || status == StatusBidAccepted || status == StatusWorkStarted
	case CutoffAcceptanceOfWork:
		return status == StatusInitial || status == StatusBidAccepted || status == StatusWorkStarted || status == StatusWorkSubmitted
	default:
		return false
	}
}

// Status is the lifecycle position of a contract.
type Status uint8

const (
	StatusInitial Status = iota
	StatusBidAccepted
	StatusWorkStarted
	StatusWorkSubmitted
	StatusResolved
	StatusDisputedBySeeker
	StatusDisputedByFurnisher
)

func (s Status) Valid() bool { return s <= StatusDisputedByFurnisher }

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "initial"
	case StatusBidAccepted:
		return "bid-accepted"
	case StatusWorkStarted:
		return "work-started"
	case StatusWorkSubmitted:
		return "work-submitted"
	case StatusResolved:
		return "resolved"
	case StatusDisputedBySeeker:
		return "disputed-by-seeker"
	case StatusDisputedByFurnisher:
		return "disputed-by-furnisher"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus maps the canonical string form back to a Status.
func ParseStatus(s string) (Status, error) {
	for st := StatusInitial; st <= StatusDisputedByFurnisher; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown status %q", s)
}

// Disputed reports whether the status is one of the two dispute states.
func (s Status) Disputed() bool {
	return s == StatusDisputedBySeeker || s == StatusDisputedByFurnisher
}

// HasAcceptedBid reports whether a contract in this status carries an accepted
// bid.
func (s Status) HasAcceptedBid() bool { return s != StatusInitial && s.Valid() }

// BondPosted reports whether the accepted bid's bond has been added to the
// carried value.
func (s Status) BondPosted() bool {
	switch s {
	case StatusWorkStarted, StatusWorkSubmitted, StatusResolved, StatusDisputedBySeeker, StatusDisputedByFurnisher:
		return true
	default:
		return false
	}
}

// AcceptedBy records which party accepted the current bid.
type AcceptedBy uint8

const (
	NotYetAccepted AcceptedBy = iota
	AcceptedBySeeker
	AcceptedByPlatform
)

func (a AcceptedBy) Valid() bool { return a <= AcceptedByPlatform }

func (a AcceptedBy) String() string {
	switch a {
	case NotYetAccepted:
		return "not-yet-accepted"
	case AcceptedBySeeker:
		return "seeker"
	case AcceptedByPlatform:
		return "platform"
	default:
		return fmt.Sprintf("accepted-by(%d)", uint8(a))
	}
}

// Bid is a furnisher's offer. Bids are compared by their full content.
type Bid struct {
	FurnisherKey PubKey    `json:"furnisherKey"`
	Plans        string    `json:"plans"`
	BidAmount    uint64    `json:"bidAmount"`
	Bond         uint64    `json:"bond"`
	TimeOfBid    Timestamp `json:"timeOfBid"`
	TimeRequired Timestamp `json:"timeRequired"`
}

// EscrowState is the complete snapshot carried by a contract token.
type EscrowState struct {
	SeekerKey   PubKey `json:"seekerKey"`
	PlatformKey PubKey `json:"platformKey"`

	MinAllowableBid             uint64       `json:"minAllowableBid"`
	MaxAllowedBids              uint32       `json:"maxAllowedBids"`
	EscrowServiceFeeBasisPoints uint32       `json:"escrowServiceFeeBasisPoints"`
	ContractType                ContractType `json:"contractType"`

	PlatformAuthorizationRequired                     bool               `json:"platformAuthorizationRequired"`
	EscrowMustBeFullyDecisive                         bool               `json:"escrowMustBeFullyDecisive"`
	BountySolversNeedApproval                         bool               `json:"bountySolversNeedApproval"`
	FurnisherBondingMode                              BondingMode        `json:"furnisherBondingMode"`
	RequiredBondAmount                                uint64             `json:"requiredBondAmount"`
	ApprovalMode                                      ApprovalMode       `json:"approvalMode"`
	ContractSurvivesAdverseFurnisherDisputeResolution bool               `json:"contractSurvivesAdverseFurnisherDisputeResolution"`
	BountyIncreaseAllowanceMode                       BountyIncreaseMode `json:"bountyIncreaseAllowanceMode"`
	BountyIncreaseCutoffPoint                         IncreaseCutoff     `json:"bountyIncreaseCutoffPoint"`

	MaxWorkStartDelay      Timestamp `json:"maxWorkStartDelay"`
	MaxWorkApprovalDelay   Timestamp `json:"maxWorkApprovalDelay"`
	DelayUnit              DelayUnit `json:"delayUnit"`
	WorkCompletionDeadline Timestamp `json:"workCompletionDeadline"`

	Bids []Bid `json:"bids"`

	Status                    Status     `json:"status"`
	AcceptedBid               *Bid       `rlp:"nil" json:"acceptedBid,omitempty"`
	BidAcceptedBy             AcceptedBy `json:"bidAcceptedBy"`
	WorkCompletionTime        Timestamp  `json:"workCompletionTime"`
	WorkDescription           string     `json:"workDescription"`
	WorkCompletionDescription string     `json:"workCompletionDescription"`
}

// Clone returns a deep copy of the state so callers can mutate the copy
// without affecting the original.
func (s *EscrowState) Clone() *EscrowState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Bids = make([]Bid, len(s.Bids))
	copy(clone.Bids, s.Bids)
	if s.AcceptedBid != nil {
		accepted := *s.AcceptedBid
		clone.AcceptedBid = &accepted
	}
	return &clone
}

// HasBid reports whether the exact bid is present in the bid set.
func (s *EscrowState) HasBid(bid Bid) bool {
	return s.bidIndex(bid) >= 0
}

func (s *EscrowState) bidIndex(bid Bid) int {
	for i := range s.Bids {
		if s.Bids[i] == bid {
			return i
		}
	}
	return -1
}

// Sanitize returns a normalised clone of the state: a nil bid set becomes an
// empty one so that encode/decode round trips compare equal.
func Sanitize(s *EscrowState) (*EscrowState, error) {
	if s == nil {
		return nil, fmt.Errorf("escrow: nil state")
	}
	clone := s.Clone()
	if clone.Bids == nil {
		clone.Bids = []Bid{}
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return clone, nil
}

// Validate checks the invariants every reachable state satisfies.
func (s *EscrowState) Validate() error {
	if s == nil {
		return fmt.Errorf("escrow: nil state")
	}
	if s.SeekerKey.IsZero() {
		return fmt.Errorf("escrow: seeker key required")
	}
	if s.PlatformKey.IsZero() {
		return fmt.Errorf("escrow: platform key required")
	}
	if s.EscrowServiceFeeBasisPoints > MaxFeeBasisPoints {
		return fmt.Errorf("escrow: fee basis points out of range: %d", s.EscrowServiceFeeBasisPoints)
	}
	switch {
	case !s.ContractType.Valid():
		return fmt.Errorf("escrow: invalid contract type %s", s.ContractType)
	case !s.FurnisherBondingMode.Valid():
		return fmt.Errorf("escrow: invalid bonding mode %s", s.FurnisherBondingMode)
	case !s.ApprovalMode.Valid():
		return fmt.Errorf("escrow: invalid approval mode %s", s.ApprovalMode)
	case !s.BountyIncreaseAllowanceMode.Valid():
		return fmt.Errorf("escrow: invalid bounty increase mode %s", s.BountyIncreaseAllowanceMode)
	case !s.BountyIncreaseCutoffPoint.Valid():
		return fmt.Errorf("escrow: invalid increase cutoff %s", s.BountyIncreaseCutoffPoint)
	case !s.DelayUnit.Valid():
		return fmt.Errorf("escrow: invalid delay unit %s", s.DelayUnit)
	case !s.Status.Valid():
		return fmt.Errorf("escrow: invalid status %s", s.Status)
	case !s.BidAcceptedBy.Valid():
		return fmt.Errorf("escrow: invalid accepted-by %s", s.BidAcceptedBy)
	}
	if s.FurnisherBondingMode == BondingForbidden && s.RequiredBondAmount != 0 {
		return fmt.Errorf("escrow: required bond set while bonding is forbidden")
	}
	if !IsDuration(s.MaxWorkStartDelay) || !IsDuration(s.MaxWorkApprovalDelay) {
		return fmt.Errorf("escrow: delays must be below %d", LockTimeThreshold)
	}
	if !s.DelayUnit.Admits(s.WorkCompletionDeadline) {
		return fmt.Errorf("escrow: work completion deadline %d outside %s domain", s.WorkCompletionDeadline, s.DelayUnit)
	}
	if uint64(len(s.Bids)) > uint64(s.MaxAllowedBids) {
		return fmt.Errorf("escrow: %d bids exceed cap %d", len(s.Bids), s.MaxAllowedBids)
	}
	for i := range s.Bids {
		for j := i + 1; j < len(s.Bids); j++ {
			if s.Bids[i] == s.Bids[j] {
				return fmt.Errorf("escrow: duplicate bid at %d and %d", i, j)
			}
		}
	}
	if s.Status.HasAcceptedBid() != (s.AcceptedBid != nil) {
		return fmt.Errorf("escrow: accepted bid presence inconsistent with status %s", s.Status)
	}
	if s.Status == StatusInitial {
		if s.BidAcceptedBy != NotYetAccepted {
			return fmt.Errorf("escrow: initial contract records an acceptor")
		}
		if s.WorkCompletionTime != 0 || s.WorkCompletionDescription != "" {
			return fmt.Errorf("escrow: initial contract carries completion fields")
		}
	}
	if s.Status == StatusBidAccepted || s.Status == StatusWorkStarted {
		if s.BidAcceptedBy == NotYetAccepted {
			return fmt.Errorf("escrow: status %s requires an acceptor", s.Status)
		}
		if s.WorkCompletionTime != 0 {
			return fmt.Errorf("escrow: status %s carries a completion time", s.Status)
		}
	}
	return nil
}
