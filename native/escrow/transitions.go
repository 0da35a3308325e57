package escrow

// step is the intermediate result of a transition before encoding.
type step struct {
	successor *EscrowState
	value     uint64
	funding   uint64
	payouts   []Payout
	signers   []RequiredSigner
}

type planner struct {
	kind  TransitionKind
	cur   *EscrowState
	value uint64
	call  Call
}

func (p *planner) fail(guard, format string, args ...any) (*step, error) {
	return nil, reject(p.kind, guard, format, args...)
}

func (p *planner) requireStatus(allowed ...Status) error {
	for _, s := range allowed {
		if p.cur.Status == s {
			return nil
		}
	}
	return reject(p.kind, GuardStatus, "status %s not in %v", p.cur.Status, allowed)
}

func (p *planner) seeker() RequiredSigner {
	return RequiredSigner{Role: RoleSeeker, Key: p.cur.SeekerKey}
}

func (p *planner) platform() RequiredSigner {
	return RequiredSigner{Role: RolePlatform, Key: p.cur.PlatformKey}
}

func (p *planner) acceptedFurnisher() RequiredSigner {
	return RequiredSigner{Role: RoleFurnisher, Key: p.cur.AcceptedBid.FurnisherKey}
}

func (p *planner) unchanged(signers ...RequiredSigner) *step {
	return &step{successor: p.cur.Clone(), value: p.value, signers: signers}
}

func (p *planner) plan() (*step, error) {
	switch p.kind {
	case TransitionSeekerCancelsBeforeAccept:
		return p.cancelBeforeAccept()
	case TransitionIncreaseBounty:
		return p.increaseBounty()
	case TransitionSeekerExtendsWorkDeadline:
		return p.extendWorkDeadline()
	case TransitionFurnisherPlacesBid:
		return p.placeBid()
	case TransitionAcceptBid:
		return p.acceptBid()
	case TransitionWithdrawBidAcceptance:
		return p.withdrawBidAcceptance()
	case TransitionFurnisherStartsWork:
		return p.startWork(false)
	case TransitionFurnisherStartsWorkWithPlatformAuthorization:
		return p.startWork(true)
	case TransitionSeekerRaisesDispute:
		return p.seekerRaisesDispute()
	case TransitionFurnisherRaisesDispute:
		return p.furnisherRaisesDispute()
	case TransitionFurnisherSubmitsWork:
		if p.call.Bid != nil {
			return p.submitAdHocWork()
		}
		return p.submitApprovedWork()
	case TransitionSeekerApprovesWork:
		return p.approveWork()
	case TransitionFurnisherClaimsPayment:
		return p.claimPayment()
	case TransitionPlatformResolvesDispute:
		return p.resolveDispute()
	default:
		return p.fail(GuardMalformed, "unknown transition")
	}
}

func (p *planner) cancelBeforeAccept() (*step, error) {
	if err := p.requireStatus(StatusInitial); err != nil {
		return nil, err
	}
	return &step{
		value:   0,
		payouts: []Payout{{Role: RoleSeeker, Key: p.cur.SeekerKey, Amount: p.value}},
		signers: []RequiredSigner{p.seeker()},
	}, nil
}

func (p *planner) increaseBounty() (*step, error) {
	if p.cur.ContractType != ContractBounty {
		return p.fail(GuardContractType, "bounty increases require a bounty contract")
	}
	if p.call.Amount == 0 {
		return p.fail(GuardAmount, "increase must be positive")
	}
	if !p.cur.BountyIncreaseAllowanceMode.Permits(p.call.Increaser) {
		return p.fail(GuardPolicy, "increase by %s not permitted under %s", p.call.Increaser, p.cur.BountyIncreaseAllowanceMode)
	}
	if !p.cur.BountyIncreaseCutoffPoint.Admits(p.cur.Status) {
		return p.fail(GuardStatus, "status %s past %s cutoff", p.cur.Status, p.cur.BountyIncreaseCutoffPoint)
	}
	next, ok := addValue(p.value, p.call.Amount)
	if !ok {
		return p.fail(GuardAmount, "carried value overflow")
	}
	var signers []RequiredSigner
	switch p.call.Increaser {
	case IncreaserSeeker:
		signers = append(signers, p.seeker())
	case IncreaserPlatform:
		signers = append(signers, p.platform())
	}
	return &step{successor: p.cur.Clone(), value: next, funding: p.call.Amount, signers: signers}, nil
}

func (p *planner) extendWorkDeadline() (*step, error) {
	if p.call.Extension == 0 {
		return p.fail(GuardAmount, "extension must be positive")
	}
	if err := p.requireStatus(StatusInitial, StatusBidAccepted, StatusWorkStarted); err != nil {
		return nil, err
	}
	deadline, ok := addTimestamps(p.cur.WorkCompletionDeadline, p.call.Extension)
	if !ok || !p.cur.DelayUnit.Admits(deadline) {
		return p.fail(GuardTimingDomain, "extended deadline leaves the %s domain", p.cur.DelayUnit)
	}
	out := p.unchanged(p.seeker())
	out.successor.WorkCompletionDeadline = deadline
	return out, nil
}

func (p *planner) checkBond(bond uint64) error {
	switch p.cur.FurnisherBondingMode {
	case BondingForbidden:
		if bond != 0 {
			return reject(p.kind, GuardBond, "bonding is forbidden")
		}
	case BondingRequired:
		if bond != p.cur.RequiredBondAmount {
			return reject(p.kind, GuardBond, "bond %d must equal required %d", bond, p.cur.RequiredBondAmount)
		}
	}
	return nil
}

func (p *planner) placeBid() (*step, error) {
	bid := p.call.Bid
	if bid == nil {
		return p.fail(GuardMalformed, "bid required")
	}
	if err := p.requireStatus(StatusInitial); err != nil {
		return nil, err
	}
	if !p.cur.BountySolversNeedApproval {
		return p.fail(GuardPolicy, "contract does not take bids")
	}
	if uint64(len(p.cur.Bids)) >= uint64(p.cur.MaxAllowedBids) {
		return p.fail(GuardBidCap, "contract already holds %d of %d bids", len(p.cur.Bids), p.cur.MaxAllowedBids)
	}
	if bid.FurnisherKey.IsZero() {
		return p.fail(GuardMalformed, "bid has no furnisher key")
	}
	switch p.cur.ContractType {
	case ContractBounty:
		if bid.BidAmount != p.value {
			return p.fail(GuardAmount, "bounty bid %d must equal carried value %d", bid.BidAmount, p.value)
		}
	case ContractBid:
		if p.value != NominalValue {
			return p.fail(GuardValue, "bid contract must carry the nominal value")
		}
		if bid.BidAmount < p.cur.MinAllowableBid || bid.BidAmount < NominalValue {
			return p.fail(GuardAmount, "bid %d below minimum %d", bid.BidAmount, p.cur.MinAllowableBid)
		}
	}
	if err := p.checkBond(bid.Bond); err != nil {
		return nil, err
	}
	if !p.cur.DelayUnit.Admits(bid.TimeRequired) {
		return p.fail(GuardTimingDomain, "time required %d outside %s domain", bid.TimeRequired, p.cur.DelayUnit)
	}
	if !p.cur.DelayUnit.Admits(bid.TimeOfBid) {
		return p.fail(GuardTimingDomain, "time of bid %d outside %s domain", bid.TimeOfBid, p.cur.DelayUnit)
	}
	if p.call.AuthTime < bid.TimeOfBid {
		return p.fail(GuardTiming, "authorized at %d before time of bid %d", p.call.AuthTime, bid.TimeOfBid)
	}
	if p.cur.HasBid(*bid) {
		return p.fail(GuardDuplicateBid, "bid already placed")
	}
	out := p.unchanged(RequiredSigner{Role: RoleFurnisher, Key: bid.FurnisherKey})
	out.successor.Bids = append(out.successor.Bids, *bid)
	return out, nil
}

func (p *planner) acceptBid() (*step, error) {
	bid := p.call.Bid
	if bid == nil {
		return p.fail(GuardMalformed, "bid required")
	}
	if err := p.requireStatus(StatusInitial); err != nil {
		return nil, err
	}
	if !p.cur.BountySolversNeedApproval {
		return p.fail(GuardPolicy, "contract does not take bids")
	}
	if !p.cur.ApprovalMode.Permits(p.call.AcceptedBy) {
		return p.fail(GuardPolicy, "acceptance by %s not permitted under %s", p.call.AcceptedBy, p.cur.ApprovalMode)
	}
	if !p.cur.HasBid(*bid) {
		return p.fail(GuardUnknownBid, "bid not present")
	}
	if bid.TimeRequired >= p.cur.WorkCompletionDeadline || p.call.AuthTime >= p.cur.WorkCompletionDeadline-bid.TimeRequired {
		return p.fail(GuardTiming, "not enough time left to complete the work by %d", p.cur.WorkCompletionDeadline)
	}
	signer := p.seeker()
	if p.call.AcceptedBy == AcceptedByPlatform {
		signer = p.platform()
	}
	out := p.unchanged(signer)
	accepted := *bid
	out.successor.Status = StatusBidAccepted
	out.successor.AcceptedBid = &accepted
	out.successor.BidAcceptedBy = p.call.AcceptedBy
	if p.cur.ContractType == ContractBid {
		if bid.BidAmount < p.value {
			return p.fail(GuardValue, "bid amount %d below carried value %d", bid.BidAmount, p.value)
		}
		out.value = bid.BidAmount
		out.funding = bid.BidAmount - p.value
	}
	return out, nil
}

func (p *planner) withdrawBidAcceptance() (*step, error) {
	if err := p.requireStatus(StatusBidAccepted); err != nil {
		return nil, err
	}
	var signer RequiredSigner
	switch p.cur.BidAcceptedBy {
	case AcceptedBySeeker:
		signer = p.seeker()
	case AcceptedByPlatform:
		signer = p.platform()
	default:
		return p.fail(GuardStateInvariants, "accepted bid has no acceptor")
	}
	timeout, ok := addTimestamps(p.cur.AcceptedBid.TimeOfBid, p.cur.MaxWorkStartDelay)
	if !ok || p.call.AuthTime <= timeout {
		return p.fail(GuardTiming, "work start delay has not elapsed")
	}
	out := p.unchanged(signer)
	if i := p.cur.bidIndex(*p.cur.AcceptedBid); i >= 0 {
		out.successor.Bids = append(out.successor.Bids[:i:i], out.successor.Bids[i+1:]...)
	}
	out.successor.Status = StatusInitial
	out.successor.AcceptedBid = nil
	out.successor.BidAcceptedBy = NotYetAccepted
	if p.cur.ContractType == ContractBid {
		if p.value < NominalValue {
			return p.fail(GuardValue, "carried value below nominal")
		}
		out.value = NominalValue
		if refund := p.value - NominalValue; refund > 0 {
			out.payouts = []Payout{{Role: signer.Role, Key: signer.Key, Amount: refund}}
		}
	}
	return out, nil
}

func (p *planner) startWork(withPlatform bool) (*step, error) {
	if err := p.requireStatus(StatusBidAccepted); err != nil {
		return nil, err
	}
	if p.cur.PlatformAuthorizationRequired != withPlatform {
		if withPlatform {
			return p.fail(GuardPolicy, "platform authorization is not required")
		}
		return p.fail(GuardPolicy, "platform authorization is required")
	}
	signers := []RequiredSigner{p.acceptedFurnisher()}
	if withPlatform {
		signers = append(signers, p.platform())
	}
	bond := p.cur.AcceptedBid.Bond
	next, ok := addValue(p.value, bond)
	if !ok {
		return p.fail(GuardAmount, "carried value overflow")
	}
	out := p.unchanged(signers...)
	out.successor.Status = StatusWorkStarted
	out.value = next
	out.funding = bond
	return out, nil
}

func (p *planner) seekerRaisesDispute() (*step, error) {
	if err := p.requireStatus(StatusWorkStarted, StatusWorkSubmitted); err != nil {
		return nil, err
	}
	if p.cur.Status == StatusWorkStarted && p.call.AuthTime <= p.cur.WorkCompletionDeadline {
		return p.fail(GuardTiming, "work completion deadline %d has not passed", p.cur.WorkCompletionDeadline)
	}
	out := p.unchanged(p.seeker())
	out.successor.Status = StatusDisputedBySeeker
	return out, nil
}

func (p *planner) furnisherRaisesDispute() (*step, error) {
	if err := p.requireStatus(StatusWorkSubmitted); err != nil {
		return nil, err
	}
	window, ok := addTimestamps(p.cur.WorkCompletionTime, p.cur.MaxWorkApprovalDelay)
	if !ok || p.call.AuthTime <= window {
		return p.fail(GuardTiming, "approval window has not elapsed")
	}
	out := p.unchanged(p.acceptedFurnisher())
	out.successor.Status = StatusDisputedByFurnisher
	return out, nil
}

func (p *planner) submitAdHocWork() (*step, error) {
	bid := p.call.Bid
	if p.cur.ContractType != ContractBounty {
		return p.fail(GuardContractType, "ad-hoc submissions require a bounty contract")
	}
	if p.cur.BountySolversNeedApproval {
		return p.fail(GuardPolicy, "bounty solvers need approval")
	}
	if err := p.requireStatus(StatusInitial); err != nil {
		return nil, err
	}
	if bid.FurnisherKey.IsZero() {
		return p.fail(GuardMalformed, "bid has no furnisher key")
	}
	if bid.BidAmount != p.value {
		return p.fail(GuardAmount, "ad-hoc bid %d must equal carried value %d", bid.BidAmount, p.value)
	}
	if bid.TimeOfBid != p.call.AuthTime {
		return p.fail(GuardTiming, "ad-hoc time of bid must equal the authorization time")
	}
	if bid.Bond != p.cur.RequiredBondAmount {
		return p.fail(GuardBond, "ad-hoc bond %d must equal required %d", bid.Bond, p.cur.RequiredBondAmount)
	}
	if bid.TimeRequired != 0 {
		return p.fail(GuardMalformed, "ad-hoc bids carry no time requirement")
	}
	next, ok := addValue(p.value, bid.Bond)
	if !ok {
		return p.fail(GuardAmount, "carried value overflow")
	}
	out := p.unchanged(RequiredSigner{Role: RoleFurnisher, Key: bid.FurnisherKey})
	accepted := *bid
	out.successor.Status = StatusWorkSubmitted
	out.successor.AcceptedBid = &accepted
	out.successor.WorkCompletionTime = p.call.AuthTime
	out.successor.WorkCompletionDescription = p.call.Description
	out.value = next
	out.funding = bid.Bond
	return out, nil
}

func (p *planner) submitApprovedWork() (*step, error) {
	if err := p.requireStatus(StatusWorkStarted); err != nil {
		return nil, err
	}
	if p.call.AuthTime <= p.cur.AcceptedBid.TimeOfBid {
		return p.fail(GuardTiming, "submission must follow the time of bid")
	}
	out := p.unchanged(p.acceptedFurnisher())
	out.successor.Status = StatusWorkSubmitted
	out.successor.WorkCompletionTime = p.call.AuthTime
	out.successor.WorkCompletionDescription = p.call.Description
	return out, nil
}

func (p *planner) approveWork() (*step, error) {
	if err := p.requireStatus(StatusWorkSubmitted); err != nil {
		return nil, err
	}
	out := p.unchanged(p.seeker())
	out.successor.Status = StatusResolved
	return out, nil
}

func (p *planner) claimPayment() (*step, error) {
	if err := p.requireStatus(StatusResolved); err != nil {
		return nil, err
	}
	furnisher := p.acceptedFurnisher()
	return &step{
		payouts: []Payout{{Role: RoleFurnisher, Key: furnisher.Key, Amount: p.value}},
		signers: []RequiredSigner{furnisher},
	}, nil
}

func (p *planner) resolveDispute() (*step, error) {
	if err := p.requireStatus(StatusDisputedBySeeker, StatusDisputedByFurnisher); err != nil {
		return nil, err
	}
	forSeeker, forFurnisher := p.call.AmountForSeeker, p.call.AmountForFurnisher
	if p.cur.EscrowMustBeFullyDecisive && (forSeeker == 0) == (forFurnisher == 0) {
		return p.fail(GuardDecisive, "exactly one party must receive the award")
	}
	awarded, ok := addValue(forSeeker, forFurnisher)
	if !ok || awarded > p.value {
		return p.fail(GuardPayout, "awards exceed carried value %d", p.value)
	}
	fee := ServiceFee(p.value, p.cur.EscrowServiceFeeBasisPoints)
	if awarded < p.value-fee {
		return p.fail(GuardPayout, "awards %d leave more than the %d fee", awarded, fee)
	}
	out := &step{signers: []RequiredSigner{p.platform()}}
	platformCut := p.value - awarded

	if forFurnisher == 0 && forSeeker > 0 && p.cur.ContractSurvivesAdverseFurnisherDisputeResolution {
		revived := p.cur.Clone()
		revived.Status = StatusInitial
		revived.Bids = []Bid{}
		revived.AcceptedBid = nil
		revived.BidAcceptedBy = NotYetAccepted
		revived.WorkCompletionTime = 0
		revived.WorkCompletionDescription = ""
		out.successor = revived
		out.value = forSeeker
		if p.cur.ContractType == ContractBid {
			out.value = NominalValue
			if refund := forSeeker - NominalValue; refund > 0 {
				out.payouts = append(out.payouts, Payout{Role: RoleSeeker, Key: p.cur.SeekerKey, Amount: refund})
			}
		}
	} else {
		if forSeeker > 0 {
			out.payouts = append(out.payouts, Payout{Role: RoleSeeker, Key: p.cur.SeekerKey, Amount: forSeeker})
		}
		if forFurnisher > 0 {
			out.payouts = append(out.payouts, Payout{Role: RoleFurnisher, Key: p.cur.AcceptedBid.FurnisherKey, Amount: forFurnisher})
		}
	}
	if platformCut > 0 {
		out.payouts = append(out.payouts, Payout{Role: RolePlatform, Key: p.cur.PlatformKey, Amount: platformCut})
	}
	return out, nil
}
