package escrow

import (
	"crypto/ecdsa"
	"errors"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/p2ppsr/babbage-escrow/core/events"
)

type testParty struct {
	priv *ecdsa.PrivateKey
	pub  PubKey
}

func newTestParty(t *testing.T) testParty {
	t.Helper()
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var pub PubKey
	copy(pub[:], ethcrypto.CompressPubkey(&priv.PublicKey))
	return testParty{priv: priv, pub: pub}
}

func (p testParty) sign(t *testing.T, digest [32]byte) Signature {
	t.Helper()
	sig, err := ethcrypto.Sign(digest[:], p.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return Signature{Key: p.pub, Sig: sig}
}

type fixture struct {
	seeker    testParty
	platform  testParty
	furnisher testParty
	rival     testParty
}

func newFixture(t *testing.T) fixture {
	return fixture{
		seeker:    newTestParty(t),
		platform:  newTestParty(t),
		furnisher: newTestParty(t),
		rival:     newTestParty(t),
	}
}

func (f fixture) parties() []testParty {
	return []testParty{f.seeker, f.platform, f.furnisher, f.rival}
}

func (f fixture) bidContract() *EscrowState {
	return &EscrowState{
		SeekerKey:                   f.seeker.pub,
		PlatformKey:                 f.platform.pub,
		MinAllowableBid:             100,
		MaxAllowedBids:              3,
		EscrowServiceFeeBasisPoints: 250,
		ContractType:                ContractBid,
		BountySolversNeedApproval:   true,
		FurnisherBondingMode:        BondingOptional,
		ApprovalMode:                ApprovalSeeker,
		BountyIncreaseAllowanceMode: IncreaseForbidden,
		BountyIncreaseCutoffPoint:   CutoffBidAcceptance,
		MaxWorkStartDelay:           10,
		MaxWorkApprovalDelay:        20,
		DelayUnit:                   DelayBlocks,
		WorkCompletionDeadline:      1_000,
		Bids:                        []Bid{},
		Status:                      StatusInitial,
		WorkDescription:             "deliver four jolly ranchers",
	}
}

func (f fixture) bountyContract() *EscrowState {
	s := f.bidContract()
	s.ContractType = ContractBounty
	s.MinAllowableBid = 0
	s.BountyIncreaseAllowanceMode = IncreaseBySeekerOrPlatform
	s.BountyIncreaseCutoffPoint = CutoffSubmissionOfWork
	return s
}

func genesisToken(t *testing.T, s *EscrowState, value uint64) Token {
	t.Helper()
	rec, err := NewGenesisRecord(s, value, [16]byte{0x01})
	if err != nil {
		t.Fatalf("genesis record: %v", err)
	}
	token, err := rec.Token()
	if err != nil {
		t.Fatalf("genesis token: %v", err)
	}
	return token
}

// authorizeWith plans call and signs the digest with every party whose key
// is required.
func authorizeWith(t *testing.T, token Token, call Call, parties ...testParty) (*Outcome, error) {
	t.Helper()
	planned, err := Plan(token, call)
	if err != nil {
		return nil, err
	}
	var sigs []Signature
	for _, required := range planned.Signers {
		for _, p := range parties {
			if p.pub == required.Key {
				sigs = append(sigs, p.sign(t, planned.Digest))
				break
			}
		}
	}
	return Authorize(token, call, sigs)
}

func mustAdvance(t *testing.T, f fixture, token Token, call Call) (Token, *Outcome) {
	t.Helper()
	out, err := authorizeWith(t, token, call, f.parties()...)
	if err != nil {
		t.Fatalf("%s: %v", call.Kind, err)
	}
	if !out.Conserves(token.Value) {
		t.Fatalf("%s: value not conserved", call.Kind)
	}
	next, ok := out.SuccessorToken()
	if !ok {
		t.Fatalf("%s: expected a successor token", call.Kind)
	}
	return next, out
}

func expectGuard(t *testing.T, err error, guard string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s guard failure, got nil", guard)
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, ok := FailedGuard(err)
	if !ok || got != guard {
		t.Fatalf("expected guard %s, got %q (%v)", guard, got, err)
	}
}

func TestBidContractAcceptance(t *testing.T) {
	f := newFixture(t)
	token := genesisToken(t, f.bidContract(), NominalValue)
	bid := Bid{FurnisherKey: f.furnisher.pub, Plans: "walk over", BidAmount: 150, Bond: 0, TimeOfBid: 100, TimeRequired: 50}

	token, _ = mustAdvance(t, f, token, PlaceBid(bid, 100))
	if !token.State.HasBid(bid) {
		t.Fatalf("bid not recorded")
	}
	if token.Value != NominalValue {
		t.Fatalf("placing a bid changed the carried value to %d", token.Value)
	}

	accepted, out := mustAdvance(t, f, token, AcceptBid(AcceptedBySeeker, bid, 200))
	if accepted.State.Status != StatusBidAccepted {
		t.Fatalf("expected bid-accepted, got %s", accepted.State.Status)
	}
	if accepted.Value != 150 {
		t.Fatalf("expected carried value 150, got %d", accepted.Value)
	}
	if out.Funding != 149 {
		t.Fatalf("expected seeker to fund 149, got %d", out.Funding)
	}
	if accepted.State.BidAcceptedBy != AcceptedBySeeker || *accepted.State.AcceptedBid != bid {
		t.Fatalf("accepted bid not recorded: %+v", accepted.State.AcceptedBid)
	}
}

func TestWithdrawBidAcceptanceAfterTimeout(t *testing.T) {
	f := newFixture(t)
	token := genesisToken(t, f.bidContract(), NominalValue)
	bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 150, TimeOfBid: 100, TimeRequired: 50}
	token, _ = mustAdvance(t, f, token, PlaceBid(bid, 100))
	token, _ = mustAdvance(t, f, token, AcceptBid(AcceptedBySeeker, bid, 105))

	_, err := authorizeWith(t, token, WithdrawBidAcceptance(106), f.seeker)
	expectGuard(t, err, GuardTiming)
	_, err = authorizeWith(t, token, WithdrawBidAcceptance(110), f.seeker)
	expectGuard(t, err, GuardTiming)

	reverted, out := mustAdvance(t, f, token, WithdrawBidAcceptance(111))
	if reverted.State.Status != StatusInitial {
		t.Fatalf("expected initial, got %s", reverted.State.Status)
	}
	if reverted.Value != NominalValue {
		t.Fatalf("expected nominal value, got %d", reverted.Value)
	}
	if reverted.State.AcceptedBid != nil || reverted.State.BidAcceptedBy != NotYetAccepted {
		t.Fatalf("acceptance not cleared")
	}
	if reverted.State.HasBid(bid) {
		t.Fatalf("withdrawn bid should leave the bid set")
	}
	if len(out.Payouts) != 1 || out.Payouts[0].Key != f.seeker.pub || out.Payouts[0].Amount != 149 {
		t.Fatalf("unexpected refund payouts: %+v", out.Payouts)
	}
}

func TestWithdrawRequiresAcceptorSignature(t *testing.T) {
	f := newFixture(t)
	state := f.bidContract()
	state.ApprovalMode = ApprovalSeekerOrPlatform
	token := genesisToken(t, state, NominalValue)
	bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 120, TimeOfBid: 50, TimeRequired: 10}
	token, _ = mustAdvance(t, f, token, PlaceBid(bid, 60))
	token, _ = mustAdvance(t, f, token, AcceptBid(AcceptedByPlatform, bid, 70))

	_, err := authorizeWith(t, token, WithdrawBidAcceptance(500), f.seeker)
	expectGuard(t, err, GuardSignature)
	out, err := authorizeWith(t, token, WithdrawBidAcceptance(500), f.platform)
	if err != nil {
		t.Fatalf("platform withdrawal: %v", err)
	}
	if out.Payouts[0].Role != RolePlatform {
		t.Fatalf("refund should go to the accepting platform, got %s", out.Payouts[0].Role)
	}
}

func TestAdHocBountySubmission(t *testing.T) {
	f := newFixture(t)
	state := f.bountyContract()
	state.BountySolversNeedApproval = false
	state.FurnisherBondingMode = BondingRequired
	state.RequiredBondAmount = 25
	token := genesisToken(t, state, 500)

	adHoc := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 500, Bond: 25, TimeOfBid: 300}
	next, out := mustAdvance(t, f, token, SubmitAdHocWork("left at the front desk", adHoc, 300))
	if next.State.Status != StatusWorkSubmitted {
		t.Fatalf("expected work-submitted, got %s", next.State.Status)
	}
	if next.Value != 525 || out.Funding != 25 {
		t.Fatalf("expected value 525 funded by bond 25, got %d/%d", next.Value, out.Funding)
	}
	if next.State.WorkCompletionTime != 300 || next.State.WorkCompletionDescription != "left at the front desk" {
		t.Fatalf("completion fields not set: %+v", next.State)
	}
	if *next.State.AcceptedBid != adHoc {
		t.Fatalf("ad-hoc bid not recorded")
	}

	wrongBond := adHoc
	wrongBond.Bond = 0
	_, err := authorizeWith(t, token, SubmitAdHocWork("x", wrongBond, 300), f.furnisher)
	expectGuard(t, err, GuardBond)

	wrongAmount := adHoc
	wrongAmount.BidAmount = 499
	_, err = authorizeWith(t, token, SubmitAdHocWork("x", wrongAmount, 300), f.furnisher)
	expectGuard(t, err, GuardAmount)

	_, err = authorizeWith(t, token, SubmitAdHocWork("x", adHoc, 301), f.furnisher)
	expectGuard(t, err, GuardTiming)

	needsApproval := f.bountyContract()
	_, err = authorizeWith(t, genesisToken(t, needsApproval, 500), SubmitAdHocWork("x", adHoc, 300), f.furnisher)
	expectGuard(t, err, GuardPolicy)
}

func disputedToken(t *testing.T, f fixture, decisive, survives bool, contractType ContractType) Token {
	t.Helper()
	state := f.bidContract()
	state.ContractType = contractType
	state.EscrowMustBeFullyDecisive = decisive
	state.ContractSurvivesAdverseFurnisherDisputeResolution = survives
	bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 102, TimeOfBid: 10, TimeRequired: 5}
	state.Bids = []Bid{bid}
	state.AcceptedBid = &bid
	state.BidAcceptedBy = AcceptedBySeeker
	state.Status = StatusDisputedBySeeker
	return Token{Ref: TokenRef{Contract: ContractID{0xD1}, Sequence: 4}, State: state, Value: 102}
}

func TestPlatformResolvesDisputeFullyDecisive(t *testing.T) {
	f := newFixture(t)
	token := disputedToken(t, f, true, false, ContractBid)

	_, err := authorizeWith(t, token, ResolveDispute(50, 50), f.platform)
	expectGuard(t, err, GuardDecisive)
	_, err = authorizeWith(t, token, ResolveDispute(0, 0), f.platform)
	expectGuard(t, err, GuardDecisive)

	out, err := authorizeWith(t, token, ResolveDispute(100, 0), f.platform)
	if err != nil {
		t.Fatalf("decisive resolution: %v", err)
	}
	if !out.Terminal() {
		t.Fatalf("resolution without survival must be terminal")
	}
	want := []Payout{
		{Role: RoleSeeker, Key: f.seeker.pub, Amount: 100},
		{Role: RolePlatform, Key: f.platform.pub, Amount: 2},
	}
	if !payoutsEqual(out.Payouts, want) {
		t.Fatalf("unexpected payouts %+v", out.Payouts)
	}
	if !out.Conserves(token.Value) {
		t.Fatalf("resolution does not conserve value")
	}
}

func TestPlatformResolvesDisputeFeeBound(t *testing.T) {
	f := newFixture(t)
	token := disputedToken(t, f, false, false, ContractBid)

	// fee is floor(102 * 250 / 10000) = 2
	_, err := authorizeWith(t, token, ResolveDispute(60, 39), f.platform)
	expectGuard(t, err, GuardPayout)
	_, err = authorizeWith(t, token, ResolveDispute(60, 43), f.platform)
	expectGuard(t, err, GuardPayout)

	out, err := authorizeWith(t, token, ResolveDispute(60, 40), f.platform)
	if err != nil {
		t.Fatalf("split resolution: %v", err)
	}
	if len(out.Payouts) != 3 || out.Payouts[1].Key != f.furnisher.pub || out.Payouts[2].Amount != 2 {
		t.Fatalf("unexpected split payouts %+v", out.Payouts)
	}
	_, err = authorizeWith(t, token, ResolveDispute(60, 40), f.seeker)
	expectGuard(t, err, GuardSignature)
}

func TestContractSurvivesAdverseResolution(t *testing.T) {
	f := newFixture(t)

	bounty := disputedToken(t, f, true, true, ContractBounty)
	revived, out := mustAdvance(t, f, bounty, ResolveDispute(100, 0))
	if revived.State.Status != StatusInitial || revived.Value != 100 {
		t.Fatalf("expected revived initial token with 100, got %s/%d", revived.State.Status, revived.Value)
	}
	if len(revived.State.Bids) != 0 || revived.State.AcceptedBid != nil {
		t.Fatalf("revived contract must start without bids")
	}
	if len(out.Payouts) != 1 || out.Payouts[0].Role != RolePlatform || out.Payouts[0].Amount != 2 {
		t.Fatalf("unexpected payouts %+v", out.Payouts)
	}

	bid := disputedToken(t, f, true, true, ContractBid)
	revived, out = mustAdvance(t, f, bid, ResolveDispute(100, 0))
	if revived.Value != NominalValue {
		t.Fatalf("revived bid contract must carry the nominal value, got %d", revived.Value)
	}
	if out.Payouts[0].Role != RoleSeeker || out.Payouts[0].Amount != 99 {
		t.Fatalf("unexpected seeker refund %+v", out.Payouts)
	}

	// An award to the furnisher never revives the contract.
	out, err := authorizeWith(t, disputedToken(t, f, true, true, ContractBounty), ResolveDispute(0, 100), f.platform)
	if err != nil {
		t.Fatalf("furnisher award: %v", err)
	}
	if !out.Terminal() {
		t.Fatalf("furnisher award must be terminal")
	}
}

func TestBidCapNeverExceeded(t *testing.T) {
	f := newFixture(t)
	for limit := uint32(0); limit <= 5; limit++ {
		state := f.bidContract()
		state.MaxAllowedBids = limit
		token := genesisToken(t, state, NominalValue)
		for i := 0; i < int(limit)+3; i++ {
			bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 100 + uint64(i), TimeOfBid: 10, TimeRequired: 5}
			out, err := authorizeWith(t, token, PlaceBid(bid, 10), f.furnisher)
			if i >= int(limit) {
				expectGuard(t, err, GuardBidCap)
				continue
			}
			if err != nil {
				t.Fatalf("limit %d bid %d: %v", limit, i, err)
			}
			token, _ = out.SuccessorToken()
			if uint32(len(token.State.Bids)) > limit {
				t.Fatalf("bid set grew past cap %d", limit)
			}
		}
	}
}

func TestPlaceBidGuards(t *testing.T) {
	f := newFixture(t)
	bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 150, Bond: 5, TimeOfBid: 100, TimeRequired: 50}

	cases := []struct {
		name   string
		mutate func(*EscrowState, *Bid, *Timestamp)
		value  uint64
		guard  string
	}{
		{"below minimum", func(_ *EscrowState, b *Bid, _ *Timestamp) { b.BidAmount = 99 }, NominalValue, GuardAmount},
		{"bond forbidden", func(s *EscrowState, _ *Bid, _ *Timestamp) { s.FurnisherBondingMode = BondingForbidden }, NominalValue, GuardBond},
		{"bond mismatch", func(s *EscrowState, _ *Bid, _ *Timestamp) {
			s.FurnisherBondingMode = BondingRequired
			s.RequiredBondAmount = 10
		}, NominalValue, GuardBond},
		{"zero time required", func(_ *EscrowState, b *Bid, _ *Timestamp) { b.TimeRequired = 0 }, NominalValue, GuardTimingDomain},
		{"zero time of bid", func(_ *EscrowState, b *Bid, _ *Timestamp) { b.TimeOfBid = 0 }, NominalValue, GuardTimingDomain},
		{"authorized before bid", func(_ *EscrowState, _ *Bid, at *Timestamp) { *at = 99 }, NominalValue, GuardTiming},
		{"no approval needed", func(s *EscrowState, _ *Bid, _ *Timestamp) { s.BountySolversNeedApproval = false }, NominalValue, GuardPolicy},
		{"bounty amount mismatch", func(s *EscrowState, _ *Bid, _ *Timestamp) { s.ContractType = ContractBounty }, 400, GuardAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := f.bidContract()
			b := bid
			at := Timestamp(100)
			tc.mutate(state, &b, &at)
			token := Token{Ref: TokenRef{Contract: ContractID{0x0B}}, State: state, Value: tc.value}
			_, err := authorizeWith(t, token, PlaceBid(b, at), f.furnisher)
			expectGuard(t, err, tc.guard)
		})
	}

	token := genesisToken(t, f.bidContract(), NominalValue)
	token, _ = mustAdvance(t, f, token, PlaceBid(bid, 100))
	_, err := authorizeWith(t, token, PlaceBid(bid, 100), f.furnisher)
	expectGuard(t, err, GuardDuplicateBid)

	_, err = authorizeWith(t, token, PlaceBid(Bid{FurnisherKey: f.rival.pub, BidAmount: 180, TimeOfBid: 100, TimeRequired: 50}, 100), f.furnisher)
	expectGuard(t, err, GuardSignature)
}

func TestAcceptBidGuards(t *testing.T) {
	f := newFixture(t)
	bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 150, TimeOfBid: 100, TimeRequired: 50}
	token := genesisToken(t, f.bidContract(), NominalValue)
	token, _ = mustAdvance(t, f, token, PlaceBid(bid, 100))

	// deadline 1000 - time required 50 leaves 950 as the exclusive bound
	_, err := authorizeWith(t, token, AcceptBid(AcceptedBySeeker, bid, 950), f.seeker)
	expectGuard(t, err, GuardTiming)
	if _, err := authorizeWith(t, token, AcceptBid(AcceptedBySeeker, bid, 949), f.seeker); err != nil {
		t.Fatalf("accept at 949: %v", err)
	}

	_, err = authorizeWith(t, token, AcceptBid(AcceptedByPlatform, bid, 200), f.platform)
	expectGuard(t, err, GuardPolicy)

	other := bid
	other.BidAmount = 175
	_, err = authorizeWith(t, token, AcceptBid(AcceptedBySeeker, other, 200), f.seeker)
	expectGuard(t, err, GuardUnknownBid)

	_, err = authorizeWith(t, token, AcceptBid(AcceptedBySeeker, bid, 200), f.platform)
	expectGuard(t, err, GuardSignature)
}

func TestFullBidLifecycleConservesValue(t *testing.T) {
	f := newFixture(t)
	state := f.bidContract()
	state.PlatformAuthorizationRequired = true
	token := genesisToken(t, state, NominalValue)
	bid := Bid{FurnisherKey: f.furnisher.pub, Plans: "ipfs://plan", BidAmount: 150, Bond: 20, TimeOfBid: 100, TimeRequired: 50}

	steps := []Call{
		PlaceBid(bid, 100),
		AcceptBid(AcceptedBySeeker, bid, 120),
		StartWork(true),
		SubmitWork("delivered", 400),
		ApproveWork(),
	}
	for _, call := range steps {
		next, _ := mustAdvance(t, f, token, call)
		want, ok := CarriedValue(next.State, 0)
		if !ok || want != next.Value {
			t.Fatalf("%s: carried %d, formula %d", call.Kind, next.Value, want)
		}
		token = next
	}
	if token.Value != 170 {
		t.Fatalf("expected bid plus bond, got %d", token.Value)
	}

	_, err := authorizeWith(t, token, ClaimPayment(), f.rival)
	expectGuard(t, err, GuardSignature)
	out, err := authorizeWith(t, token, ClaimPayment(), f.furnisher)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !out.Terminal() || out.PaidOut() != 170 || out.Payouts[0].Key != f.furnisher.pub {
		t.Fatalf("unexpected claim outcome %+v", out)
	}
}

func TestStartWorkAuthorizationForms(t *testing.T) {
	f := newFixture(t)
	bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 150, Bond: 7, TimeOfBid: 100, TimeRequired: 50}
	token := genesisToken(t, f.bidContract(), NominalValue)
	token, _ = mustAdvance(t, f, token, PlaceBid(bid, 100))
	token, _ = mustAdvance(t, f, token, AcceptBid(AcceptedBySeeker, bid, 120))

	_, err := authorizeWith(t, token, StartWork(true), f.furnisher, f.platform)
	expectGuard(t, err, GuardPolicy)
	started, out := mustAdvance(t, f, token, StartWork(false))
	if started.Value != 157 || out.Funding != 7 {
		t.Fatalf("bond not posted at work start: %d", started.Value)
	}

	state := f.bidContract()
	state.PlatformAuthorizationRequired = true
	token = genesisToken(t, state, NominalValue)
	token, _ = mustAdvance(t, f, token, PlaceBid(bid, 100))
	token, _ = mustAdvance(t, f, token, AcceptBid(AcceptedBySeeker, bid, 120))
	_, err = authorizeWith(t, token, StartWork(true), f.furnisher)
	expectGuard(t, err, GuardSignature)
	_, err = authorizeWith(t, token, StartWork(false), f.furnisher)
	expectGuard(t, err, GuardPolicy)
	if _, err := authorizeWith(t, token, StartWork(true), f.furnisher, f.platform); err != nil {
		t.Fatalf("co-signed start: %v", err)
	}
}

func TestDisputeTiming(t *testing.T) {
	f := newFixture(t)
	bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 150, TimeOfBid: 100, TimeRequired: 50}
	token := genesisToken(t, f.bidContract(), NominalValue)
	token, _ = mustAdvance(t, f, token, PlaceBid(bid, 100))
	token, _ = mustAdvance(t, f, token, AcceptBid(AcceptedBySeeker, bid, 120))
	started, _ := mustAdvance(t, f, token, StartWork(false))

	_, err := authorizeWith(t, started, SeekerRaisesDispute(1_000), f.seeker)
	expectGuard(t, err, GuardTiming)
	disputed, _ := mustAdvance(t, f, started, SeekerRaisesDispute(1_001))
	if disputed.State.Status != StatusDisputedBySeeker {
		t.Fatalf("expected disputed-by-seeker, got %s", disputed.State.Status)
	}

	submitted, _ := mustAdvance(t, f, started, SubmitWork("done", 500))
	// work submitted: the seeker may dispute at any time
	if _, err := authorizeWith(t, submitted, SeekerRaisesDispute(0), f.seeker); err != nil {
		t.Fatalf("seeker dispute after submission: %v", err)
	}
	_, err = authorizeWith(t, submitted, FurnisherRaisesDispute(520), f.furnisher)
	expectGuard(t, err, GuardTiming)
	byFurnisher, _ := mustAdvance(t, f, submitted, FurnisherRaisesDispute(521))
	if byFurnisher.State.Status != StatusDisputedByFurnisher {
		t.Fatalf("expected disputed-by-furnisher, got %s", byFurnisher.State.Status)
	}
	_, err = authorizeWith(t, submitted, FurnisherRaisesDispute(600), f.rival)
	expectGuard(t, err, GuardSignature)
}

func TestTimingDomainRejectsWrongSide(t *testing.T) {
	f := newFixture(t)
	blocks := f.bidContract()
	seconds := f.bidContract()
	seconds.DelayUnit = DelaySeconds
	seconds.WorkCompletionDeadline = 1_900_000_000

	wrong := map[DelayUnit][]Timestamp{
		DelayBlocks:  {LockTimeThreshold, LockTimeThreshold + 1, 1_700_000_000},
		DelaySeconds: {1, 100, LockTimeThreshold - 1, LockTimeThreshold},
	}
	for _, state := range []*EscrowState{blocks, seconds} {
		token := genesisToken(t, state, NominalValue)
		for _, at := range wrong[state.DelayUnit] {
			bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 150, TimeOfBid: at, TimeRequired: 50}
			_, err := authorizeWith(t, token, PlaceBid(bid, at), f.furnisher)
			expectGuard(t, err, GuardTimingDomain)
			_, err = authorizeWith(t, token, CancelBeforeAccept(), f.seeker)
			if err != nil {
				t.Fatalf("untimed cancel without timestamp: %v", err)
			}
			call := CancelBeforeAccept()
			call.AuthTime = at
			_, err = authorizeWith(t, token, call, f.seeker)
			expectGuard(t, err, GuardTimingDomain)
		}
	}

	secondsToken := genesisToken(t, seconds, NominalValue)
	bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 150, TimeOfBid: 1_700_000_000, TimeRequired: 600_000_000}
	if _, err := authorizeWith(t, secondsToken, PlaceBid(bid, 1_700_000_100), f.furnisher); err != nil {
		t.Fatalf("seconds-domain bid: %v", err)
	}
	for _, required := range []Timestamp{3_600, LockTimeThreshold} {
		bid.TimeRequired = required
		_, err := authorizeWith(t, secondsToken, PlaceBid(bid, 1_700_000_100), f.furnisher)
		expectGuard(t, err, GuardTimingDomain)
	}

	blocksToken := genesisToken(t, blocks, NominalValue)
	bid = Bid{FurnisherKey: f.furnisher.pub, BidAmount: 150, TimeOfBid: 100, TimeRequired: 600_000_000}
	_, err := authorizeWith(t, blocksToken, PlaceBid(bid, 100), f.furnisher)
	expectGuard(t, err, GuardTimingDomain)
}

func TestExtendWorkDeadline(t *testing.T) {
	f := newFixture(t)
	token := genesisToken(t, f.bidContract(), NominalValue)
	next, out := mustAdvance(t, f, token, ExtendWorkDeadline(500))
	if next.State.WorkCompletionDeadline != 1_500 || next.Value != token.Value || out.Funding != 0 {
		t.Fatalf("unexpected extension result %d/%d", next.State.WorkCompletionDeadline, next.Value)
	}
	_, err := authorizeWith(t, token, ExtendWorkDeadline(0), f.seeker)
	expectGuard(t, err, GuardAmount)
	_, err = authorizeWith(t, token, ExtendWorkDeadline(LockTimeThreshold), f.seeker)
	expectGuard(t, err, GuardTimingDomain)
	_, err = authorizeWith(t, token, ExtendWorkDeadline(10), f.platform)
	expectGuard(t, err, GuardSignature)

	resolved := disputedToken(t, f, false, false, ContractBid)
	_, err = authorizeWith(t, resolved, ExtendWorkDeadline(10), f.seeker)
	expectGuard(t, err, GuardStatus)
}

func TestIncreaseBountyPolicy(t *testing.T) {
	f := newFixture(t)
	cutoffs := []struct {
		cutoff IncreaseCutoff
		last   Status
	}{
		{CutoffBidAcceptance, StatusInitial},
		{CutoffStartOfWork, StatusBidAccepted},
		{CutoffSubmissionOfWork, StatusWorkStarted},
		{CutoffAcceptanceOfWork, StatusWorkSubmitted},
	}
	progression := []Status{StatusInitial, StatusBidAccepted, StatusWorkStarted, StatusWorkSubmitted, StatusResolved}
	bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 300, TimeOfBid: 10, TimeRequired: 5}
	for _, tc := range cutoffs {
		for _, status := range progression {
			state := f.bountyContract()
			state.BountyIncreaseCutoffPoint = tc.cutoff
			state.Status = status
			if status != StatusInitial {
				state.Bids = []Bid{bid}
				state.AcceptedBid = &bid
				if status != StatusResolved && status != StatusWorkSubmitted {
					state.BidAcceptedBy = AcceptedBySeeker
				}
				if status == StatusWorkSubmitted || status == StatusResolved {
					state.WorkCompletionTime = 50
				}
			}
			token := Token{Ref: TokenRef{Contract: ContractID{0xB0}}, State: state, Value: 300}
			out, err := authorizeWith(t, token, IncreaseBounty(IncreaserSeeker, 50), f.seeker)
			allowed := status <= tc.last
			if allowed {
				if err != nil {
					t.Fatalf("cutoff %s status %s: %v", tc.cutoff, status, err)
				}
				if out.SuccessorValue != 350 || out.Successor.Status != status {
					t.Fatalf("cutoff %s status %s: unexpected successor", tc.cutoff, status)
				}
				continue
			}
			expectGuard(t, err, GuardStatus)
		}
	}

	state := f.bountyContract()
	state.BountyIncreaseAllowanceMode = IncreaseBySeeker
	token := genesisToken(t, state, 300)
	_, err := authorizeWith(t, token, IncreaseBounty(IncreaserPlatform, 50), f.platform)
	expectGuard(t, err, GuardPolicy)
	_, err = authorizeWith(t, token, IncreaseBounty(IncreaserSeeker, 0), f.seeker)
	expectGuard(t, err, GuardAmount)

	state.BountyIncreaseAllowanceMode = IncreaseByAnyone
	token = genesisToken(t, state, 300)
	out, err := Authorize(token, IncreaseBounty(IncreaserAnyone, 75), nil)
	if err != nil {
		t.Fatalf("anyone increase without signature: %v", err)
	}
	if len(out.Signers) != 0 || out.SuccessorValue != 375 {
		t.Fatalf("unexpected anyone increase %+v", out)
	}

	bidContract := genesisToken(t, f.bidContract(), NominalValue)
	_, err = authorizeWith(t, bidContract, IncreaseBounty(IncreaserSeeker, 10), f.seeker)
	expectGuard(t, err, GuardContractType)
}

func TestCancelBeforeAccept(t *testing.T) {
	f := newFixture(t)
	token := genesisToken(t, f.bountyContract(), 800)
	out, err := authorizeWith(t, token, CancelBeforeAccept(), f.seeker)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !out.Terminal() || out.Payouts[0].Key != f.seeker.pub || out.Payouts[0].Amount != 800 {
		t.Fatalf("unexpected cancel outcome %+v", out.Payouts)
	}
	_, err = authorizeWith(t, token, CancelBeforeAccept(), f.furnisher)
	expectGuard(t, err, GuardSignature)

	_, err = authorizeWith(t, disputedToken(t, f, false, false, ContractBid), CancelBeforeAccept(), f.seeker)
	expectGuard(t, err, GuardStatus)
}

func TestPlanRejectsStrayParameters(t *testing.T) {
	f := newFixture(t)
	token := genesisToken(t, f.bidContract(), NominalValue)
	bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 150, TimeOfBid: 100, TimeRequired: 50}

	cancel := CancelBeforeAccept()
	cancel.Amount = 5
	withBid := PlaceBid(bid, 100)
	withBid.Description = "not read by bids"
	extend := ExtendWorkDeadline(10)
	extend.Bid = &bid
	resolve := ResolveDispute(1, 0)
	resolve.Increaser = IncreaserPlatform
	for _, call := range []Call{cancel, withBid, extend, resolve} {
		_, err := Plan(token, call)
		expectGuard(t, err, GuardMalformed)
	}

	if _, err := Plan(token, PlaceBid(bid, 100)); err != nil {
		t.Fatalf("clean bid: %v", err)
	}
}

func TestDigestBindsSuccessor(t *testing.T) {
	f := newFixture(t)
	token := genesisToken(t, f.bidContract(), NominalValue)
	bid := Bid{FurnisherKey: f.furnisher.pub, BidAmount: 150, TimeOfBid: 100, TimeRequired: 50}
	planned, err := Plan(token, PlaceBid(bid, 100))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	sig := f.furnisher.sign(t, planned.Digest)

	swapped := bid
	swapped.BidAmount = 900
	_, err = Authorize(token, PlaceBid(swapped, 100), []Signature{sig})
	expectGuard(t, err, GuardSignature)

	later := token
	later.Ref = token.Ref.Next()
	_, err = Authorize(later, PlaceBid(bid, 100), []Signature{sig})
	expectGuard(t, err, GuardSignature)

	rec := NewTransitionRecord(PlaceBid(bid, 100), planned, []Signature{sig})
	if _, err := VerifyRecord(token, rec); err != nil {
		t.Fatalf("verify record: %v", err)
	}
	tampered := *rec
	tampered.SuccessorValue = 2
	if _, err := VerifyRecord(token, &tampered); !errors.Is(err, ErrEncodingMismatch) {
		t.Fatalf("expected encoding mismatch, got %v", err)
	}
	tampered = *rec
	tampered.Successor = append([]byte(nil), rec.Successor...)
	tampered.Successor[len(tampered.Successor)-1] ^= 0xFF
	if _, err := VerifyRecord(token, &tampered); !errors.Is(err, ErrEncodingMismatch) {
		t.Fatalf("expected encoding mismatch for altered successor, got %v", err)
	}
	if _, err := VerifyRecord(later, rec); !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected stale state, got %v", err)
	}
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(e events.Event) { c.events = append(c.events, e) }

func TestEngineEmitsTransitionEvents(t *testing.T) {
	f := newFixture(t)
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetEmitter(emitter)

	genesis, err := NewGenesisRecord(f.bountyContract(), 500, [16]byte{0x02})
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	token, err := engine.Create(genesis)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	call := IncreaseBounty(IncreaserSeeker, 25)
	planned, err := Plan(token, call)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	rec := NewTransitionRecord(call, planned, []Signature{f.seeker.sign(t, planned.Digest)})
	if _, err := engine.Apply(token, rec); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(emitter.events) != 2 {
		t.Fatalf("expected two events, got %d", len(emitter.events))
	}
	if emitter.events[0].EventType() != EventTypeEscrowCreated || emitter.events[1].EventType() != EventTypeEscrowBountyIncreased {
		t.Fatalf("unexpected event types %s, %s", emitter.events[0].EventType(), emitter.events[1].EventType())
	}
	evt := emitter.events[1].(escrowEvent).Event()
	if evt.Attributes["successorValue"] != "525" || evt.Attributes["transition"] != "increaseBounty" {
		t.Fatalf("unexpected attributes %v", evt.Attributes)
	}
}
