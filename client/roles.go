package client

import (
	"context"
	"fmt"

	"github.com/p2ppsr/babbage-escrow/config"
	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

// party holds what every role client shares: the builder and the platform
// policy.
type party struct {
	role    escrow.Role
	builder *Builder
	cfg     config.GlobalConfig
}

func (p party) key(ctx context.Context) (escrow.PubKey, error) {
	return p.builder.Signer().PublicKey(ctx, p.role)
}

func (p party) execute(ctx context.Context, contract escrow.ContractID, call escrow.Call, cosigs ...escrow.Signature) (Ack, error) {
	return p.builder.Execute(ctx, p.role, contract, call, cosigs...)
}

func (p party) query(ctx context.Context, f Filter) ([]Entry, error) {
	return p.builder.lookup.Query(ctx, f)
}

func (p party) resolved(ctx context.Context, f Filter) ([]Resolution, error) {
	if p.builder.archive == nil {
		return nil, ErrNoArchive
	}
	return p.builder.archive.ResolvedDisputes(ctx, f)
}

// bid resolves a bid id against the live token of contract.
func (p party) bid(ctx context.Context, contract escrow.ContractID, id escrow.BidID) (escrow.Bid, error) {
	token, err := p.builder.Current(ctx, contract)
	if err != nil {
		return escrow.Bid{}, err
	}
	bid, ok := token.State.FindBid(id)
	if !ok {
		return escrow.Bid{}, fmt.Errorf("%w: %x", ErrUnknownBid, id[:])
	}
	return bid, nil
}

// Seeker acts for the party that posts work and funds it.
type Seeker struct{ party }

// NewSeeker returns a seeker client signing with the seeker role key.
func NewSeeker(b *Builder, cfg config.GlobalConfig) *Seeker {
	return &Seeker{party{role: escrow.RoleSeeker, builder: b, cfg: cfg}}
}

// Seek opens a new contract under the platform policy. bounty is ignored for
// bid contracts, which open with the nominal value.
func (s *Seeker) Seek(ctx context.Context, description string, deadline escrow.Timestamp, bounty uint64) (escrow.Token, Ack, error) {
	if err := config.ValidatePolicy(s.cfg.Policy); err != nil {
		return escrow.Token{}, Ack{}, err
	}
	key, err := s.key(ctx)
	if err != nil {
		return escrow.Token{}, Ack{}, err
	}
	state, err := s.cfg.NewState(key, description, deadline)
	if err != nil {
		return escrow.Token{}, Ack{}, err
	}
	value, err := s.cfg.OpeningValue(bounty)
	if err != nil {
		return escrow.Token{}, Ack{}, err
	}
	return s.builder.Create(ctx, state, value)
}

// OpenContracts lists every live contract opened by this seeker.
func (s *Seeker) OpenContracts(ctx context.Context) ([]Entry, error) {
	key, err := s.key(ctx)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, Filter{Seeker: &key})
}

// HistoricalDisputes lists the seeker's disputes the platform has already
// ruled on.
func (s *Seeker) HistoricalDisputes(ctx context.Context) ([]Resolution, error) {
	key, err := s.key(ctx)
	if err != nil {
		return nil, err
	}
	return s.resolved(ctx, Filter{Seeker: &key})
}

// CancelBeforeAccept withdraws a contract nobody has been accepted for.
func (s *Seeker) CancelBeforeAccept(ctx context.Context, contract escrow.ContractID) (Ack, error) {
	return s.execute(ctx, contract, escrow.CancelBeforeAccept())
}

// IncreaseBounty adds amount to a bounty.
func (s *Seeker) IncreaseBounty(ctx context.Context, contract escrow.ContractID, amount uint64) (Ack, error) {
	return s.execute(ctx, contract, escrow.IncreaseBounty(escrow.IncreaserSeeker, amount))
}

// ExtendDeadline pushes the work completion deadline back by extension.
func (s *Seeker) ExtendDeadline(ctx context.Context, contract escrow.ContractID, extension escrow.Timestamp) (Ack, error) {
	return s.execute(ctx, contract, escrow.ExtendWorkDeadline(extension))
}

// AcceptBid accepts the bid identified by id.
func (s *Seeker) AcceptBid(ctx context.Context, contract escrow.ContractID, id escrow.BidID, at escrow.Timestamp) (Ack, error) {
	bid, err := s.bid(ctx, contract, id)
	if err != nil {
		return Ack{}, err
	}
	return s.execute(ctx, contract, escrow.AcceptBid(escrow.AcceptedBySeeker, bid, at))
}

// WithdrawBidAcceptance reopens a contract whose furnisher never started.
func (s *Seeker) WithdrawBidAcceptance(ctx context.Context, contract escrow.ContractID, at escrow.Timestamp) (Ack, error) {
	return s.execute(ctx, contract, escrow.WithdrawBidAcceptance(at))
}

// ApproveWork accepts submitted work.
func (s *Seeker) ApproveWork(ctx context.Context, contract escrow.ContractID) (Ack, error) {
	return s.execute(ctx, contract, escrow.ApproveWork())
}

// RaiseDispute disputes the furnisher's work or a missed deadline.
func (s *Seeker) RaiseDispute(ctx context.Context, contract escrow.ContractID, at escrow.Timestamp) (Ack, error) {
	return s.execute(ctx, contract, escrow.SeekerRaisesDispute(at))
}

// Furnisher acts for the party bidding on and performing work.
type Furnisher struct{ party }

// NewFurnisher returns a furnisher client signing with the furnisher role key.
func NewFurnisher(b *Builder, cfg config.GlobalConfig) *Furnisher {
	return &Furnisher{party{role: escrow.RoleFurnisher, builder: b, cfg: cfg}}
}

// AvailableWork lists contracts of this platform still taking bids.
func (f *Furnisher) AvailableWork(ctx context.Context) ([]Entry, error) {
	status := escrow.StatusInitial
	return f.query(ctx, Filter{Platform: &f.cfg.PlatformKey, Status: &status})
}

// MyContracts lists contracts this furnisher has bid on or been accepted for.
func (f *Furnisher) MyContracts(ctx context.Context) ([]Entry, error) {
	key, err := f.key(ctx)
	if err != nil {
		return nil, err
	}
	return f.query(ctx, Filter{Furnisher: &key})
}

// PlaceBid bids on a contract. The bid is signed as part of the transition.
func (f *Furnisher) PlaceBid(ctx context.Context, contract escrow.ContractID, plans string, amount, bond uint64, timeRequired, at escrow.Timestamp) (escrow.BidID, Ack, error) {
	key, err := f.key(ctx)
	if err != nil {
		return escrow.BidID{}, Ack{}, err
	}
	bid := escrow.Bid{
		FurnisherKey: key,
		Plans:        plans,
		BidAmount:    amount,
		Bond:         bond,
		TimeOfBid:    at,
		TimeRequired: timeRequired,
	}
	ack, err := f.execute(ctx, contract, escrow.PlaceBid(bid, at))
	if err != nil {
		return escrow.BidID{}, Ack{}, err
	}
	return escrow.ComputeBidID(bid), ack, nil
}

// StartWork begins the accepted job. When the contract requires platform
// authorization, platformSig must carry the platform's signature obtained
// with Platform.AuthorizeStart.
func (f *Furnisher) StartWork(ctx context.Context, contract escrow.ContractID, platformSig *escrow.Signature) (Ack, error) {
	if platformSig == nil {
		return f.execute(ctx, contract, escrow.StartWork(false))
	}
	return f.execute(ctx, contract, escrow.StartWork(true), *platformSig)
}

// SubmitWork hands in work for an accepted bid.
func (f *Furnisher) SubmitWork(ctx context.Context, contract escrow.ContractID, description string, at escrow.Timestamp) (Ack, error) {
	return f.execute(ctx, contract, escrow.SubmitWork(description, at))
}

// SubmitAdHoc hands in work for an open bounty that needs no approval. The
// bid is shaped from the live token: the full bounty, the required bond and
// no time requirement.
func (f *Furnisher) SubmitAdHoc(ctx context.Context, contract escrow.ContractID, description string, at escrow.Timestamp) (Ack, error) {
	key, err := f.key(ctx)
	if err != nil {
		return Ack{}, err
	}
	token, err := f.builder.Current(ctx, contract)
	if err != nil {
		return Ack{}, err
	}
	bid := escrow.Bid{
		FurnisherKey: key,
		BidAmount:    token.Value,
		Bond:         token.State.RequiredBondAmount,
		TimeOfBid:    at,
	}
	d, err := f.builder.Draft(ctx, f.role, token, escrow.SubmitAdHocWork(description, bid, at))
	if err != nil {
		return Ack{}, err
	}
	return f.builder.Finalize(ctx, d)
}

// RaiseDispute disputes a seeker who let the approval window lapse.
func (f *Furnisher) RaiseDispute(ctx context.Context, contract escrow.ContractID, at escrow.Timestamp) (Ack, error) {
	return f.execute(ctx, contract, escrow.FurnisherRaisesDispute(at))
}

// ClaimPayment collects the carried value of a resolved contract.
func (f *Furnisher) ClaimPayment(ctx context.Context, contract escrow.ContractID) (Ack, error) {
	return f.execute(ctx, contract, escrow.ClaimPayment())
}

// Platform acts for the escrow operator.
type Platform struct{ party }

// NewPlatform returns a platform client signing with the platform role key.
func NewPlatform(b *Builder, cfg config.GlobalConfig) *Platform {
	return &Platform{party{role: escrow.RolePlatform, builder: b, cfg: cfg}}
}

// ActiveDisputes lists disputed contracts awaiting a ruling.
func (p *Platform) ActiveDisputes(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for _, status := range []escrow.Status{escrow.StatusDisputedBySeeker, escrow.StatusDisputedByFurnisher} {
		entries, err := p.query(ctx, Filter{Platform: &p.cfg.PlatformKey, Status: &status})
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// HistoricalDisputes lists the disputes this platform has ruled on with their
// payouts.
func (p *Platform) HistoricalDisputes(ctx context.Context) ([]Resolution, error) {
	return p.resolved(ctx, Filter{Platform: &p.cfg.PlatformKey})
}

// AcceptBid accepts a bid on the seeker's behalf.
func (p *Platform) AcceptBid(ctx context.Context, contract escrow.ContractID, id escrow.BidID, at escrow.Timestamp) (Ack, error) {
	bid, err := p.bid(ctx, contract, id)
	if err != nil {
		return Ack{}, err
	}
	return p.execute(ctx, contract, escrow.AcceptBid(escrow.AcceptedByPlatform, bid, at))
}

// AuthorizeStart co-signs the platform-authorized start of work. The
// furnisher passes the returned signature to Furnisher.StartWork.
func (p *Platform) AuthorizeStart(ctx context.Context, contract escrow.ContractID) (escrow.Signature, error) {
	return p.builder.Cosign(ctx, p.role, contract, escrow.StartWork(true))
}

// IncreaseBounty adds platform funds to a bounty.
func (p *Platform) IncreaseBounty(ctx context.Context, contract escrow.ContractID, amount uint64) (Ack, error) {
	return p.execute(ctx, contract, escrow.IncreaseBounty(escrow.IncreaserPlatform, amount))
}

// ResolveDispute rules on a disputed contract.
func (p *Platform) ResolveDispute(ctx context.Context, contract escrow.ContractID, forSeeker, forFurnisher uint64) (Ack, error) {
	return p.execute(ctx, contract, escrow.ResolveDispute(forSeeker, forFurnisher))
}
