package client

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/p2ppsr/babbage-escrow/config"
	"github.com/p2ppsr/babbage-escrow/crypto"
	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

// memLedger is a single-process ledger: it replays records against the live
// token of each contract and answers lookups from the same map.
type memLedger struct {
	mu      sync.Mutex
	live    map[escrow.ContractID]Entry
	submits int
}

func newMemLedger() *memLedger {
	return &memLedger{live: make(map[escrow.ContractID]Entry)}
}

func (l *memLedger) Submit(_ context.Context, rec *escrow.Record) (Ack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	if rec.Genesis != nil {
		token, err := rec.Genesis.Token()
		if err != nil {
			return Ack{}, err
		}
		l.live[token.Ref.Contract] = Entry{Ref: token.Ref, State: token.State, Value: token.Value}
		ref := token.Ref
		return Ack{Contract: ref.Contract, Successor: &ref, Value: token.Value}, nil
	}
	tr := rec.Transition
	cur, ok := l.live[tr.Consumed.Contract]
	if !ok || cur.Ref != tr.Consumed {
		return Ack{}, escrow.ErrTokenAlreadySpent
	}
	out, err := escrow.VerifyRecord(cur.Token(), tr)
	if err != nil {
		return Ack{}, err
	}
	ack := Ack{Contract: tr.Consumed.Contract, Value: out.SuccessorValue, Payouts: out.Payouts}
	if next, ok := out.SuccessorToken(); ok {
		l.live[next.Ref.Contract] = Entry{Ref: next.Ref, State: next.State, Value: next.Value}
		ack.Successor = &next.Ref
	} else {
		delete(l.live, tr.Consumed.Contract)
	}
	return ack, nil
}

func (l *memLedger) Query(_ context.Context, f Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.live {
		if f.Matches(e) {
			e.State = e.State.Clone()
			out = append(out, e)
		}
	}
	return out, nil
}

// frozenLookup keeps answering with the entries it was created with.
type frozenLookup struct{ entries []Entry }

func (f frozenLookup) Query(context.Context, Filter) ([]Entry, error) { return f.entries, nil }

type failingBroadcaster struct{ err error }

func (f failingBroadcaster) Submit(context.Context, *escrow.Record) (Ack, error) { return Ack{}, f.err }

type roleKeys struct {
	seeker, furnisher, platform *crypto.PrivateKey
}

func newRoleKeys(t *testing.T) roleKeys {
	t.Helper()
	var keys roleKeys
	for _, dst := range []**crypto.PrivateKey{&keys.seeker, &keys.furnisher, &keys.platform} {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		*dst = key
	}
	return keys
}

// signerFor returns a wallet holding only the keys of the listed roles.
func (k roleKeys) signerFor(roles ...escrow.Role) *crypto.LocalSigner {
	s := crypto.NewLocalSigner()
	for _, role := range roles {
		switch role {
		case escrow.RoleSeeker:
			s.SetKey(role, k.seeker)
		case escrow.RoleFurnisher:
			s.SetKey(role, k.furnisher)
		case escrow.RolePlatform:
			s.SetKey(role, k.platform)
		}
	}
	return s
}

func testConfig(k roleKeys) config.GlobalConfig {
	return config.GlobalConfig{
		PlatformKey:   k.platform.PubKey().Compressed(),
		Topic:         config.DefaultTopic,
		LookupService: config.DefaultLookupService,
		NetworkPreset: config.DefaultNetworkPreset,
		Policy:        config.DefaultPolicy(),
	}
}

func TestRoleClientsBidLifecycle(t *testing.T) {
	ctx := context.Background()
	keys := newRoleKeys(t)
	cfg := testConfig(keys)
	ledger := newMemLedger()

	seeker := NewSeeker(NewBuilder(keys.signerFor(escrow.RoleSeeker), ledger, ledger), cfg)
	furnisher := NewFurnisher(NewBuilder(keys.signerFor(escrow.RoleFurnisher), ledger, ledger), cfg)

	token, _, err := seeker.Seek(ctx, "paint the fence", 1000, 0)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if token.Value != escrow.NominalValue {
		t.Fatalf("bid contract opened with %d, want nominal value", token.Value)
	}
	id := token.Ref.Contract

	available, err := furnisher.AvailableWork(ctx)
	if err != nil || len(available) != 1 {
		t.Fatalf("available work: %v entries=%d", err, len(available))
	}

	bidID, _, err := furnisher.PlaceBid(ctx, id, "two coats", 500, 0, 100, 10)
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	ack, err := seeker.AcceptBid(ctx, id, bidID, 20)
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if ack.Value != 500 {
		t.Fatalf("accepted contract carries %d, want the bid amount", ack.Value)
	}
	if _, err := furnisher.StartWork(ctx, id, nil); err != nil {
		t.Fatalf("start work: %v", err)
	}
	if _, err := furnisher.SubmitWork(ctx, id, "done", 30); err != nil {
		t.Fatalf("submit work: %v", err)
	}
	if _, err := seeker.ApproveWork(ctx, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	ack, err = furnisher.ClaimPayment(ctx, id)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ack.Successor != nil {
		t.Fatalf("claim should end the contract, got successor %s", ack.Successor)
	}
	open, err := seeker.OpenContracts(ctx)
	if err != nil {
		t.Fatalf("open contracts: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open contracts, got %d", len(open))
	}
}

func TestSeekerAcceptBidUnknownID(t *testing.T) {
	ctx := context.Background()
	keys := newRoleKeys(t)
	ledger := newMemLedger()
	seeker := NewSeeker(NewBuilder(keys.signerFor(escrow.RoleSeeker), ledger, ledger), testConfig(keys))
	token, _, err := seeker.Seek(ctx, "work", 1000, 0)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if _, err := seeker.AcceptBid(ctx, token.Ref.Contract, escrow.BidID{1}, 20); !errors.Is(err, ErrUnknownBid) {
		t.Fatalf("expected ErrUnknownBid, got %v", err)
	}
}

func TestDraftExclusivity(t *testing.T) {
	ctx := context.Background()
	keys := newRoleKeys(t)
	ledger := newMemLedger()
	b := NewBuilder(keys.signerFor(escrow.RoleSeeker), ledger, ledger)
	token, _, err := NewSeeker(b, testConfig(keys)).Seek(ctx, "work", 1000, 0)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}

	first, err := b.Draft(ctx, escrow.RoleSeeker, token, escrow.ExtendWorkDeadline(10))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if _, err := b.Draft(ctx, escrow.RoleSeeker, token, escrow.CancelBeforeAccept()); !errors.Is(err, ErrDraftOutstanding) {
		t.Fatalf("expected ErrDraftOutstanding, got %v", err)
	}
	b.Discard(first)
	if _, err := b.Finalize(ctx, first); !errors.Is(err, ErrDraftClosed) {
		t.Fatalf("expected ErrDraftClosed after discard, got %v", err)
	}

	second, err := b.Draft(ctx, escrow.RoleSeeker, token, escrow.CancelBeforeAccept())
	if err != nil {
		t.Fatalf("draft after discard: %v", err)
	}
	if _, err := b.Finalize(ctx, second); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// A finalized draft frees the pair as well.
	if _, err := b.Draft(ctx, escrow.RoleSeeker, token, escrow.CancelBeforeAccept()); err != nil {
		t.Fatalf("draft after finalize: %v", err)
	}
}

func TestFinalizeRejectsStaleDraft(t *testing.T) {
	ctx := context.Background()
	keys := newRoleKeys(t)
	ledger := newMemLedger()
	signer := keys.signerFor(escrow.RoleSeeker)
	b := NewBuilder(signer, ledger, ledger)
	token, _, err := NewSeeker(b, testConfig(keys)).Seek(ctx, "work", 1000, 0)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}

	d, err := b.Draft(ctx, escrow.RoleSeeker, token, escrow.ExtendWorkDeadline(10))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	other := NewBuilder(signer, ledger, ledger)
	if _, err := other.Execute(ctx, escrow.RoleSeeker, token.Ref.Contract, escrow.ExtendWorkDeadline(5)); err != nil {
		t.Fatalf("concurrent extend: %v", err)
	}
	submitted := ledger.submits
	if _, err := b.Finalize(ctx, d); !errors.Is(err, escrow.ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	if ledger.submits != submitted {
		t.Fatal("stale draft must not reach the broadcaster")
	}
}

func TestFinalizeSurfacesBroadcasterErrors(t *testing.T) {
	ctx := context.Background()
	keys := newRoleKeys(t)
	ledger := newMemLedger()
	signer := keys.signerFor(escrow.RoleSeeker)
	token, _, err := NewSeeker(NewBuilder(signer, ledger, ledger), testConfig(keys)).Seek(ctx, "work", 1000, 0)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}

	boom := errors.New("relay unavailable")
	b := NewBuilder(signer, failingBroadcaster{err: boom}, ledger)
	if _, err := b.Execute(ctx, escrow.RoleSeeker, token.Ref.Contract, escrow.CancelBeforeAccept()); err != boom {
		t.Fatalf("expected broadcaster error verbatim, got %v", err)
	}
}

func TestDoubleSpendReportedByLedger(t *testing.T) {
	ctx := context.Background()
	keys := newRoleKeys(t)
	ledger := newMemLedger()
	signer := keys.signerFor(escrow.RoleSeeker)
	token, _, err := NewSeeker(NewBuilder(signer, ledger, ledger), testConfig(keys)).Seek(ctx, "work", 1000, 0)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	snapshot, err := ledger.Query(ctx, ByContract(token.Ref.Contract))
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	// Both builders see the same live token; the index of the loser lags.
	winner := NewBuilder(signer, ledger, ledger)
	loser := NewBuilder(signer, ledger, frozenLookup{entries: snapshot})
	if _, err := winner.Execute(ctx, escrow.RoleSeeker, token.Ref.Contract, escrow.ExtendWorkDeadline(5)); err != nil {
		t.Fatalf("winner: %v", err)
	}
	if _, err := loser.Execute(ctx, escrow.RoleSeeker, token.Ref.Contract, escrow.ExtendWorkDeadline(7)); !errors.Is(err, escrow.ErrTokenAlreadySpent) {
		t.Fatalf("expected ErrTokenAlreadySpent, got %v", err)
	}
}

func TestPlatformAuthorizedStart(t *testing.T) {
	ctx := context.Background()
	keys := newRoleKeys(t)
	cfg := testConfig(keys)
	cfg.Policy.PlatformAuthorizationRequired = true
	ledger := newMemLedger()

	seeker := NewSeeker(NewBuilder(keys.signerFor(escrow.RoleSeeker), ledger, ledger), cfg)
	furnisher := NewFurnisher(NewBuilder(keys.signerFor(escrow.RoleFurnisher), ledger, ledger), cfg)
	platform := NewPlatform(NewBuilder(keys.signerFor(escrow.RolePlatform), ledger, ledger), cfg)

	token, _, err := seeker.Seek(ctx, "work", 1000, 0)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	id := token.Ref.Contract
	bidID, _, err := furnisher.PlaceBid(ctx, id, "plan", 300, 0, 50, 10)
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if _, err := seeker.AcceptBid(ctx, id, bidID, 20); err != nil {
		t.Fatalf("accept: %v", err)
	}

	withoutPlatform := escrow.Signature{}
	if _, err := furnisher.StartWork(ctx, id, &withoutPlatform); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
	sig, err := platform.AuthorizeStart(ctx, id)
	if err != nil {
		t.Fatalf("authorize start: %v", err)
	}
	ack, err := furnisher.StartWork(ctx, id, &sig)
	if err != nil {
		t.Fatalf("start work: %v", err)
	}
	if ack.Successor == nil {
		t.Fatal("start work must leave a live token")
	}
	live, err := ledger.Query(ctx, ByContract(id))
	if err != nil || len(live) != 1 || live[0].State.Status != escrow.StatusWorkStarted {
		t.Fatalf("unexpected live token after start: %v %+v", err, live)
	}
}

func TestPlatformResolvesDispute(t *testing.T) {
	ctx := context.Background()
	keys := newRoleKeys(t)
	cfg := testConfig(keys)
	ledger := newMemLedger()

	seeker := NewSeeker(NewBuilder(keys.signerFor(escrow.RoleSeeker), ledger, ledger), cfg)
	furnisher := NewFurnisher(NewBuilder(keys.signerFor(escrow.RoleFurnisher), ledger, ledger), cfg)
	platform := NewPlatform(NewBuilder(keys.signerFor(escrow.RolePlatform), ledger, ledger), cfg)

	token, _, err := seeker.Seek(ctx, "work", 1000, 0)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	id := token.Ref.Contract
	bidID, _, err := furnisher.PlaceBid(ctx, id, "plan", 1000, 0, 50, 10)
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if _, err := platform.AcceptBid(ctx, id, bidID, 20); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("seeker-only approval must reject the platform, got %v", err)
	}
	if _, err := seeker.AcceptBid(ctx, id, bidID, 20); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := furnisher.StartWork(ctx, id, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := furnisher.SubmitWork(ctx, id, "half done", 30); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := seeker.RaiseDispute(ctx, id, 40); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	disputes, err := platform.ActiveDisputes(ctx)
	if err != nil || len(disputes) != 1 {
		t.Fatalf("active disputes: %v %d", err, len(disputes))
	}
	fee := escrow.ServiceFee(disputes[0].Value, cfg.Policy.EscrowServiceFeeBasisPoints)
	ack, err := platform.ResolveDispute(ctx, id, 400, disputes[0].Value-fee-400)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ack.Successor != nil {
		t.Fatal("split ruling must end the contract")
	}
	var paid uint64
	for _, p := range ack.Payouts {
		paid += p.Amount
	}
	if paid != disputes[0].Value {
		t.Fatalf("payouts %d do not drain carried value %d", paid, disputes[0].Value)
	}
}
