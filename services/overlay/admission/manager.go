package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/p2ppsr/babbage-escrow/client"
	"github.com/p2ppsr/babbage-escrow/core/events"
	"github.com/p2ppsr/babbage-escrow/native/escrow"
	"github.com/p2ppsr/babbage-escrow/observability"
	"github.com/p2ppsr/babbage-escrow/services/overlay/ledger"
)

const genesisKind = "genesis"

// Index is the lookup side the manager keeps in sync with the ledger.
type Index interface {
	Admit(ctx context.Context, entry client.Entry) error
	Evict(ctx context.Context, id escrow.ContractID) error
	Retain(ctx context.Context, live map[escrow.ContractID]uint64) (int, error)
	Count(ctx context.Context) (int, error)
}

// Manager is the topic manager of the overlay: it admits genesis and
// transition records into the ledger after replaying the state machine, then
// publishes the outcome to the index and to event subscribers.
type Manager struct {
	ledger  *ledger.Ledger
	index   Index
	emitter events.Emitter
	metrics *observability.EscrowMetrics
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(metrics *observability.EscrowMetrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithEmitter sets the emitter admitted events are published to.
func WithEmitter(emitter events.Emitter) Option {
	return func(m *Manager) {
		if emitter != nil {
			m.emitter = emitter
		}
	}
}

// New returns a manager over the supplied ledger and index.
func New(l *ledger.Ledger, idx Index, opts ...Option) *Manager {
	m := &Manager{
		ledger:  l,
		index:   idx,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "overlay-admission")
	return m
}

// Submit admits rec. It satisfies client.Broadcaster so builders running in
// the same process can skip the HTTP hop.
func (m *Manager) Submit(ctx context.Context, rec *escrow.Record) (client.Ack, error) {
	if rec == nil || (rec.Genesis == nil) == (rec.Transition == nil) {
		return client.Ack{}, fmt.Errorf("%w: record must carry exactly one of genesis or transition", escrow.ErrInvalidTransition)
	}

	// Each submission gets its own engine so events are only published once
	// the ledger has committed.
	var pending []events.Event
	engine := escrow.NewEngine()
	engine.SetEmitter(events.EmitterFunc(func(e events.Event) { pending = append(pending, e) }))

	var (
		ack  client.Ack
		kind string
		err  error
	)
	if rec.Genesis != nil {
		kind = genesisKind
		ack, err = m.admitGenesis(ctx, engine, rec.Genesis)
	} else {
		kind = rec.Transition.Call.Kind.String()
		ack, err = m.admitTransition(ctx, engine, rec.Transition)
	}
	m.metrics.RecordAdmission(kind, outcomeLabel(err))
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, escrow.ErrEncodingMismatch) || errors.Is(err, ledger.ErrValueAudit) {
			level = slog.LevelError
		}
		m.logger.Log(ctx, level, "record rejected", "transition", kind, "error", err)
		return client.Ack{}, err
	}
	for _, e := range pending {
		m.emitter.Emit(e)
	}
	m.refreshLiveGauge(ctx)
	return ack, nil
}

func (m *Manager) admitGenesis(ctx context.Context, engine *escrow.Engine, rec *escrow.GenesisRecord) (client.Ack, error) {
	token, err := engine.Create(rec)
	if err != nil {
		if errors.Is(err, escrow.ErrEncodingMismatch) {
			return client.Ack{}, err
		}
		return client.Ack{}, fmt.Errorf("%w: %v", escrow.ErrInvalidTransition, err)
	}
	snap, err := m.ledger.Open(token)
	if err != nil {
		return client.Ack{}, err
	}
	m.publish(ctx, snap.Ref.Contract, &snap)
	m.logger.Info("contract admitted",
		"contract", snap.Ref.Contract.String(),
		"status", snap.State.Status.String(),
		slog.Uint64("value", snap.Value))
	ref := snap.Ref
	return client.Ack{Contract: ref.Contract, Successor: &ref, Value: snap.Value}, nil
}

func (m *Manager) admitTransition(ctx context.Context, engine *escrow.Engine, rec *escrow.TransitionRecord) (client.Ack, error) {
	_, successor, out, err := m.ledger.Advance(rec.Consumed, func(token escrow.Token) (*escrow.Outcome, error) {
		return engine.Apply(token, rec)
	})
	if err != nil {
		return client.Ack{}, err
	}
	m.publish(ctx, rec.Consumed.Contract, successor)

	ack := client.Ack{Contract: rec.Consumed.Contract, Payouts: out.Payouts}
	attrs := []any{
		"contract", rec.Consumed.Contract.String(),
		"transition", out.Kind.String(),
		"consumed", rec.Consumed.String(),
	}
	if successor != nil {
		ref := successor.Ref
		ack.Successor = &ref
		ack.Value = successor.Value
		attrs = append(attrs, "status", successor.State.Status.String(), slog.Uint64("value", successor.Value))
	} else {
		attrs = append(attrs, "terminal", true)
	}
	m.logger.Info("transition admitted", attrs...)
	return ack, nil
}

// publish moves the index to the new live token, or drops the contract when
// it ended. The ledger stays authoritative when the index write fails; the
// next Reindex repairs it.
func (m *Manager) publish(ctx context.Context, id escrow.ContractID, snap *ledger.Snapshot) {
	var err error
	if snap == nil {
		err = m.index.Evict(ctx, id)
	} else {
		err = m.index.Admit(ctx, entryFor(*snap))
	}
	if err != nil {
		m.logger.Error("index update failed", "contract", id.String(), "error", err)
	}
}

// Reindex rebuilds the index from the ledger's live snapshots. Rows for
// contracts the ledger has ended, or for tokens it no longer holds, are
// dropped before the live tokens are written.
func (m *Manager) Reindex(ctx context.Context) error {
	live, err := m.ledger.Live()
	if err != nil {
		return err
	}
	keep := make(map[escrow.ContractID]uint64, len(live))
	for _, snap := range live {
		keep[snap.Ref.Contract] = snap.Ref.Sequence
	}
	dropped, err := m.index.Retain(ctx, keep)
	if err != nil {
		return err
	}
	for _, snap := range live {
		if err := m.index.Admit(ctx, entryFor(snap)); err != nil {
			return err
		}
	}
	m.refreshLiveGauge(ctx)
	m.logger.Info("index rebuilt", "contracts", len(live), "dropped", dropped)
	return nil
}

// Contract returns the live snapshot of a contract.
func (m *Manager) Contract(id escrow.ContractID) (client.Entry, error) {
	snap, err := m.ledger.Current(id)
	if err != nil {
		return client.Entry{}, err
	}
	return entryFor(snap), nil
}

// History returns every snapshot of a contract, oldest first.
func (m *Manager) History(id escrow.ContractID) ([]ledger.Snapshot, error) {
	return m.ledger.History(id)
}

// ResolvedDisputes lists past dispute rulings whose disputed snapshot
// matches f. It satisfies client.DisputeArchive.
func (m *Manager) ResolvedDisputes(_ context.Context, f client.Filter) ([]client.Resolution, error) {
	rulings, err := m.ledger.Resolutions()
	if err != nil {
		return nil, err
	}
	out := make([]client.Resolution, 0, len(rulings))
	for _, r := range rulings {
		disputed := entryFor(r.Disputed)
		if !f.Matches(disputed) {
			continue
		}
		res := client.Resolution{
			Disputed:   disputed,
			Payouts:    r.Disputed.Payouts,
			ResolvedAt: r.Disputed.ConsumedAt,
		}
		if r.Successor != nil {
			ref := r.Successor.Ref
			res.Successor = &ref
		}
		out = append(out, res)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Manager) refreshLiveGauge(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	n, err := m.index.Count(ctx)
	if err != nil {
		m.logger.Warn("count live tokens", "error", err)
		return
	}
	m.metrics.SetLiveTokens(n)
}

func entryFor(s ledger.Snapshot) client.Entry {
	return client.Entry{Ref: s.Ref, State: s.State, Value: s.Value, Bounty: s.Bounty}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, escrow.ErrTokenAlreadySpent):
		return "spent"
	case errors.Is(err, escrow.ErrEncodingMismatch):
		return "mismatch"
	case errors.Is(err, escrow.ErrStaleState):
		return "stale"
	case errors.Is(err, escrow.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, ledger.ErrContractExists):
		return "duplicate"
	default:
		return "error"
	}
}
