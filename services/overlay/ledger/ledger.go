package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
	"github.com/p2ppsr/babbage-escrow/storage"
)

var (
	// ErrUnknownContract is returned for contracts the ledger never admitted.
	ErrUnknownContract = errors.New("ledger: unknown contract")
	// ErrContractExists rejects a second genesis for the same contract id.
	ErrContractExists = errors.New("ledger: contract already exists")
	// ErrValueAudit means an admitted successor does not carry the value its
	// state implies.
	ErrValueAudit = errors.New("ledger: carried value audit failed")
)

var (
	snapshotPrefix = []byte("escrow/snap/")
	headPrefix     = []byte("escrow/head/")
)

// Snapshot is one admitted state of a contract.
type Snapshot struct {
	Ref        escrow.TokenRef
	State      *escrow.EscrowState
	Value      uint64
	Bounty     uint64
	Spent      bool
	Producer   escrow.TransitionKind
	RecordedAt time.Time
	// ConsumedBy, ConsumedAt and Payouts describe the transition that spent
	// the snapshot. They are zero while the snapshot is live.
	ConsumedBy escrow.TransitionKind
	ConsumedAt time.Time
	Payouts    []escrow.Payout
}

// Token returns the snapshot in the form the state machine consumes.
func (s Snapshot) Token() escrow.Token {
	return escrow.Token{Ref: s.Ref, State: s.State, Value: s.Value}
}

type storedSnapshot struct {
	State      []byte
	Value      uint64
	Bounty     uint64
	Spent      bool
	Producer   uint8
	RecordedAt uint64
	ConsumedBy uint8           `rlp:"optional"`
	ConsumedAt uint64          `rlp:"optional"`
	Payouts    []escrow.Payout `rlp:"optional"`
}

type storedHead struct {
	Sequence uint64
	Ended    bool
}

// Ledger is an append-only arena of contract snapshots. Each contract has a
// head naming its live snapshot; a snapshot can be consumed exactly once.
type Ledger struct {
	mu  sync.Mutex
	db  storage.Database
	now func() time.Time
}

// New returns a ledger persisting into db.
func New(db storage.Database) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

func snapshotKey(ref escrow.TokenRef) []byte {
	key := make([]byte, 0, len(snapshotPrefix)+len(ref.Contract)+8)
	key = append(key, snapshotPrefix...)
	key = append(key, ref.Contract[:]...)
	return binary.BigEndian.AppendUint64(key, ref.Sequence)
}

func contractSnapshotPrefix(id escrow.ContractID) []byte {
	return append(append([]byte{}, snapshotPrefix...), id[:]...)
}

func headKey(id escrow.ContractID) []byte {
	return append(append([]byte{}, headPrefix...), id[:]...)
}

// Open admits the first snapshot of a contract. Bounty contracts record their
// opening value as bounty principal.
func (l *Ledger) Open(token escrow.Token) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := token.Ref.Contract
	exists, err := l.db.Has(headKey(id))
	if err != nil {
		return Snapshot{}, err
	}
	if exists {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrContractExists, id)
	}
	snap := Snapshot{Ref: token.Ref, State: token.State, Value: token.Value, RecordedAt: l.now().UTC()}
	if token.State.ContractType == escrow.ContractBounty {
		snap.Bounty = token.Value
	}
	if err := audit(snap); err != nil {
		return Snapshot{}, err
	}
	batch := make(map[string][]byte, 2)
	if err := putSnapshot(batch, snap); err != nil {
		return Snapshot{}, err
	}
	if err := putHead(batch, id, storedHead{Sequence: token.Ref.Sequence}); err != nil {
		return Snapshot{}, err
	}
	if err := l.db.Write(batch); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Advance consumes the snapshot named by ref. verify runs under the ledger
// lock against the live token and decides the outcome; a ref that is no longer
// live fails with escrow.ErrTokenAlreadySpent before verify is called. The
// successor, if any, is returned along with the consumed snapshot.
func (l *Ledger) Advance(ref escrow.TokenRef, verify func(escrow.Token) (*escrow.Outcome, error)) (consumed Snapshot, successor *Snapshot, out *escrow.Outcome, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, err := l.head(ref.Contract)
	if err != nil {
		return Snapshot{}, nil, nil, err
	}
	if head.Ended || head.Sequence != ref.Sequence {
		return Snapshot{}, nil, nil, fmt.Errorf("%w: %s", escrow.ErrTokenAlreadySpent, ref)
	}
	consumed, err = l.snapshot(ref)
	if err != nil {
		return Snapshot{}, nil, nil, err
	}
	out, err = verify(consumed.Token())
	if err != nil {
		return Snapshot{}, nil, nil, err
	}

	batch := make(map[string][]byte, 3)
	spent := consumed
	spent.Spent = true
	spent.ConsumedBy = out.Kind
	spent.ConsumedAt = l.now().UTC()
	spent.Payouts = out.Payouts
	if err := putSnapshot(batch, spent); err != nil {
		return Snapshot{}, nil, nil, err
	}
	next := storedHead{Sequence: ref.Sequence, Ended: true}
	if token, ok := out.SuccessorToken(); ok {
		snap := Snapshot{
			Ref:        token.Ref,
			State:      token.State,
			Value:      token.Value,
			Bounty:     nextBounty(consumed, out),
			Producer:   out.Kind,
			RecordedAt: l.now().UTC(),
		}
		if err := audit(snap); err != nil {
			return Snapshot{}, nil, nil, err
		}
		if err := putSnapshot(batch, snap); err != nil {
			return Snapshot{}, nil, nil, err
		}
		next = storedHead{Sequence: token.Ref.Sequence}
		successor = &snap
	}
	if err := putHead(batch, ref.Contract, next); err != nil {
		return Snapshot{}, nil, nil, err
	}
	if err := l.db.Write(batch); err != nil {
		return Snapshot{}, nil, nil, err
	}
	return spent, successor, out, nil
}

// nextBounty carries the bounty principal forward: increases add to it and a
// bounty that returns to the initial status restarts from its carried value.
func nextBounty(prev Snapshot, out *escrow.Outcome) uint64 {
	if prev.State.ContractType != escrow.ContractBounty {
		return 0
	}
	switch {
	case out.Kind == escrow.TransitionIncreaseBounty:
		return prev.Bounty + out.Funding
	case out.Successor != nil && out.Successor.Status == escrow.StatusInitial:
		return out.SuccessorValue
	default:
		return prev.Bounty
	}
}

func audit(s Snapshot) error {
	want, ok := escrow.CarriedValue(s.State, s.Bounty)
	if !ok || want != s.Value {
		return fmt.Errorf("%w: %s carries %d, state implies %d", ErrValueAudit, s.Ref, s.Value, want)
	}
	return nil
}

// Current returns the live snapshot of a contract.
func (l *Ledger) Current(id escrow.ContractID) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	head, err := l.head(id)
	if err != nil {
		return Snapshot{}, err
	}
	if head.Ended {
		return Snapshot{}, fmt.Errorf("%w: %s has ended", ErrUnknownContract, id)
	}
	return l.snapshot(escrow.TokenRef{Contract: id, Sequence: head.Sequence})
}

// History returns every snapshot of a contract in sequence order.
func (l *Ledger) History(id escrow.ContractID) ([]Snapshot, error) {
	var (
		out    []Snapshot
		decErr error
	)
	err := l.db.Iterate(contractSnapshotPrefix(id), func(key, value []byte) bool {
		seq := binary.BigEndian.Uint64(key[len(key)-8:])
		snap, err := decodeSnapshot(escrow.TokenRef{Contract: id, Sequence: seq}, value)
		if err != nil {
			decErr = err
			return false
		}
		out = append(out, snap)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, id)
	}
	return out, nil
}

// Resolution is a dispute the platform has ruled on.
type Resolution struct {
	// Disputed is the snapshot the ruling consumed.
	Disputed Snapshot
	// Successor is the snapshot the contract continued with, nil when the
	// ruling ended it.
	Successor *Snapshot
}

// Resolutions returns every dispute ruling in the ledger, ordered by contract
// and then sequence.
func (l *Ledger) Resolutions() ([]Resolution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var (
		ruled  []Snapshot
		decErr error
	)
	err := l.db.Iterate(snapshotPrefix, func(key, value []byte) bool {
		if len(key) != len(snapshotPrefix)+len(escrow.ContractID{})+8 {
			return true
		}
		var ref escrow.TokenRef
		copy(ref.Contract[:], key[len(snapshotPrefix):])
		ref.Sequence = binary.BigEndian.Uint64(key[len(key)-8:])
		snap, err := decodeSnapshot(ref, value)
		if err != nil {
			decErr = err
			return false
		}
		if snap.ConsumedBy == escrow.TransitionPlatformResolvesDispute {
			ruled = append(ruled, snap)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	out := make([]Resolution, 0, len(ruled))
	for _, snap := range ruled {
		res := Resolution{Disputed: snap}
		next, err := l.snapshot(snap.Ref.Next())
		switch {
		case err == nil:
			res.Successor = &next
		case !errors.Is(err, ErrUnknownContract):
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Live returns the live snapshot of every contract that has not ended.
func (l *Ledger) Live() ([]Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var refs []escrow.TokenRef
	var decErr error
	err := l.db.Iterate(headPrefix, func(key, value []byte) bool {
		var head storedHead
		if err := rlp.DecodeBytes(value, &head); err != nil {
			decErr = err
			return false
		}
		if head.Ended {
			return true
		}
		var id escrow.ContractID
		copy(id[:], key[len(headPrefix):])
		refs = append(refs, escrow.TokenRef{Contract: id, Sequence: head.Sequence})
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, fmt.Errorf("ledger: decode head: %w", decErr)
	}
	out := make([]Snapshot, 0, len(refs))
	for _, ref := range refs {
		snap, err := l.snapshot(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (l *Ledger) head(id escrow.ContractID) (storedHead, error) {
	raw, err := l.db.Get(headKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return storedHead{}, fmt.Errorf("%w: %s", ErrUnknownContract, id)
	}
	if err != nil {
		return storedHead{}, err
	}
	var head storedHead
	if err := rlp.DecodeBytes(raw, &head); err != nil {
		return storedHead{}, fmt.Errorf("ledger: decode head: %w", err)
	}
	return head, nil
}

func (l *Ledger) snapshot(ref escrow.TokenRef) (Snapshot, error) {
	raw, err := l.db.Get(snapshotKey(ref))
	if errors.Is(err, storage.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("%w: snapshot %s", ErrUnknownContract, ref)
	}
	if err != nil {
		return Snapshot{}, err
	}
	return decodeSnapshot(ref, raw)
}

func decodeSnapshot(ref escrow.TokenRef, raw []byte) (Snapshot, error) {
	var stored storedSnapshot
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return Snapshot{}, fmt.Errorf("ledger: decode snapshot %s: %w", ref, err)
	}
	state, err := escrow.DecodeState(stored.State)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Ref:        ref,
		State:      state,
		Value:      stored.Value,
		Bounty:     stored.Bounty,
		Spent:      stored.Spent,
		Producer:   escrow.TransitionKind(stored.Producer),
		RecordedAt: time.Unix(int64(stored.RecordedAt), 0).UTC(),
		ConsumedBy: escrow.TransitionKind(stored.ConsumedBy),
		Payouts:    stored.Payouts,
	}
	if stored.ConsumedAt != 0 {
		snap.ConsumedAt = time.Unix(int64(stored.ConsumedAt), 0).UTC()
	}
	return snap, nil
}

func putSnapshot(batch map[string][]byte, s Snapshot) error {
	state, err := escrow.EncodeState(s.State)
	if err != nil {
		return err
	}
	var consumedAt uint64
	if !s.ConsumedAt.IsZero() {
		consumedAt = uint64(s.ConsumedAt.Unix())
	}
	raw, err := rlp.EncodeToBytes(storedSnapshot{
		State:      state,
		Value:      s.Value,
		Bounty:     s.Bounty,
		Spent:      s.Spent,
		Producer:   uint8(s.Producer),
		RecordedAt: uint64(s.RecordedAt.Unix()),
		ConsumedBy: uint8(s.ConsumedBy),
		ConsumedAt: consumedAt,
		Payouts:    s.Payouts,
	})
	if err != nil {
		return fmt.Errorf("ledger: encode snapshot %s: %w", s.Ref, err)
	}
	batch[string(snapshotKey(s.Ref))] = raw
	return nil
}

func putHead(batch map[string][]byte, id escrow.ContractID, head storedHead) error {
	raw, err := rlp.EncodeToBytes(head)
	if err != nil {
		return fmt.Errorf("ledger: encode head: %w", err)
	}
	batch[string(headKey(id))] = raw
	return nil
}
