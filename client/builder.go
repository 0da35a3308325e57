package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
	"github.com/p2ppsr/babbage-escrow/observability"
	"github.com/p2ppsr/babbage-escrow/observability/logging"
)

const tracerName = "github.com/p2ppsr/babbage-escrow/client"

// Builder turns transition calls into signed records and hands them to a
// Broadcaster. At most one draft per contract and role is outstanding at a
// time.
type Builder struct {
	signer      Signer
	broadcaster Broadcaster
	lookup      Lookup
	archive     DisputeArchive

	logger  *slog.Logger
	metrics *observability.EscrowMetrics
	tracer  trace.Tracer

	mu     sync.Mutex
	drafts map[draftKey]uuid.UUID
}

type draftKey struct {
	contract escrow.ContractID
	role     escrow.Role
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics registry. Nil disables metrics.
func WithMetrics(m *observability.EscrowMetrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(b *Builder) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithArchive sets the source of past disputes. By default the lookup or the
// broadcaster is used when it implements DisputeArchive.
func WithArchive(a DisputeArchive) Option {
	return func(b *Builder) {
		if a != nil {
			b.archive = a
		}
	}
}

// NewBuilder wires a builder to its collaborators.
func NewBuilder(signer Signer, broadcaster Broadcaster, lookup Lookup, opts ...Option) *Builder {
	b := &Builder{
		signer:      signer,
		broadcaster: broadcaster,
		lookup:      lookup,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		drafts:      make(map[draftKey]uuid.UUID),
	}
	if a, ok := lookup.(DisputeArchive); ok {
		b.archive = a
	} else if a, ok := broadcaster.(DisputeArchive); ok {
		b.archive = a
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "escrow-builder")
	return b
}

// Signer exposes the signer the builder signs with.
func (b *Builder) Signer() Signer { return b.signer }

// Draft is a planned transition waiting for signatures.
type Draft struct {
	ID      uuid.UUID
	Role    escrow.Role
	Token   escrow.Token
	Call    escrow.Call
	Outcome *escrow.Outcome

	mu   sync.Mutex
	done bool
}

// Current returns the live token of a contract.
func (b *Builder) Current(ctx context.Context, id escrow.ContractID) (escrow.Token, error) {
	entries, err := b.lookup.Query(ctx, ByContract(id))
	if err != nil {
		return escrow.Token{}, err
	}
	for _, e := range entries {
		if e.Ref.Contract == id {
			return e.Token(), nil
		}
	}
	return escrow.Token{}, fmt.Errorf("%w: %s", ErrContractNotFound, id)
}

// Create submits the genesis record of a new contract and returns its first
// token.
func (b *Builder) Create(ctx context.Context, state *escrow.EscrowState, value uint64) (escrow.Token, Ack, error) {
	ctx, span := b.tracer.Start(ctx, "escrow.create")
	defer span.End()

	rec, err := escrow.NewGenesisRecord(state, value, uuid.New())
	if err != nil {
		return escrow.Token{}, Ack{}, err
	}
	token, err := rec.Token()
	if err != nil {
		return escrow.Token{}, Ack{}, err
	}
	span.SetAttributes(attribute.String("escrow.contract", token.Ref.Contract.String()))
	ack, err := b.broadcaster.Submit(ctx, &escrow.Record{Genesis: rec})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return escrow.Token{}, Ack{}, err
	}
	b.logger.Info("contract created",
		"contract", token.Ref.Contract.String(),
		"status", token.State.Status.String(),
		slog.Uint64("value", value))
	return token, ack, nil
}

// Draft plans call against token on behalf of role and reserves the
// (contract, role) pair until the draft is finalized or discarded.
func (b *Builder) Draft(ctx context.Context, role escrow.Role, token escrow.Token, call escrow.Call) (*Draft, error) {
	_, span := b.tracer.Start(ctx, "escrow.draft", trace.WithAttributes(
		attribute.String("escrow.transition", call.Kind.String()),
		attribute.String("escrow.role", role.String()),
		attribute.String("escrow.token", token.Ref.String()),
	))
	defer span.End()

	out, err := escrow.Plan(token, call)
	if err != nil {
		b.recordRejection(call.Kind, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	b.metrics.RecordTransition(call.Kind.String(), "planned")

	key := draftKey{contract: token.Ref.Contract, role: role}
	id := uuid.New()
	b.mu.Lock()
	if _, busy := b.drafts[key]; busy {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s as %s", ErrDraftOutstanding, token.Ref.Contract, role)
	}
	b.drafts[key] = id
	b.mu.Unlock()

	return &Draft{ID: id, Role: role, Token: token, Call: call, Outcome: out}, nil
}

// Discard releases a draft without submitting it.
func (b *Builder) Discard(d *Draft) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	d.done = true
	b.release(d)
}

func (b *Builder) release(d *Draft) {
	key := draftKey{contract: d.Token.Ref.Contract, role: d.Role}
	b.mu.Lock()
	if b.drafts[key] == d.ID {
		delete(b.drafts, key)
	}
	b.mu.Unlock()
}

// Finalize collects the required signatures, confirms the drafted token is
// still current, re-checks the transition and submits the record. Signatures
// for keys the local signer does not hold are taken from cosigs. The draft is
// released whatever the outcome.
func (b *Builder) Finalize(ctx context.Context, d *Draft, cosigs ...escrow.Signature) (Ack, error) {
	if d == nil {
		return Ack{}, ErrDraftClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return Ack{}, ErrDraftClosed
	}
	d.done = true
	defer b.release(d)

	kind := d.Call.Kind.String()
	ctx, span := b.tracer.Start(ctx, "escrow.finalize", trace.WithAttributes(
		attribute.String("escrow.transition", kind),
		attribute.String("escrow.role", d.Role.String()),
		attribute.String("escrow.token", d.Token.Ref.String()),
		attribute.String("escrow.draft", d.ID.String()),
	))
	defer span.End()

	start := time.Now()
	ack, err := b.finalize(ctx, d, cosigs)
	b.metrics.ObserveFinalize(kind, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.recordRejection(d.Call.Kind, err)
		level := slog.LevelWarn
		if errors.Is(err, escrow.ErrEncodingMismatch) {
			level = slog.LevelError
		}
		b.logger.Log(ctx, level, "transition not submitted",
			"contract", d.Token.Ref.Contract.String(),
			"transition", kind,
			"role", d.Role.String(),
			"error", err)
		return Ack{}, err
	}
	b.metrics.RecordTransition(kind, "submitted")
	b.logger.Info("transition submitted",
		"contract", d.Token.Ref.Contract.String(),
		"transition", kind,
		"role", d.Role.String(),
		slog.Uint64("value", ack.Value))
	return ack, nil
}

func (b *Builder) finalize(ctx context.Context, d *Draft, cosigs []escrow.Signature) (Ack, error) {
	sigs, err := b.collectSignatures(ctx, d.Outcome, cosigs)
	if err != nil {
		return Ack{}, err
	}

	current, err := b.Current(ctx, d.Token.Ref.Contract)
	if err != nil {
		if errors.Is(err, ErrContractNotFound) {
			return Ack{}, fmt.Errorf("%w: %v", escrow.ErrStaleState, err)
		}
		return Ack{}, err
	}
	if err := sameToken(d.Token, current); err != nil {
		return Ack{}, err
	}

	out, err := escrow.Authorize(current, d.Call, sigs)
	if err != nil {
		return Ack{}, err
	}
	if err := matchesPlan(d.Outcome, out); err != nil {
		return Ack{}, err
	}
	b.metrics.RecordTransition(d.Call.Kind.String(), "authorized")

	rec := escrow.NewTransitionRecord(d.Call, out, sigs)
	// Broadcaster errors are returned unchanged so callers can match them.
	return b.broadcaster.Submit(ctx, &escrow.Record{Transition: rec})
}

func (b *Builder) collectSignatures(ctx context.Context, out *escrow.Outcome, cosigs []escrow.Signature) ([]escrow.Signature, error) {
	sigs := make([]escrow.Signature, 0, len(out.Signers))
	for _, required := range out.Signers {
		if sig, ok := findSignature(cosigs, required.Key); ok {
			sigs = append(sigs, sig)
			continue
		}
		held, err := b.signer.PublicKey(ctx, required.Role)
		if err != nil || held != required.Key {
			return nil, fmt.Errorf("%w: %s key %s", ErrMissingSignature, required.Role, required.Key)
		}
		sig, err := b.signer.Sign(ctx, out.Digest, required.Role)
		if err != nil {
			return nil, fmt.Errorf("sign as %s: %w", required.Role, err)
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

func findSignature(sigs []escrow.Signature, key escrow.PubKey) (escrow.Signature, bool) {
	for _, sig := range sigs {
		if sig.Key == key {
			return sig, true
		}
	}
	return escrow.Signature{}, false
}

// sameToken reports ErrStaleState when the live token is not the one the
// draft was planned against.
func sameToken(drafted, current escrow.Token) error {
	if drafted.Ref != current.Ref || drafted.Value != current.Value {
		return fmt.Errorf("%w: drafted %s, live %s", escrow.ErrStaleState, drafted.Ref, current.Ref)
	}
	a, err := escrow.EncodeState(drafted.State)
	if err != nil {
		return err
	}
	c, err := escrow.EncodeState(current.State)
	if err != nil {
		return err
	}
	if !bytes.Equal(a, c) {
		return fmt.Errorf("%w: state of %s changed since drafting", escrow.ErrStaleState, current.Ref)
	}
	return nil
}

// matchesPlan checks that the authorized outcome is exactly the drafted one
// and that its encoding decodes back to the planned successor.
func matchesPlan(planned, out *escrow.Outcome) error {
	if !bytes.Equal(planned.Encoding, out.Encoding) || planned.SuccessorValue != out.SuccessorValue || planned.Digest != out.Digest {
		return fmt.Errorf("%w: authorized outcome differs from draft", escrow.ErrEncodingMismatch)
	}
	if out.Encoding == nil {
		return nil
	}
	decoded, err := escrow.DecodeState(out.Encoding)
	if err != nil {
		return fmt.Errorf("%w: %v", escrow.ErrEncodingMismatch, err)
	}
	if !reflect.DeepEqual(decoded, planned.Successor) {
		return fmt.Errorf("%w: successor does not round-trip", escrow.ErrEncodingMismatch)
	}
	return nil
}

// Cosign plans call against the live token of contract and signs its digest
// as role, for a transition another party will finalize.
func (b *Builder) Cosign(ctx context.Context, role escrow.Role, contract escrow.ContractID, call escrow.Call) (escrow.Signature, error) {
	token, err := b.Current(ctx, contract)
	if err != nil {
		return escrow.Signature{}, err
	}
	out, err := escrow.Plan(token, call)
	if err != nil {
		b.recordRejection(call.Kind, err)
		return escrow.Signature{}, err
	}
	held, err := b.signer.PublicKey(ctx, role)
	if err != nil {
		return escrow.Signature{}, err
	}
	if _, ok := out.SignerFor(role); !ok {
		return escrow.Signature{}, fmt.Errorf("%w: %s does not sign %s", ErrMissingSignature, role, call.Kind)
	}
	for _, required := range out.Signers {
		if required.Role == role && required.Key == held {
			b.logger.Info("cosigned transition",
				"contract", contract.String(),
				"transition", call.Kind.String(),
				"role", role.String(),
				logging.MaskField("digest", fmt.Sprintf("%x", out.Digest)))
			return b.signer.Sign(ctx, out.Digest, role)
		}
	}
	return escrow.Signature{}, fmt.Errorf("%w: held %s key is not the required one", ErrMissingSignature, role)
}

// Execute drafts call against the live token of contract and finalizes it.
func (b *Builder) Execute(ctx context.Context, role escrow.Role, contract escrow.ContractID, call escrow.Call, cosigs ...escrow.Signature) (Ack, error) {
	token, err := b.Current(ctx, contract)
	if err != nil {
		return Ack{}, err
	}
	d, err := b.Draft(ctx, role, token, call)
	if err != nil {
		return Ack{}, err
	}
	return b.Finalize(ctx, d, cosigs...)
}

func (b *Builder) recordRejection(kind escrow.TransitionKind, err error) {
	if guard, ok := escrow.FailedGuard(err); ok {
		b.metrics.RecordRejection(kind.String(), guard)
		return
	}
	b.metrics.RecordRejection(kind.String(), ErrorCode(err))
}
