package escrow

import (
	"encoding/hex"
	"strconv"

	"github.com/p2ppsr/babbage-escrow/core/types"
)

const (
	EventTypeEscrowCreated         = "escrow.created"
	EventTypeEscrowCancelled       = "escrow.cancelled"
	EventTypeEscrowBountyIncreased = "escrow.bounty_increased"
	EventTypeEscrowDeadlineExtend  = "escrow.deadline_extended"
	EventTypeEscrowBidPlaced       = "escrow.bid_placed"
	EventTypeEscrowBidAccepted     = "escrow.bid_accepted"
	EventTypeEscrowBidWithdrawn    = "escrow.bid_acceptance_withdrawn"
	EventTypeEscrowWorkStarted     = "escrow.work_started"
	EventTypeEscrowWorkSubmitted   = "escrow.work_submitted"
	EventTypeEscrowWorkApproved    = "escrow.work_approved"
	EventTypeEscrowDisputed        = "escrow.disputed"
	EventTypeEscrowPaymentClaimed  = "escrow.payment_claimed"
	EventTypeEscrowResolved        = "escrow.resolved"
)

var transitionEventTypes = map[TransitionKind]string{
	TransitionSeekerCancelsBeforeAccept:                    EventTypeEscrowCancelled,
	TransitionIncreaseBounty:                               EventTypeEscrowBountyIncreased,
	TransitionSeekerExtendsWorkDeadline:                    EventTypeEscrowDeadlineExtend,
	TransitionFurnisherPlacesBid:                           EventTypeEscrowBidPlaced,
	TransitionAcceptBid:                                    EventTypeEscrowBidAccepted,
	TransitionWithdrawBidAcceptance:                        EventTypeEscrowBidWithdrawn,
	TransitionFurnisherStartsWork:                          EventTypeEscrowWorkStarted,
	TransitionFurnisherStartsWorkWithPlatformAuthorization: EventTypeEscrowWorkStarted,
	TransitionSeekerRaisesDispute:                          EventTypeEscrowDisputed,
	TransitionFurnisherRaisesDispute:                       EventTypeEscrowDisputed,
	TransitionFurnisherSubmitsWork:                         EventTypeEscrowWorkSubmitted,
	TransitionSeekerApprovesWork:                           EventTypeEscrowWorkApproved,
	TransitionFurnisherClaimsPayment:                       EventTypeEscrowPaymentClaimed,
	TransitionPlatformResolvesDispute:                      EventTypeEscrowResolved,
}

// NewCreatedEvent returns the canonical event payload for a newly created
// contract.
func NewCreatedEvent(token Token) *types.Event {
	attrs := tokenAttributes(token)
	return &types.Event{Type: EventTypeEscrowCreated, Attributes: attrs}
}

// NewTransitionEvent returns the canonical event payload for an accepted
// transition out of token.
func NewTransitionEvent(token Token, out *Outcome) *types.Event {
	eventType, ok := transitionEventTypes[out.Kind]
	if !ok {
		eventType = "escrow." + out.Kind.String()
	}
	attrs := tokenAttributes(token)
	attrs["transition"] = out.Kind.String()
	attrs["consumed"] = out.Consumed.String()
	if next, ok := out.SuccessorToken(); ok {
		attrs["successor"] = next.Ref.String()
		attrs["successorValue"] = strconv.FormatUint(out.SuccessorValue, 10)
		attrs["status"] = next.State.Status.String()
		if next.State.AcceptedBid != nil {
			attrs["furnisher"] = next.State.AcceptedBid.FurnisherKey.String()
		}
	} else {
		attrs["terminal"] = "true"
	}
	for _, p := range out.Payouts {
		attrs["payout."+p.Role.String()] = strconv.FormatUint(p.Amount, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func tokenAttributes(token Token) map[string]string {
	attrs := make(map[string]string)
	attrs["contract"] = hex.EncodeToString(token.Ref.Contract[:])
	attrs["sequence"] = strconv.FormatUint(token.Ref.Sequence, 10)
	attrs["value"] = strconv.FormatUint(token.Value, 10)
	if token.State != nil {
		attrs["seeker"] = token.State.SeekerKey.String()
		attrs["platform"] = token.State.PlatformKey.String()
		attrs["contractType"] = token.State.ContractType.String()
		attrs["status"] = token.State.Status.String()
		if token.State.AcceptedBid != nil {
			attrs["furnisher"] = token.State.AcceptedBid.FurnisherKey.String()
		}
	}
	return attrs
}
