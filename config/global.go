package config

import (
	"fmt"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

// NewState builds the opening snapshot of a contract from the global policy.
func (g GlobalConfig) NewState(seeker escrow.PubKey, workDescription string, deadline escrow.Timestamp) (*escrow.EscrowState, error) {
	if !g.Policy.DelayUnit.Admits(deadline) {
		return nil, fmt.Errorf("config: deadline %d outside the %s domain", deadline, g.Policy.DelayUnit)
	}
	p := g.Policy
	state := &escrow.EscrowState{
		SeekerKey:                     seeker,
		PlatformKey:                   g.PlatformKey,
		MinAllowableBid:               p.MinAllowableBid,
		MaxAllowedBids:                p.MaxAllowedBids,
		EscrowServiceFeeBasisPoints:   p.EscrowServiceFeeBasisPoints,
		ContractType:                  p.ContractType,
		PlatformAuthorizationRequired: p.PlatformAuthorizationRequired,
		EscrowMustBeFullyDecisive:     p.EscrowMustBeFullyDecisive,
		BountySolversNeedApproval:     p.BountySolversNeedApproval,
		FurnisherBondingMode:          p.FurnisherBondingMode,
		RequiredBondAmount:            p.RequiredBondAmount,
		ApprovalMode:                  p.ApprovalMode,
		ContractSurvivesAdverseFurnisherDisputeResolution: p.ContractSurvivesAdverseFurnisherDisputeResolution,
		BountyIncreaseAllowanceMode:                       p.BountyIncreaseAllowanceMode,
		BountyIncreaseCutoffPoint:                         p.BountyIncreaseCutoffPoint,
		MaxWorkStartDelay:                                 p.MaxWorkStartDelay,
		MaxWorkApprovalDelay:                              p.MaxWorkApprovalDelay,
		DelayUnit:                                         p.DelayUnit,
		WorkCompletionDeadline:                            deadline,
		Bids:                                              []escrow.Bid{},
		Status:                                            escrow.StatusInitial,
		WorkDescription:                                   workDescription,
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return state, nil
}

// OpeningValue returns the value a new contract must be funded with.
func (g GlobalConfig) OpeningValue(bounty uint64) (uint64, error) {
	switch g.Policy.ContractType {
	case escrow.ContractBid:
		return escrow.NominalValue, nil
	case escrow.ContractBounty:
		if bounty == 0 {
			return 0, fmt.Errorf("config: bounty contracts need a positive bounty")
		}
		return bounty, nil
	default:
		return 0, fmt.Errorf("config: invalid contract type %s", g.Policy.ContractType)
	}
}
