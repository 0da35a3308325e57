package config

import (
	"fmt"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

var knownNetworkPresets = map[string]struct{}{
	"local":   {},
	"testnet": {},
	"mainnet": {},
}

// ValidateConfig rejects configurations that could only produce contracts the
// state machine refuses.
func ValidateConfig(g GlobalConfig) error {
	if g.PlatformKey.IsZero() {
		return fmt.Errorf("config: platform key required")
	}
	if g.Topic == "" || g.LookupService == "" {
		return fmt.Errorf("config: topic and lookup service required")
	}
	if _, ok := knownNetworkPresets[g.NetworkPreset]; !ok {
		return fmt.Errorf("config: unknown network preset %q", g.NetworkPreset)
	}
	return ValidatePolicy(g.Policy)
}

// ValidatePolicy checks the contract defaults on their own.
func ValidatePolicy(p Policy) error {
	if p.EscrowServiceFeeBasisPoints > escrow.MaxFeeBasisPoints {
		return fmt.Errorf("policy: fee basis points %d above %d", p.EscrowServiceFeeBasisPoints, escrow.MaxFeeBasisPoints)
	}
	switch {
	case !p.ContractType.Valid():
		return fmt.Errorf("policy: invalid contract type")
	case !p.FurnisherBondingMode.Valid():
		return fmt.Errorf("policy: invalid bonding mode")
	case !p.ApprovalMode.Valid():
		return fmt.Errorf("policy: invalid approval mode")
	case !p.BountyIncreaseAllowanceMode.Valid():
		return fmt.Errorf("policy: invalid bounty increase mode")
	case !p.BountyIncreaseCutoffPoint.Valid():
		return fmt.Errorf("policy: invalid bounty increase cutoff")
	case !p.DelayUnit.Valid():
		return fmt.Errorf("policy: invalid delay unit")
	}
	if p.FurnisherBondingMode == escrow.BondingForbidden && p.RequiredBondAmount != 0 {
		return fmt.Errorf("policy: required bond set while bonding is forbidden")
	}
	if !escrow.IsDuration(p.MaxWorkStartDelay) || !escrow.IsDuration(p.MaxWorkApprovalDelay) {
		return fmt.Errorf("policy: delays must be below %d", escrow.LockTimeThreshold)
	}
	if p.BountySolversNeedApproval && p.MaxAllowedBids == 0 {
		return fmt.Errorf("policy: contracts that need approval must allow at least one bid")
	}
	if p.ContractType == escrow.ContractBid && !p.BountySolversNeedApproval {
		return fmt.Errorf("policy: bid contracts can only progress through approved bids")
	}
	return nil
}
