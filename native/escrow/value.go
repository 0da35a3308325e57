package escrow

import "github.com/holiman/uint256"

func u256(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ServiceFee returns the platform's cut of a carried value, rounded down.
func ServiceFee(carried uint64, basisPoints uint32) uint64 {
	fee := new(uint256.Int).Mul(u256(carried), u256(uint64(basisPoints)))
	fee.Div(fee, u256(MaxFeeBasisPoints))
	// basisPoints <= 10_000 keeps the quotient within carried.
	return fee.Uint64()
}

// addValue returns a+b, reporting false on overflow.
func addValue(a, b uint64) (uint64, bool) {
	sum, overflow := new(uint256.Int).AddOverflow(u256(a), u256(b))
	if overflow || !sum.IsUint64() {
		return 0, false
	}
	return sum.Uint64(), true
}

// CarriedValue is the value a token in state s must hold. bounty is the
// bounty principal (initial funding plus logged increases) and is ignored for
// bid contracts.
func CarriedValue(s *EscrowState, bounty uint64) (uint64, bool) {
	if s == nil {
		return 0, false
	}
	var base uint64
	switch s.ContractType {
	case ContractBounty:
		base = bounty
	case ContractBid:
		if s.Status == StatusInitial {
			return NominalValue, true
		}
		if s.AcceptedBid == nil {
			return 0, false
		}
		base = s.AcceptedBid.BidAmount
	default:
		return 0, false
	}
	if s.Status.BondPosted() && s.AcceptedBid != nil {
		return addValue(base, s.AcceptedBid.Bond)
	}
	return base, true
}
