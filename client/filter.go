package client

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

// Filter selects live tokens. Nil fields match everything; a zero Filter
// lists every live contract.
type Filter struct {
	Contract     *escrow.ContractID
	Seeker       *escrow.PubKey
	Platform     *escrow.PubKey
	Furnisher    *escrow.PubKey
	Status       *escrow.Status
	ContractType *escrow.ContractType
	Limit        int
}

// ByContract selects a single contract.
func ByContract(id escrow.ContractID) Filter { return Filter{Contract: &id} }

// Matches reports whether entry satisfies every set field of f.
func (f Filter) Matches(e Entry) bool {
	if e.State == nil {
		return false
	}
	switch {
	case f.Contract != nil && *f.Contract != e.Ref.Contract:
		return false
	case f.Seeker != nil && *f.Seeker != e.State.SeekerKey:
		return false
	case f.Platform != nil && *f.Platform != e.State.PlatformKey:
		return false
	case f.Status != nil && *f.Status != e.State.Status:
		return false
	case f.ContractType != nil && *f.ContractType != e.State.ContractType:
		return false
	}
	if f.Furnisher != nil {
		if e.State.AcceptedBid != nil && e.State.AcceptedBid.FurnisherKey == *f.Furnisher {
			return true
		}
		for _, bid := range e.State.Bids {
			if bid.FurnisherKey == *f.Furnisher {
				return true
			}
		}
		return false
	}
	return true
}

// Values renders the filter as URL query parameters.
func (f Filter) Values() url.Values {
	v := url.Values{}
	if f.Contract != nil {
		v.Set("contract", f.Contract.String())
	}
	if f.Seeker != nil {
		v.Set("seeker", f.Seeker.String())
	}
	if f.Platform != nil {
		v.Set("platform", f.Platform.String())
	}
	if f.Furnisher != nil {
		v.Set("furnisher", f.Furnisher.String())
	}
	if f.Status != nil {
		v.Set("status", f.Status.String())
	}
	if f.ContractType != nil {
		v.Set("type", f.ContractType.String())
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	return v
}

// ParseFilter is the inverse of Filter.Values.
func ParseFilter(v url.Values) (Filter, error) {
	var f Filter
	if s := v.Get("contract"); s != "" {
		id, err := escrow.ParseContractID(s)
		if err != nil {
			return f, err
		}
		f.Contract = &id
	}
	keys := []struct {
		param string
		dst   **escrow.PubKey
	}{
		{"seeker", &f.Seeker},
		{"platform", &f.Platform},
		{"furnisher", &f.Furnisher},
	}
	for _, k := range keys {
		if s := v.Get(k.param); s != "" {
			key, err := escrow.ParsePubKey(s)
			if err != nil {
				return f, fmt.Errorf("%s: %w", k.param, err)
			}
			*k.dst = &key
		}
	}
	if s := v.Get("status"); s != "" {
		status, err := escrow.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = &status
	}
	if s := v.Get("type"); s != "" {
		ct, err := escrow.ParseContractType(s)
		if err != nil {
			return f, err
		}
		f.ContractType = &ct
	}
	if s := v.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return f, fmt.Errorf("invalid limit %q", s)
		}
		f.Limit = limit
	}
	return f, nil
}
