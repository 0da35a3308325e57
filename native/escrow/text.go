package escrow

import "fmt"

type textEnum interface {
	~uint8
	String() string
}

func parseEnum[T textEnum](kind, s string, last T) (T, error) {
	for v := T(0); v <= last; v++ {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown %s %q", kind, s)
}

func ParseContractType(s string) (ContractType, error) {
	return parseEnum("contract type", s, ContractBounty)
}

func ParseBondingMode(s string) (BondingMode, error) {
	return parseEnum("bonding mode", s, BondingRequired)
}

func ParseApprovalMode(s string) (ApprovalMode, error) {
	return parseEnum("approval mode", s, ApprovalSeekerOrPlatform)
}

func ParseBountyIncreaseMode(s string) (BountyIncreaseMode, error) {
	return parseEnum("bounty increase mode", s, IncreaseByAnyone)
}

func ParseIncreaseCutoff(s string) (IncreaseCutoff, error) {
	return parseEnum("increase cutoff", s, CutoffAcceptanceOfWork)
}

func ParseIncreaser(s string) (Increaser, error) {
	return parseEnum("increaser", s, IncreaserAnyone)
}

func ParseAcceptedBy(s string) (AcceptedBy, error) {
	return parseEnum("accepted-by", s, AcceptedByPlatform)
}

func ParseDelayUnit(s string) (DelayUnit, error) {
	return parseEnum("delay unit", s, DelaySeconds)
}

// Text forms let policy enums appear by name in TOML, YAML and JSON.

func (c ContractType) MarshalText() ([]byte, error) { return []byte(c.String()), nil }
func (c *ContractType) UnmarshalText(b []byte) (err error) {
	*c, err = ParseContractType(string(b))
	return err
}

func (m BondingMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }
func (m *BondingMode) UnmarshalText(b []byte) (err error) {
	*m, err = ParseBondingMode(string(b))
	return err
}

func (m ApprovalMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }
func (m *ApprovalMode) UnmarshalText(b []byte) (err error) {
	*m, err = ParseApprovalMode(string(b))
	return err
}

func (m BountyIncreaseMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }
func (m *BountyIncreaseMode) UnmarshalText(b []byte) (err error) {
	*m, err = ParseBountyIncreaseMode(string(b))
	return err
}

func (c IncreaseCutoff) MarshalText() ([]byte, error) { return []byte(c.String()), nil }
func (c *IncreaseCutoff) UnmarshalText(b []byte) (err error) {
	*c, err = ParseIncreaseCutoff(string(b))
	return err
}

func (i Increaser) MarshalText() ([]byte, error) { return []byte(i.String()), nil }
func (i *Increaser) UnmarshalText(b []byte) (err error) {
	*i, err = ParseIncreaser(string(b))
	return err
}

func (a AcceptedBy) MarshalText() ([]byte, error) { return []byte(a.String()), nil }
func (a *AcceptedBy) UnmarshalText(b []byte) (err error) {
	*a, err = ParseAcceptedBy(string(b))
	return err
}

func (u DelayUnit) MarshalText() ([]byte, error) { return []byte(u.String()), nil }
func (u *DelayUnit) UnmarshalText(b []byte) (err error) {
	*u, err = ParseDelayUnit(string(b))
	return err
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (s *Status) UnmarshalText(b []byte) (err error) {
	*s, err = ParseStatus(string(b))
	return err
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
func (r *Role) UnmarshalText(b []byte) error {
	for v := RoleSeeker; v <= RolePlatform; v++ {
		if v.String() == string(b) {
			*r = v
			return nil
		}
	}
	return fmt.Errorf("escrow: unknown role %q", b)
}

func (k TransitionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }
func (k *TransitionKind) UnmarshalText(b []byte) (err error) {
	*k, err = ParseTransitionKind(string(b))
	return err
}

func (k PubKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }
func (k *PubKey) UnmarshalText(b []byte) (err error) {
	*k, err = ParsePubKey(string(b))
	return err
}

func (id ContractID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *ContractID) UnmarshalText(b []byte) (err error) {
	*id, err = ParseContractID(string(b))
	return err
}
