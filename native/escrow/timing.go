package escrow

import (
	"fmt"
	"math"
)

// LockTimeThreshold splits the timestamp space: values below it are block
// heights, values above it are Unix seconds. The threshold itself belongs to
// neither domain.
const LockTimeThreshold = 500_000_000

// Timestamp is either a block height or a Unix time in seconds, depending on
// which side of LockTimeThreshold it falls.
type Timestamp uint32

// Domain returns the unit implied by the magnitude of t. ok is false for zero
// and for the threshold value itself.
func (t Timestamp) Domain() (unit DelayUnit, ok bool) {
	switch {
	case t == 0 || t == LockTimeThreshold:
		return 0, false
	case t < LockTimeThreshold:
		return DelayBlocks, true
	default:
		return DelaySeconds, true
	}
}

// IsDuration reports whether d can be used as a delay or duration. Durations
// stay below the threshold in both units.
func IsDuration(d Timestamp) bool { return d < LockTimeThreshold }

// DelayUnit selects how deadlines and delays are measured.
type DelayUnit uint8

const (
	DelayBlocks DelayUnit = iota
	DelaySeconds
)

func (u DelayUnit) Valid() bool { return u == DelayBlocks || u == DelaySeconds }

func (u DelayUnit) String() string {
	switch u {
	case DelayBlocks:
		return "blocks"
	case DelaySeconds:
		return "seconds"
	default:
		return fmt.Sprintf("delay-unit(%d)", uint8(u))
	}
}

// Admits reports whether a positive timestamp lies inside the unit's domain.
func (u DelayUnit) Admits(t Timestamp) bool {
	unit, ok := t.Domain()
	return ok && unit == u
}

// addTimestamps returns a+b, reporting false on uint32 overflow.
func addTimestamps(a, b Timestamp) (Timestamp, bool) {
	sum := uint64(a) + uint64(b)
	if sum > math.MaxUint32 {
		return 0, false
	}
	return Timestamp(sum), true
}
