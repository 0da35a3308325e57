// Package escrow implements the work-escrow state machine. A contract is a
// chain of state snapshots ("tokens"); every transition consumes the current
// token and, unless it is terminal, produces exactly one successor. Plan and
// Authorize are pure functions of (token, call, signatures).
package escrow
