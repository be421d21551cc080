package state

import (
	"errors"
	"fmt"
)

// StateVersion identifies the on-disk layout of the ledger. Increment it
// whenever a stored record changes shape.
const StateVersion uint32 = 2

// ErrStateVersionMismatch indicates the stored schema version does not match
// the version supported by the current binary.
var ErrStateVersionMismatch = errors.New("state: schema version mismatch")

// EnsureStateVersion validates the stored schema version. A fresh database is
// stamped with StateVersion on its first commit.
func EnsureStateVersion(stored uint32, present bool) error {
	if !present || stored == StateVersion {
		return nil
	}
	return fmt.Errorf("%w: stored=%d expected=%d", ErrStateVersionMismatch, stored, StateVersion)
}
