package changeledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNoChain is returned when a device has no blocks yet.
	ErrNoChain = errors.New("device has no chain")

	// ErrBlockNotFound is returned when a requested index does not exist.
	ErrBlockNotFound = errors.New("block not found")

	// ErrAppendConflict signals that the chain tip moved between reading it
	// and committing the next block. The whole read-build-persist sequence
	// must be retried, because index, version and prev hash all depend on it.
	ErrAppendConflict = errors.New("append conflict: chain tip changed")

	// ErrRollbackToTip is returned when a rollback targets the block that is
	// already the chain tip.
	ErrRollbackToTip = errors.New("cannot roll back to the current version")

	// ErrIntegrity matches every *IntegrityViolation via errors.Is.
	ErrIntegrity = errors.New("chain integrity violation")
)

// ViolationKind names the invariant a stored block failed.
type ViolationKind string

const (
	// KindBrokenLink means PrevHash does not reference the preceding block
	// (or the genesis sentinel), or the index sequence has a gap.
	KindBrokenLink ViolationKind = "broken_link"

	// KindHashMismatch means recomputing the hash from the stored fields
	// does not reproduce the stored Hash.
	KindHashMismatch ViolationKind = "hash_mismatch"

	// KindVersionSkew means Version is not the predecessor's Version + 1.
	KindVersionSkew ViolationKind = "version_skew"
)

// IntegrityViolation reports the first block of a chain that breaks the
// link, hash or version invariants. It indicates prior corruption of stored
// data and is never produced by a normal append.
type IntegrityViolation struct {
	DeviceID string        `json:"device_id" yaml:"device_id"`
	Index    int           `json:"index" yaml:"index"`
	Kind     ViolationKind `json:"kind" yaml:"kind"`
	Stored   string        `json:"stored" yaml:"stored"`
	Expected string        `json:"expected" yaml:"expected"`
}

func (v *IntegrityViolation) Error() string {
	switch v.Kind {
	case KindHashMismatch:
		return fmt.Sprintf("device %s: block %d has invalid hash: stored %s, calculated %s",
			v.DeviceID, v.Index, v.Stored, v.Expected)
	case KindVersionSkew:
		return fmt.Sprintf("device %s: block %d has version %s, want %s",
			v.DeviceID, v.Index, v.Stored, v.Expected)
	default:
		return fmt.Sprintf("device %s: hash chain broken at index %d: prev_hash %q, want %q",
			v.DeviceID, v.Index, v.Stored, v.Expected)
	}
}

// Is reports whether target is ErrIntegrity.
func (v *IntegrityViolation) Is(target error) bool {
	return target == ErrIntegrity
}
