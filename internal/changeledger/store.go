package changeledger

import "context"

// NextFunc derives the block to persist from the current chain tip, which is
// nil when the device has no chain yet.
type NextFunc func(tip *Block) *Block

// Store is the persistence interface behind the Ledger.
// MemoryStore, PostgresStore, BoltStore and BadgerStore implement it.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Tip returns the highest-index block of the device's chain, or
	// ErrNoChain if it has none.
	Tip(ctx context.Context, deviceID string) (*Block, error)

	// Get returns the block at the given zero-based index, or ErrBlockNotFound.
	Get(ctx context.Context, deviceID string, index int) (*Block, error)

	// Commit reads the current tip, calls next on it and persists the result
	// as one atomic unit with respect to every other Commit for the same
	// device. It returns ErrAppendConflict, with nothing persisted, if the
	// tip moved before the new block could be committed.
	Commit(ctx context.Context, deviceID string, next NextFunc) (*Block, error)

	// Walk calls fn for every block of the device in index order and stops
	// at the first error fn returns, passing it through.
	Walk(ctx context.Context, deviceID string, fn func(*Block) error) error

	// Devices lists every device that has at least one block, sorted.
	Devices(ctx context.Context) ([]string, error)

	// Close releases the backend's resources.
	Close() error
}

// expectFollows reports whether next is a valid successor of tip. Stores call
// it at commit time as a compare-and-set guard on the expected tip.
func expectFollows(tip, next *Block) bool {
	if tip == nil {
		return next.Index == 0 && next.PrevHash == GenesisPrevHash
	}
	return next.Index == tip.Index+1 && next.PrevHash == tip.Hash
}
