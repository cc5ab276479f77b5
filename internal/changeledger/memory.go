package changeledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
//
// Appends to one device are serialised by a per-device mutex held across
// read-build-persist; mu only guards the maps and is never held while a
// block is being built, so devices do not block one another.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Block
	locks  map[string]*sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]*Block),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Name implements Store.
func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) deviceLock(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[deviceID]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[deviceID] = lk
	}
	return lk
}

// chain returns a snapshot of the device's blocks. Blocks are never mutated
// once appended, so the snapshot stays valid after mu is released.
func (s *MemoryStore) chain(deviceID string) []*Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chains[deviceID]
}

// Tip implements Store.
func (s *MemoryStore) Tip(_ context.Context, deviceID string) (*Block, error) {
	blocks := s.chain(deviceID)
	if len(blocks) == 0 {
		return nil, ErrNoChain
	}
	return blocks[len(blocks)-1].clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, deviceID string, index int) (*Block, error) {
	blocks := s.chain(deviceID)
	if index < 0 || index >= len(blocks) {
		return nil, fmt.Errorf("device %s index %d: %w", deviceID, index, ErrBlockNotFound)
	}
	return blocks[index].clone(), nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(_ context.Context, deviceID string, next NextFunc) (*Block, error) {
	lk := s.deviceLock(deviceID)
	lk.Lock()
	defer lk.Unlock()

	var tip *Block
	if blocks := s.chain(deviceID); len(blocks) > 0 {
		tip = blocks[len(blocks)-1].clone()
	}

	blk := next(tip)
	if !expectFollows(tip, blk) {
		return nil, ErrAppendConflict
	}

	stored := blk.clone()
	s.mu.Lock()
	s.chains[deviceID] = append(s.chains[deviceID], stored)
	s.mu.Unlock()
	return blk, nil
}

// Walk implements Store.
func (s *MemoryStore) Walk(ctx context.Context, deviceID string, fn func(*Block) error) error {
	for _, b := range s.chain(deviceID) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(b.clone()); err != nil {
			return err
		}
	}
	return nil
}

// Devices implements Store.
func (s *MemoryStore) Devices(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.chains))
	for id, blocks := range s.chains {
		if len(blocks) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
