package changeledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chaintrace/chaintrace/internal/codec"
	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// rewriteFunc overwrites the stored block at index with the result of edit,
// bypassing Commit and leaving the stored hash untouched unless edit changes it.
type rewriteFunc func(t *testing.T, deviceID string, index int, edit func(b *Block))

func rewriteMemory(s *MemoryStore) rewriteFunc {
	return func(t *testing.T, deviceID string, index int, edit func(b *Block)) {
		s.mu.Lock()
		defer s.mu.Unlock()
		b := s.chains[deviceID][index].clone()
		edit(b)
		s.chains[deviceID][index] = b
	}
}

func rewriteBolt(s *BoltStore) rewriteFunc {
	return func(t *testing.T, deviceID string, index int, edit func(b *Block)) {
		err := s.db.Update(func(tx *bolt.Tx) error {
			bkt := deviceBucket(tx, deviceID)
			b, err := decodeBlock(s.codec, bkt.Get(indexKey(index)))
			if err != nil {
				return err
			}
			edit(b)
			val, err := encodeBlock(s.codec, b)
			if err != nil {
				return err
			}
			return bkt.Put(indexKey(index), val)
		})
		require.NoError(t, err)
	}
}

func rewriteBadger(s *BadgerStore) rewriteFunc {
	return func(t *testing.T, deviceID string, index int, edit func(b *Block)) {
		err := s.db.Update(func(txn *badger.Txn) error {
			key := encodeKey(prefixBlock, deviceID, index)
			b, err := s.retrieve(txn, key)
			if err != nil {
				return err
			}
			edit(b)
			val, err := encodeBlock(s.codec, b)
			if err != nil {
				return err
			}
			return txn.Set(key, val)
		})
		require.NoError(t, err)
	}
}

func TestTamperDetection(t *testing.T) {
	backends := map[string]func(t *testing.T) (Store, rewriteFunc){
		"memory": func(t *testing.T) (Store, rewriteFunc) {
			s := NewMemoryStore()
			return s, rewriteMemory(s)
		},
		"bolt": func(t *testing.T) (Store, rewriteFunc) {
			s, err := OpenBoltStore(filepath.Join(t.TempDir(), "chains.db"), codec.New(), zap.NewNop())
			require.NoError(t, err)
			return s, rewriteBolt(s)
		},
		"badger": func(t *testing.T) (Store, rewriteFunc) {
			s, err := OpenBadgerStore(DefaultBadgerOptions(""), codec.New(), zap.NewNop())
			require.NoError(t, err)
			return s, rewriteBadger(s)
		},
	}

	cases := []struct {
		name string
		edit func(b *Block)
		kind ViolationKind
	}{
		{
			name: "flipped config character",
			edit: func(b *Block) { b.Config = "X" + b.Config[1:] },
			kind: KindHashMismatch,
		},
		{
			name: "changed operator",
			edit: func(b *Block) { b.Operator = "mallory" },
			kind: KindHashMismatch,
		},
		{
			name: "rewritten prev hash",
			edit: func(b *Block) { b.PrevHash = "0000" },
			kind: KindBrokenLink,
		},
		{
			name: "version bumped and rehashed",
			edit: func(b *Block) { b.Version += 5; b.Hash = HashBlock(b) },
			kind: KindVersionSkew,
		},
	}

	bg := context.Background()
	const dev = "RTR01-NYC"
	const target = 2

	for name, open := range backends {
		for _, tc := range cases {
			t.Run(name+"/"+tc.name, func(t *testing.T) {
				s, rewrite := open(t)
				defer s.Close()
				l := New(s, zap.NewNop())

				for i := 0; i < 4; i++ {
					_, err := l.Append(bg, dev, Payload{Operator: "alice", Config: "hostname RTR01-NYC"})
					require.NoError(t, err)
				}
				require.NoError(t, l.Verify(bg, dev))

				rewrite(t, dev, target, tc.edit)

				err := l.Verify(bg, dev)
				var v *IntegrityViolation
				require.True(t, errors.As(err, &v), "expected IntegrityViolation, got %v", err)
				assert.Equal(t, target, v.Index)
				assert.Equal(t, tc.kind, v.Kind)
				assert.Equal(t, dev, v.DeviceID)

				r, err := l.Report(bg, dev)
				require.NoError(t, err)
				assert.False(t, r.Valid)
				assert.Equal(t, target, r.Blocks)

				_, err = l.VerifyAll(bg)
				assert.ErrorIs(t, err, ErrIntegrity)
			})
		}
	}
}

func TestTamperDetection_hashMismatchReportsBothHashes(t *testing.T) {
	s := NewMemoryStore()
	l := New(s, zap.NewNop())
	bg := context.Background()

	b, err := l.Append(bg, "SW01", Payload{Operator: "system", Config: "hostname SW01"})
	require.NoError(t, err)

	rewriteMemory(s)(t, "SW01", 0, func(b *Block) { b.Config = "hostname SW02" })

	var v *IntegrityViolation
	require.True(t, errors.As(l.Verify(bg, "SW01"), &v))
	assert.Equal(t, KindHashMismatch, v.Kind)
	assert.Equal(t, b.Hash, v.Stored)
	assert.NotEqual(t, b.Hash, v.Expected)
	assert.Contains(t, v.Error(), "block 0 has invalid hash")
}
