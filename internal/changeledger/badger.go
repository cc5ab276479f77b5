package changeledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/chaintrace/chaintrace/internal/codec"
	"github.com/dgraph-io/badger/v2"
	"go.uber.org/zap"
)

// Key prefixes used by BadgerStore.
const (
	prefixTip   = 1 // prefix | device → big-endian index of the tip
	prefixBlock = 2 // prefix | device | big-endian index → encoded block
)

// BadgerStore persists device chains in Badger. Commit runs as an optimistic
// transaction that reads the device's tip key; if another commit for the same
// device lands first, Badger rejects the transaction with ErrConflict, which
// is reported as ErrAppendConflict. Appends to different devices touch
// disjoint keys and never conflict.
type BadgerStore struct {
	db     *badger.DB
	codec  *codec.Codec
	logger *zap.Logger
}

// DefaultBadgerOptions returns the Badger options used for a chain database
// in dir. An empty dir yields an in-memory database.
func DefaultBadgerOptions(dir string) badger.Options {
	opts := badger.DefaultOptions(dir).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	return opts
}

// OpenBadgerStore opens a Badger database with the given options.
func OpenBadgerStore(opts badger.Options, c *codec.Codec, logger *zap.Logger) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, codec: c, logger: logger}, nil
}

// Name implements Store.
func (s *BadgerStore) Name() string { return "badger" }

// encodeKey builds prefix | uint16 length | deviceID, followed by the
// big-endian index segments. The length prefix keeps one device's keys from
// matching another device's prefix.
func encodeKey(prefix uint8, deviceID string, index ...int) []byte {
	key := make([]byte, 0, 3+len(deviceID)+8*len(index))
	key = append(key, prefix)
	key = binary.BigEndian.AppendUint16(key, uint16(len(deviceID)))
	key = append(key, deviceID...)
	for _, i := range index {
		key = binary.BigEndian.AppendUint64(key, uint64(i))
	}
	return key
}

func decodeDevice(key []byte) string {
	n := int(binary.BigEndian.Uint16(key[1:3]))
	return string(key[3 : 3+n])
}

func (s *BadgerStore) retrieve(txn *badger.Txn, key []byte) (*Block, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var b *Block
	err = item.Value(func(val []byte) error {
		var derr error
		b, derr = decodeBlock(s.codec, val)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("could not decode block (key: %x): %w", key, err)
	}
	return b, nil
}

// tip reads the tip pointer and the block it references. Both reads join the
// transaction's conflict set. It returns nil for a device without a chain.
func (s *BadgerStore) tip(txn *badger.Txn, deviceID string) (*Block, error) {
	item, err := txn.Get(encodeKey(prefixTip, deviceID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not get tip of %s: %w", deviceID, err)
	}
	var index int
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("invalid tip value length %d", len(val))
		}
		index = int(binary.BigEndian.Uint64(val))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not read tip of %s: %w", deviceID, err)
	}
	return s.retrieve(txn, encodeKey(prefixBlock, deviceID, index))
}

// Tip implements Store.
func (s *BadgerStore) Tip(_ context.Context, deviceID string) (*Block, error) {
	var tip *Block
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		tip, err = s.tip(txn, deviceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if tip == nil {
		return nil, ErrNoChain
	}
	return tip, nil
}

// Get implements Store.
func (s *BadgerStore) Get(_ context.Context, deviceID string, index int) (*Block, error) {
	if index < 0 {
		return nil, fmt.Errorf("device %s index %d: %w", deviceID, index, ErrBlockNotFound)
	}
	var blk *Block
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		blk, err = s.retrieve(txn, encodeKey(prefixBlock, deviceID, index))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("device %s index %d: %w", deviceID, index, ErrBlockNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %s/%d: %w", deviceID, index, err)
	}
	return blk, nil
}

// Commit implements Store.
func (s *BadgerStore) Commit(_ context.Context, deviceID string, next NextFunc) (*Block, error) {
	var blk *Block
	err := s.db.Update(func(txn *badger.Txn) error {
		tip, err := s.tip(txn, deviceID)
		if err != nil {
			return err
		}

		blk = next(tip)
		if !expectFollows(tip, blk) {
			return ErrAppendConflict
		}

		val, err := encodeBlock(s.codec, blk)
		if err != nil {
			return fmt.Errorf("could not encode block: %w", err)
		}
		key := encodeKey(prefixBlock, deviceID, blk.Index)
		if err := txn.Set(key, val); err != nil {
			return fmt.Errorf("could not set block (key: %x): %w", key, err)
		}
		ptr := binary.BigEndian.AppendUint64(nil, uint64(blk.Index))
		if err := txn.Set(encodeKey(prefixTip, deviceID), ptr); err != nil {
			return fmt.Errorf("could not set tip of %s: %w", deviceID, err)
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, ErrAppendConflict
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("block committed",
		zap.String("device_id", blk.DeviceID),
		zap.Int("idx", blk.Index),
	)
	return blk, nil
}

// Walk implements Store. Keys sort by big-endian index, so iteration order is
// index order. fn runs inside a read transaction.
func (s *BadgerStore) Walk(ctx context.Context, deviceID string, fn func(*Block) error) error {
	prefix := encodeKey(prefixBlock, deviceID)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var b *Block
			err := item.Value(func(val []byte) error {
				var err error
				b, err = decodeBlock(s.codec, val)
				return err
			})
			if err != nil {
				return fmt.Errorf("could not decode block (key: %x): %w", item.Key(), err)
			}
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Devices implements Store.
func (s *BadgerStore) Devices(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixTip}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			ids = append(ids, decodeDevice(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	// Keys order by device length first.
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
