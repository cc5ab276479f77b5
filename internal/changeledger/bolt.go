package changeledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/chaintrace/chaintrace/internal/codec"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// chainsBucket holds one nested bucket per device, keyed by device ID.
// Inside a device bucket, blocks are keyed by their big-endian index so
// that cursor order is index order.
var chainsBucket = []byte("chains")

// BoltStore persists device chains in a single bbolt file.
// bbolt admits one read-write transaction at a time, which makes every
// Commit an exclusive read-build-persist unit; readers run concurrently.
type BoltStore struct {
	db     *bolt.DB
	codec  *codec.Codec
	logger *zap.Logger
}

// OpenBoltStore opens (creating if needed) the bbolt database at path.
func OpenBoltStore(path string, c *codec.Codec, logger *zap.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chainsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chains bucket: %w", err)
	}
	return &BoltStore{db: db, codec: c, logger: logger}, nil
}

// Name implements Store.
func (s *BoltStore) Name() string { return "bolt" }

func indexKey(index int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

// deviceBucket returns the device's bucket, or nil if it has no chain.
func deviceBucket(tx *bolt.Tx, deviceID string) *bolt.Bucket {
	return tx.Bucket(chainsBucket).Bucket([]byte(deviceID))
}

func (s *BoltStore) tip(bkt *bolt.Bucket) (*Block, error) {
	if bkt == nil {
		return nil, nil
	}
	k, v := bkt.Cursor().Last()
	if k == nil {
		return nil, nil
	}
	b, err := decodeBlock(s.codec, v)
	if err != nil {
		return nil, fmt.Errorf("decode tip (key: %x): %w", k, err)
	}
	return b, nil
}

// Tip implements Store.
func (s *BoltStore) Tip(_ context.Context, deviceID string) (*Block, error) {
	var tip *Block
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		tip, err = s.tip(deviceBucket(tx, deviceID))
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
func (s *BoltStore) Get(_ context.Context, deviceID string, index int) (*Block, error) {
	var blk *Block
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := deviceBucket(tx, deviceID)
		if bkt == nil || index < 0 {
			return nil
		}
		v := bkt.Get(indexKey(index))
		if v == nil {
			return nil
		}
		var err error
		blk, err = decodeBlock(s.codec, v)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get block %s/%d: %w", deviceID, index, err)
	}
	if blk == nil {
		return nil, fmt.Errorf("device %s index %d: %w", deviceID, index, ErrBlockNotFound)
	}
	return blk, nil
}

// Commit implements Store.
func (s *BoltStore) Commit(_ context.Context, deviceID string, next NextFunc) (*Block, error) {
	var blk *Block
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket(chainsBucket).CreateBucketIfNotExists([]byte(deviceID))
		if err != nil {
			return fmt.Errorf("create device bucket: %w", err)
		}
		tip, err := s.tip(bkt)
		if err != nil {
			return err
		}

		blk = next(tip)
		key := indexKey(blk.Index)
		if !expectFollows(tip, blk) || bkt.Get(key) != nil {
			return ErrAppendConflict
		}

		val, err := encodeBlock(s.codec, blk)
		if err != nil {
			return fmt.Errorf("encode block: %w", err)
		}
		if err := bkt.Put(key, val); err != nil {
			return fmt.Errorf("put block (key: %x): %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("block committed",
		zap.String("device_id", blk.DeviceID),
		zap.Int("idx", blk.Index),
	)
	return blk, nil
}

// Walk implements Store. fn runs inside a read transaction.
func (s *BoltStore) Walk(ctx context.Context, deviceID string, fn func(*Block) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		bkt := deviceBucket(tx, deviceID)
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := decodeBlock(s.codec, v)
			if err != nil {
				return fmt.Errorf("decode block (key: %x): %w", k, err)
			}
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Devices implements Store. Bucket keys are returned in byte order.
func (s *BoltStore) Devices(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chainsBucket).ForEach(func(k, v []byte) error {
			// Nested buckets have a nil value.
			if v == nil {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return ids, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
