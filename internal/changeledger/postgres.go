package changeledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/OneOfOne/xxhash"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const blockColumns = `device_id, idx, version, timestamp, prev_hash, hash,
	operator, config, change_type, diff, summary, analysis, security_risks`

// PostgresStore persists device chains to the device_blocks table.
// It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
// The schema is created by the migrations in migrations/.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Name implements Store.
func (s *PostgresStore) Name() string { return "postgres" }

// advisoryLockKey maps a device to the advisory lock that serialises its
// appends. Collisions only make two devices share a lock; they never weaken
// exclusion for either.
func advisoryLockKey(deviceID string) int64 {
	return int64(xxhash.ChecksumString64(deviceID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*Block, error) {
	b := &Block{}
	if err := row.Scan(
		&b.DeviceID, &b.Index, &b.Version, &b.Timestamp, &b.PrevHash, &b.Hash,
		&b.Operator, &b.Config, &b.ChangeType, &b.Diff, &b.Summary,
		&b.Analysis, &b.SecurityRisks,
	); err != nil {
		return nil, err
	}
	b.Timestamp = b.Timestamp.UTC()
	return b, nil
}

// Tip implements Store.
func (s *PostgresStore) Tip(ctx context.Context, deviceID string) (*Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM device_blocks
		 WHERE device_id = $1 ORDER BY idx DESC LIMIT 1`, deviceID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoChain
	}
	if err != nil {
		return nil, fmt.Errorf("read tip of %s: %w", deviceID, err)
	}
	return b, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, deviceID string, index int) (*Block, error) {
	b, err := scanBlock(s.pool.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM device_blocks
		 WHERE device_id = $1 AND idx = $2`, deviceID, index,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device %s index %d: %w", deviceID, index, ErrBlockNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %s/%d: %w", deviceID, index, err)
	}
	return b, nil
}

// Commit implements Store.
// It acquires the device's advisory lock, reads the chain tip, builds the
// next block and inserts it, all within a single transaction.
func (s *PostgresStore) Commit(ctx context.Context, deviceID string, next NextFunc) (*Block, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released automatically when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey(deviceID)); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	tip, err := scanBlock(tx.QueryRow(ctx,
		`SELECT `+blockColumns+` FROM device_blocks
		 WHERE device_id = $1 ORDER BY idx DESC LIMIT 1`, deviceID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		tip, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain tip: %w", err)
	}

	blk := next(tip)
	if !expectFollows(tip, blk) {
		return nil, ErrAppendConflict
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO device_blocks (`+blockColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		blk.DeviceID, blk.Index, blk.Version, blk.Timestamp, blk.PrevHash, blk.Hash,
		blk.Operator, blk.Config, blk.ChangeType, blk.Diff, blk.Summary,
		blk.Analysis, blk.SecurityRisks,
	); err != nil {
		// The primary key (device_id, idx) and the unique (device_id, prev_hash)
		// constraint reject a fork even if the lock were bypassed.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrAppendConflict
		}
		return nil, fmt.Errorf("insert block: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit block tx: %w", err)
	}

	s.logger.Debug("block committed",
		zap.String("device_id", blk.DeviceID),
		zap.Int("idx", blk.Index),
	)
	return blk, nil
}

// Walk implements Store. It streams rows ordered by idx; O(n) in chain length.
func (s *PostgresStore) Walk(ctx context.Context, deviceID string, fn func(*Block) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM device_blocks
		 WHERE device_id = $1 ORDER BY idx ASC`, deviceID,
	)
	if err != nil {
		return fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return fmt.Errorf("scan block row: %w", err)
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Devices implements Store.
func (s *PostgresStore) Devices(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT device_id FROM device_blocks ORDER BY device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect devices: %w", err)
	}
	return ids, nil
}

// Close implements Store. The pool is owned by the caller and left open.
func (s *PostgresStore) Close() error { return nil }
