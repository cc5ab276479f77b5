package changeledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Rollback appends a block that restores the configuration recorded at
// toVersion. History is never rewritten: the restored configuration becomes
// the new tip with ChangeType "rollback". It returns ErrBlockNotFound if the
// device has no block with that version and ErrRollbackToTip if that block is
// already the tip.
func (l *Ledger) Rollback(ctx context.Context, deviceID string, toVersion int, operator string) (*Block, error) {
	target, err := l.Get(ctx, deviceID, toVersion-1)
	if err != nil {
		return nil, fmt.Errorf("rollback %s to version %d: %w", deviceID, toVersion, err)
	}
	if target.Version != toVersion {
		return nil, fmt.Errorf("rollback %s to version %d: %w", deviceID, toVersion, ErrBlockNotFound)
	}

	tip, err := l.Tip(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", deviceID, err)
	}
	if tip.Hash == target.Hash {
		return nil, fmt.Errorf("rollback %s to version %d: %w", deviceID, toVersion, ErrRollbackToTip)
	}

	blk, err := l.Append(ctx, deviceID, Payload{
		Operator:   operator,
		Config:     target.Config,
		ChangeType: ChangeRollback,
		Summary:    fmt.Sprintf("rolled back from version %d to version %d", tip.Version, toVersion),
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("configuration rolled back",
		zap.String("device_id", deviceID),
		zap.Int("from_version", tip.Version),
		zap.Int("to_version", toVersion),
		zap.Int("idx", blk.Index),
	)
	return blk, nil
}
