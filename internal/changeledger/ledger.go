package changeledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// DefaultMaxAppendRetries bounds how often Append re-runs the read-build-persist
// sequence after ErrAppendConflict.
const DefaultMaxAppendRetries = 10

// Report summarises the verification of one device's chain.
type Report struct {
	DeviceID  string              `json:"device_id" yaml:"device_id"`
	Blocks    int                 `json:"blocks" yaml:"blocks"`
	Tip       string              `json:"tip,omitempty" yaml:"tip,omitempty"`
	Valid     bool                `json:"valid" yaml:"valid"`
	Violation *IntegrityViolation `json:"violation,omitempty" yaml:"violation,omitempty"`
}

// Ledger is the chain store: it appends blocks to per-device chains and reads
// and verifies them. It is safe for concurrent use; serialisation of appends
// to one device is delegated to the Store.
type Ledger struct {
	store      Store
	logger     *zap.Logger
	maxRetries int
}

// New creates a Ledger backed by the given store.
func New(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:      store,
		logger:     logger,
		maxRetries: DefaultMaxAppendRetries,
	}
}

// SetMaxAppendRetries configures how many times Append retries after an
// ErrAppendConflict. n < 0 is treated as 0.
func (l *Ledger) SetMaxAppendRetries(n int) {
	if n < 0 {
		n = 0
	}
	l.maxRetries = n
}

// Store returns the backing store.
func (l *Ledger) Store() Store {
	return l.store
}

// Append adds a block built from p to the end of deviceID's chain and returns it.
// On ErrAppendConflict the whole read-build-persist sequence is retried.
func (l *Ledger) Append(ctx context.Context, deviceID string, p Payload) (*Block, error) {
	start := time.Now()
	backend := l.store.Name()

	next := func(tip *Block) *Block {
		return BuildNext(tip, deviceID, p)
	}

	var (
		blk *Block
		err error
	)
	for attempt := 0; ; attempt++ {
		blk, err = l.store.Commit(ctx, deviceID, next)
		if !errors.Is(err, ErrAppendConflict) {
			break
		}
		appendConflictsTotal.WithLabelValues(backend).Inc()
		if attempt >= l.maxRetries {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("append to %s: %w", deviceID, ctxErr)
		}
		l.logger.Debug("append conflict, retrying",
			zap.String("device_id", deviceID),
			zap.Int("attempt", attempt+1),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("append to %s: %w", deviceID, err)
	}

	blocksAppendedTotal.WithLabelValues(backend).Inc()
	appendDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())

	l.logger.Debug("block appended",
		zap.String("device_id", blk.DeviceID),
		zap.Int("idx", blk.Index),
		zap.Int("version", blk.Version),
		zap.String("operator", blk.Operator),
	)
	return blk, nil
}

// Tip returns the latest block of deviceID's chain, or ErrNoChain.
func (l *Ledger) Tip(ctx context.Context, deviceID string) (*Block, error) {
	return l.store.Tip(ctx, deviceID)
}

// Get returns the block at index in deviceID's chain, or ErrBlockNotFound.
func (l *Ledger) Get(ctx context.Context, deviceID string, index int) (*Block, error) {
	if index < 0 {
		return nil, fmt.Errorf("index %d: %w", index, ErrBlockNotFound)
	}
	return l.store.Get(ctx, deviceID, index)
}

// History returns every block of deviceID's chain in index order.
// A device without a chain has an empty history.
func (l *Ledger) History(ctx context.Context, deviceID string) ([]*Block, error) {
	var blocks []*Block
	if err := l.store.Walk(ctx, deviceID, func(b *Block) error {
		blocks = append(blocks, b)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("history of %s: %w", deviceID, err)
	}
	return blocks, nil
}

// Devices lists every device that has a chain.
func (l *Ledger) Devices(ctx context.Context) ([]string, error) {
	return l.store.Devices(ctx)
}

// Verify walks deviceID's chain from genesis to tip. It returns nil if the
// chain is empty or intact, and an *IntegrityViolation for the first block
// that breaks the link or hash invariants.
func (l *Ledger) Verify(ctx context.Context, deviceID string) error {
	r, err := l.Report(ctx, deviceID)
	if err != nil {
		return err
	}
	if r.Violation != nil {
		return r.Violation
	}
	return nil
}

// Report verifies deviceID's chain and summarises the result. The returned
// error is reserved for failures to read the chain; integrity violations are
// reported in Report.Violation.
func (l *Ledger) Report(ctx context.Context, deviceID string) (Report, error) {
	v := newChainVerifier(deviceID)
	err := l.store.Walk(ctx, deviceID, v.check)

	r := Report{DeviceID: deviceID, Blocks: v.count, Tip: v.tip(), Valid: err == nil}

	var violation *IntegrityViolation
	switch {
	case err == nil:
		return r, nil
	case errors.As(err, &violation):
		integrityViolationsTotal.WithLabelValues(string(violation.Kind)).Inc()
		l.logger.Warn("chain integrity check failed",
			zap.String("device_id", deviceID),
			zap.Int("idx", violation.Index),
			zap.String("kind", string(violation.Kind)),
		)
		r.Violation = violation
		return r, nil
	default:
		return r, fmt.Errorf("verify %s: %w", deviceID, err)
	}
}

// VerifyAll verifies every device's chain. Reports are returned for every
// device that could be read; all violations and read failures are combined
// into the returned error.
func (l *Ledger) VerifyAll(ctx context.Context) ([]Report, error) {
	devices, err := l.store.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var errs error
	reports := make([]Report, 0, len(devices))
	for _, id := range devices {
		r, err := l.Report(ctx, id)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if r.Violation != nil {
			errs = multierror.Append(errs, r.Violation)
		}
		reports = append(reports, r)
	}
	return reports, errs
}
