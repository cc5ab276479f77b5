// Package audit periodically re-verifies every device chain and tracks which
// devices are failing.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/chaintrace/chaintrace/internal/changeledger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds auditor configuration.
type Config struct {
	Interval         time.Duration
	DevicesPerSecond float64
	Concurrency      int
}

// ChainReporter lists devices and verifies their chains. *changeledger.Ledger
// satisfies it.
type ChainReporter interface {
	Devices(ctx context.Context) ([]string, error)
	Report(ctx context.Context, deviceID string) (changeledger.Report, error)
}

// ViolationFunc is an optional callback invoked when a device first fails
// verification.
type ViolationFunc func(ctx context.Context, v *changeledger.IntegrityViolation)

// Summary is the outcome of one audit pass.
type Summary struct {
	Devices  int
	Valid    int
	Invalid  int
	Errors   int
	Duration time.Duration
}

// Auditor runs periodic chain verification.
type Auditor struct {
	chains      ChainReporter
	limiter     *rate.Limiter
	cfg         Config
	mu          sync.Mutex
	failing     map[string]changeledger.ViolationKind
	onViolation ViolationFunc
	logger      *zap.Logger
}

// New creates a new Auditor.
func New(chains ChainReporter, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}

	limit := rate.Inf
	if cfg.DevicesPerSecond > 0 {
		limit = rate.Limit(cfg.DevicesPerSecond)
	}

	return &Auditor{
		chains:  chains,
		limiter: rate.NewLimiter(limit, cfg.Concurrency),
		cfg:     cfg,
		failing: make(map[string]changeledger.ViolationKind),
		logger:  logger,
	}
}

// SetViolationFunc configures the violation callback.
func (a *Auditor) SetViolationFunc(fn ViolationFunc) {
	a.onViolation = fn
}

// Failing returns the devices whose last audit found a violation, mapped to
// the kind of violation.
func (a *Auditor) Failing() map[string]changeledger.ViolationKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]changeledger.ViolationKind, len(a.failing))
	for id, k := range a.failing {
		out[id] = k
	}
	return out
}

// Start audits once immediately and then every Interval until ctx is done.
func (a *Auditor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		a.AuditAll(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// AuditAll verifies every device with bounded concurrency, paced by the
// configured rate limit.
func (a *Auditor) AuditAll(ctx context.Context) Summary {
	start := time.Now()
	devices, err := a.chains.Devices(ctx)
	if err != nil {
		a.logger.Error("audit: list devices", zap.Error(err))
		auditRunsTotal.WithLabelValues("error").Inc()
		return Summary{}
	}

	var (
		wg  sync.WaitGroup
		smu sync.Mutex
		sum = Summary{Devices: len(devices)}
	)
	sem := make(chan struct{}, a.cfg.Concurrency)

	for _, id := range devices {
		if err := a.limiter.Wait(ctx); err != nil {
			a.logger.Warn("audit: pass cancelled", zap.Error(err))
			break
		}

		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result := a.auditDevice(ctx, deviceID)
			verificationsTotal.WithLabelValues(result).Inc()

			smu.Lock()
			switch result {
			case resultValid:
				sum.Valid++
			case resultInvalid:
				sum.Invalid++
			default:
				sum.Errors++
			}
			smu.Unlock()
		}(id)
	}
	wg.Wait()

	sum.Duration = time.Since(start)
	failingDevices.Set(float64(len(a.Failing())))
	lastRunTimestamp.SetToCurrentTime()
	auditRunsTotal.WithLabelValues("ok").Inc()

	a.logger.Info("audit: pass complete",
		zap.Int("devices", sum.Devices),
		zap.Int("valid", sum.Valid),
		zap.Int("invalid", sum.Invalid),
		zap.Int("errors", sum.Errors),
		zap.Duration("duration", sum.Duration),
	)
	return sum
}

const (
	resultValid   = "valid"
	resultInvalid = "invalid"
	resultError   = "error"
)

func (a *Auditor) auditDevice(ctx context.Context, deviceID string) string {
	r, err := a.chains.Report(ctx, deviceID)
	if err != nil {
		a.logger.Warn("audit: read chain", zap.String("device_id", deviceID), zap.Error(err))
		return resultError
	}

	a.mu.Lock()
	prev, wasFailing := a.failing[deviceID]
	if r.Violation != nil {
		a.failing[deviceID] = r.Violation.Kind
	} else {
		delete(a.failing, deviceID)
	}
	a.mu.Unlock()

	switch {
	case r.Violation == nil && wasFailing:
		// Transition: failing → valid, e.g. after a restore from backup.
		a.logger.Info("audit: chain recovered",
			zap.String("device_id", deviceID),
			zap.String("previous_kind", string(prev)),
		)
	case r.Violation != nil && !wasFailing:
		a.logger.Error("audit: chain integrity violated",
			zap.String("device_id", deviceID),
			zap.Int("idx", r.Violation.Index),
			zap.String("kind", string(r.Violation.Kind)),
		)
		if a.onViolation != nil {
			a.onViolation(ctx, r.Violation)
		}
	}

	if r.Violation != nil {
		return resultInvalid
	}
	return resultValid
}
