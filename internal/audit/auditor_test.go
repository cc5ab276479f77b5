package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaintrace/chaintrace/internal/changeledger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubReporter struct {
	mu         sync.Mutex
	devices    []string
	violations map[string]*changeledger.IntegrityViolation
	readErr    map[string]error
	listErr    error
}

func (s *stubReporter) Devices(_ context.Context) ([]string, error) {
	return s.devices, s.listErr
}

func (s *stubReporter) Report(_ context.Context, id string) (changeledger.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readErr[id]; err != nil {
		return changeledger.Report{DeviceID: id}, err
	}
	v := s.violations[id]
	return changeledger.Report{DeviceID: id, Blocks: 3, Valid: v == nil, Violation: v}, nil
}

func (s *stubReporter) setViolation(id string, v *changeledger.IntegrityViolation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == nil {
		delete(s.violations, id)
		return
	}
	s.violations[id] = v
}

func newStub(devices ...string) *stubReporter {
	return &stubReporter{
		devices:    devices,
		violations: make(map[string]*changeledger.IntegrityViolation),
		readErr:    make(map[string]error),
	}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestAuditAll_allValid(t *testing.T) {
	a := New(newStub("RTR01-NYC", "SW01", "FW02"), Config{}, zap.NewNop())

	before := testutil.ToFloat64(verificationsTotal.WithLabelValues(resultValid))
	sum := a.AuditAll(context.Background())

	if sum.Devices != 3 || sum.Valid != 3 || sum.Invalid != 0 || sum.Errors != 0 {
		t.Errorf("summary: got %+v", sum)
	}
	if got := testutil.ToFloat64(verificationsTotal.WithLabelValues(resultValid)) - before; got != 3 {
		t.Errorf("valid verifications: got %v, want 3", got)
	}
	if len(a.Failing()) != 0 {
		t.Errorf("expected no failing devices, got %v", a.Failing())
	}
}

func TestAuditAll_violationCallbackFiresOnce(t *testing.T) {
	stub := newStub("RTR01-NYC", "SW01")
	stub.setViolation("SW01", &changeledger.IntegrityViolation{
		DeviceID: "SW01", Index: 2, Kind: changeledger.KindHashMismatch,
	})

	var mu sync.Mutex
	var fired []string
	a := New(stub, Config{}, zap.NewNop())
	a.SetViolationFunc(func(_ context.Context, v *changeledger.IntegrityViolation) {
		mu.Lock()
		fired = append(fired, v.DeviceID)
		mu.Unlock()
	})

	sum := a.AuditAll(context.Background())
	if sum.Invalid != 1 || sum.Valid != 1 {
		t.Errorf("summary: got %+v", sum)
	}
	if got := a.Failing()["SW01"]; got != changeledger.KindHashMismatch {
		t.Errorf("failing SW01: got %q, want hash_mismatch", got)
	}
	if got := testutil.ToFloat64(failingDevices); got != 1 {
		t.Errorf("failing gauge: got %v, want 1", got)
	}

	// Still failing: no second callback.
	a.AuditAll(context.Background())
	if len(fired) != 1 || fired[0] != "SW01" {
		t.Errorf("callback: got %v, want [SW01]", fired)
	}
}

func TestAuditAll_recovery(t *testing.T) {
	stub := newStub("SW01")
	stub.setViolation("SW01", &changeledger.IntegrityViolation{
		DeviceID: "SW01", Index: 0, Kind: changeledger.KindBrokenLink,
	})
	a := New(stub, Config{}, zap.NewNop())

	a.AuditAll(context.Background())
	if _, ok := a.Failing()["SW01"]; !ok {
		t.Fatal("expected SW01 to be failing")
	}

	stub.setViolation("SW01", nil)
	a.AuditAll(context.Background())
	if _, ok := a.Failing()["SW01"]; ok {
		t.Error("expected SW01 to have recovered")
	}
}

func TestAuditAll_readErrorsCounted(t *testing.T) {
	stub := newStub("SW01", "SW02")
	stub.readErr["SW02"] = errors.New("disk on fire")
	a := New(stub, Config{}, zap.NewNop())

	sum := a.AuditAll(context.Background())
	if sum.Errors != 1 || sum.Valid != 1 {
		t.Errorf("summary: got %+v", sum)
	}
	if _, ok := a.Failing()["SW02"]; ok {
		t.Error("read error must not mark a device as failing")
	}
}

func TestAuditAll_listError(t *testing.T) {
	stub := newStub()
	stub.listErr = errors.New("connection refused")
	a := New(stub, Config{}, zap.NewNop())

	before := testutil.ToFloat64(auditRunsTotal.WithLabelValues("error"))
	if sum := a.AuditAll(context.Background()); sum.Devices != 0 {
		t.Errorf("summary: got %+v", sum)
	}
	if got := testutil.ToFloat64(auditRunsTotal.WithLabelValues("error")) - before; got != 1 {
		t.Errorf("error runs: got %v, want 1", got)
	}
}

func TestAuditAll_rateLimited(t *testing.T) {
	// Burst equals concurrency (1), so four devices at 20/s need ~150ms.
	a := New(newStub("A", "B", "C", "D"), Config{DevicesPerSecond: 20, Concurrency: 1}, zap.NewNop())

	start := time.Now()
	a.AuditAll(context.Background())
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("audit finished in %s, expected rate limiting", elapsed)
	}
}

func TestAuditAll_realLedger(t *testing.T) {
	ctx := context.Background()
	l := changeledger.New(changeledger.NewMemoryStore(), zap.NewNop())
	for _, id := range []string{"RTR01-NYC", "SW01"} {
		if _, err := l.Append(ctx, id, changeledger.Payload{Operator: "alice", Config: "hostname " + id}); err != nil {
			t.Fatal(err)
		}
	}

	sum := New(l, Config{}, zap.NewNop()).AuditAll(ctx)
	if sum.Devices != 2 || sum.Valid != 2 {
		t.Errorf("summary: got %+v", sum)
	}
}

func TestStart_stopsOnCancel(t *testing.T) {
	a := New(newStub("SW01"), Config{Interval: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
