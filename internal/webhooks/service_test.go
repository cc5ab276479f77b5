package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaintrace/chaintrace/internal/changeledger"
	"go.uber.org/zap"
)

func TestNotifyViolation_signedDelivery(t *testing.T) {
	var (
		mu   sync.Mutex
		got  Event
		sig  string
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URLs: []string{srv.URL}, Secret: "s3cret"}, zap.NewNop())
	d.NotifyViolation(context.Background(), &changeledger.IntegrityViolation{
		DeviceID: "RTR01-NYC", Index: 2, Kind: changeledger.KindHashMismatch,
		Stored: "abc", Expected: "def",
	})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got.Type != EventChainViolated {
		t.Errorf("type: got %q", got.Type)
	}
	if got.Payload["device_id"] != "RTR01-NYC" || got.Payload["index"] != "2" || got.Payload["kind"] != "hash_mismatch" {
		t.Errorf("payload: got %v", got.Payload)
	}
	if want := signPayload(body, "s3cret"); sig != want {
		t.Errorf("signature: got %q, want %q", sig, want)
	}
}

func TestDispatch_retriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URLs: []string{srv.URL}}, zap.NewNop())
	d.delays = []time.Duration{0, time.Millisecond, time.Millisecond}

	d.Dispatch(context.Background(), EventChainViolated, map[string]string{"device_id": "SW01"})
	d.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("calls: got %d, want 3", got)
	}
}

func TestDispatch_givesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URLs: []string{srv.URL}}, zap.NewNop())
	d.delays = []time.Duration{0, time.Millisecond}

	d.Dispatch(context.Background(), EventChainViolated, nil)
	d.Wait()

	if got := calls.Load(); got != 2 {
		t.Errorf("calls: got %d, want 2", got)
	}
}

func TestDispatch_unsignedWithoutSecret(t *testing.T) {
	var sig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get(SignatureHeader))
	}))
	defer srv.Close()

	d := NewDispatcher(Config{URLs: []string{srv.URL}}, zap.NewNop())
	d.Dispatch(context.Background(), EventChainViolated, nil)
	d.Wait()

	if got := sig.Load(); got != "" {
		t.Errorf("expected no signature header, got %q", got)
	}
}
