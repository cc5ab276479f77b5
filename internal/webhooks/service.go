// Package webhooks delivers chain integrity alerts to HTTP endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chaintrace/chaintrace/internal/changeledger"
	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Chaintrace-Signature"

// Dispatcher fans events out to the configured URLs.
type Dispatcher struct {
	cfg        Config
	httpClient *http.Client
	delays     []time.Duration
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// Retry with exponential backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// NotifyViolation dispatches EventChainViolated for v. Its signature matches
// audit.ViolationFunc.
func (d *Dispatcher) NotifyViolation(ctx context.Context, v *changeledger.IntegrityViolation) {
	d.Dispatch(ctx, EventChainViolated, map[string]string{
		"device_id": v.DeviceID,
		"index":     strconv.Itoa(v.Index),
		"kind":      string(v.Kind),
		"stored":    v.Stored,
		"expected":  v.Expected,
	})
}

// Dispatch sends the event to every URL in the background. Use Wait to block
// until all deliveries have finished.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	for _, url := range d.cfg.URLs {
		d.wg.Add(1)
		go func(url string) {
			defer d.wg.Done()
			d.deliver(ctx, url, eventType, body)
		}(url)
	}
}

// Wait blocks until every dispatched delivery has succeeded or given up.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver sends body to a single URL with retries.
func (d *Dispatcher) deliver(ctx context.Context, url, eventType string, body []byte) {
	signature := ""
	if d.cfg.Secret != "" {
		signature = signPayload(body, d.cfg.Secret)
	}

	for attempt := 1; attempt <= len(d.delays); attempt++ {
		if wait := d.delays[attempt-1]; wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}

		success, errMsg := d.doDelivery(ctx, url, body, signature)
		deliveriesTotal.WithLabelValues(eventType, strconv.FormatBool(success)).Inc()
		if success {
			return
		}

		d.logger.Warn("webhook: delivery failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (d *Dispatcher) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, ""
	}
	return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
