package webhooks

import "time"

// Event types dispatched by the auditor.
const (
	EventChainViolated = "chain.integrity_violated"
)

// Event is the JSON body POSTed to every configured URL.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Config lists the delivery targets. Deliveries are signed with Secret when
// it is set.
type Config struct {
	URLs    []string
	Secret  string
	Timeout time.Duration
}
