package changeledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisPrevHash is the PrevHash carried by the first block of every chain.
const GenesisPrevHash = "0"

// TimestampLayout is the canonical textual form of a block timestamp inside
// the digest input. Timestamps are rendered in UTC with microsecond precision.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// Change types recorded by the ledger itself. Callers may use any other value.
const (
	ChangeInitial  = "initial"
	ChangeUpdate   = "update"
	ChangeRollback = "rollback"
)

// Payload is the caller-supplied part of a configuration change. All fields
// are opaque text; only Operator and Config are bound into the block hash.
type Payload struct {
	Operator      string `json:"operator" yaml:"operator"`
	Config        string `json:"config" yaml:"config"`
	ChangeType    string `json:"change_type" yaml:"change_type"`
	Diff          string `json:"diff" yaml:"diff"`
	Summary       string `json:"summary" yaml:"summary"`
	Analysis      string `json:"analysis" yaml:"analysis"`
	SecurityRisks string `json:"security_risks" yaml:"security_risks"`
}

// Block is one configuration-change record in a device's chain.
type Block struct {
	DeviceID  string    `json:"device_id" yaml:"device_id"`
	Index     int       `json:"index" yaml:"index"`
	Version   int       `json:"version" yaml:"version"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	PrevHash  string    `json:"prev_hash" yaml:"prev_hash"`
	Hash      string    `json:"hash" yaml:"hash"`

	Operator      string `json:"operator" yaml:"operator"`
	Config        string `json:"config" yaml:"config"`
	ChangeType    string `json:"change_type" yaml:"change_type"`
	Diff          string `json:"diff" yaml:"diff"`
	Summary       string `json:"summary" yaml:"summary"`
	Analysis      string `json:"analysis" yaml:"analysis"`
	SecurityRisks string `json:"security_risks" yaml:"security_risks"`
}

// clone returns a shallow copy; every field is a value so the copy is independent.
func (b *Block) clone() *Block {
	c := *b
	return &c
}

// HashBlock computes the SHA-256 digest binding a block's index, timestamp,
// prev hash, device, version, operator and config. Fields are concatenated
// without separators in exactly that order and the digest is lowercase hex.
func HashBlock(b *Block) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d%s%s%s%d%s%s",
		b.Index, b.Timestamp.UTC().Format(TimestampLayout), b.PrevHash,
		b.DeviceID, b.Version, b.Operator, b.Config,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// now is the wall clock read by BuildNext. Tests replace it.
var now = time.Now

// BuildNext derives the block that follows prev in deviceID's chain. prev is
// nil for a device without a chain, in which case the genesis block is built.
// The wall clock is read exactly once.
func BuildNext(prev *Block, deviceID string, p Payload) *Block {
	return buildAt(prev, deviceID, p, now())
}

func buildAt(prev *Block, deviceID string, p Payload, ts time.Time) *Block {
	b := &Block{
		DeviceID:      deviceID,
		Index:         0,
		Version:       1,
		Timestamp:     ts.UTC().Truncate(time.Microsecond),
		PrevHash:      GenesisPrevHash,
		Operator:      p.Operator,
		Config:        p.Config,
		ChangeType:    p.ChangeType,
		Diff:          p.Diff,
		Summary:       p.Summary,
		Analysis:      p.Analysis,
		SecurityRisks: p.SecurityRisks,
	}
	if prev != nil {
		b.Index = prev.Index + 1
		b.Version = prev.Version + 1
		b.PrevHash = prev.Hash
		// Timestamps never go backwards within a chain, even if the wall clock does.
		if b.Timestamp.Before(prev.Timestamp) {
			b.Timestamp = prev.Timestamp.UTC()
		}
	}
	b.Hash = HashBlock(b)
	return b
}
