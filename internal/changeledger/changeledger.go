// Package changeledger implements a per-device, append-only, hash-linked
// ledger of configuration change records.
//
// Every device owns an independent chain. The first block (index 0) carries
// GenesisPrevHash as its prev hash; every later block records the SHA-256 of
// its predecessor, so any tampering with stored blocks is detectable via
// Ledger.Verify.
//
// The Ledger runs on top of a Store. Four implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, serialised per device with advisory locks.
//   - BoltStore: embedded single-file store.
//   - BadgerStore: embedded store using optimistic transactions.
package changeledger
