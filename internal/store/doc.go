// Package store owns the durable tracked-source state.
//
// It is the single writer of last-seen chapter state:
//   - Tracked source records (name, url, created_at, insertion order)
//   - Per-source last-seen chapter identifiers (monotonic, never shrinks)
//
// All operations are internally synchronized, so command handling and the
// poll cycle can touch the same source concurrently.
package store
