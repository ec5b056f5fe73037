// Package storage provides the minimal persistence layer used by the client.
//
// It currently supports:
//   - Per-profile notification settings snapshots
//   - Per-profile bounded event history (dedup/read state included)
//
// Live connection state is deliberately NOT persisted here.
package storage
