// Package storage is the persistence layer behind the chat registry.
//
// It stores:
//   - The chat registry (fully rewritten on every save)
//   - An append-only audit log of admin and membership actions
package storage
