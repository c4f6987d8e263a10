// Package storage persists per-guild default durations and an audit log
// of timer lifecycle events. Timer state itself is never persisted.
//
// Drivers: "file" (JSON lines plus snapshot/journal), "sqlite", "redis".
// An empty driver or "none" disables storage.
package storage
