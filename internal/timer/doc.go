// Package timer implements guild-scoped countdown timers bound to chat
// channels.
//
// A Registry owns every resident Timer (at most one per channel) and is the
// only component that mutates them. Each Timer holds three scheduler
// handles:
//   - expiry: fires once at the deadline and removes the Timer
//   - warning: fires once WarningWindow before the deadline (audio cue only)
//   - refresh: ticks every RefreshInterval and pushes a status message,
//     gated per channel by RefreshThrottle
//
// Every transition that pauses, replaces or removes a Timer goes through
// Timer.teardown, which cancels all three handles and bumps the Timer's
// epoch so callbacks that were already in flight become no-ops.
//
// Sink calls (NotificationSink, AudioSink) are made without holding the
// registry lock and only after the state transition they report on has been
// applied.
package timer
