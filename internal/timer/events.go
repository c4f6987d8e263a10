package timer

import "time"

// Event types published on the event bus.
const (
	EventStarted        = "timer.started"
	EventReplaced       = "timer.replaced"
	EventPaused         = "timer.paused"
	EventResumed        = "timer.resumed"
	EventStopped        = "timer.stopped"
	EventExpired        = "timer.expired"
	EventWarning        = "timer.warning"
	EventRefreshDropped = "timer.refresh.dropped"
	EventSinkError      = "timer.sink.error"
)

// EventData is the payload of every timer event. Keep it small; it may
// be logged or persisted by subscribers.
type EventData struct {
	TimerID   string        `json:"timer_id"`
	Channel   string        `json:"channel"`
	Tenant    string        `json:"tenant"`
	Label     string        `json:"label,omitempty"`
	Duration  time.Duration `json:"duration"`
	Remaining time.Duration `json:"remaining"`
	// Reason qualifies the event, e.g. "throttled" for refresh drops or the
	// sink operation for sink errors.
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func eventData(s Snapshot) EventData {
	return EventData{
		TimerID:   s.ID,
		Channel:   s.Channel,
		Tenant:    s.Tenant,
		Label:     s.Label,
		Duration:  s.Duration,
		Remaining: s.Remaining,
	}
}
