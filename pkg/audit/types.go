package audit

import (
	"context"
	"time"
)

// Status is the outcome of an audited request
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// StatusFor maps an HTTP status code to an outcome
func StatusFor(code int) Status {
	switch {
	case code == 401 || code == 403:
		return StatusDenied
	case code >= 400:
		return StatusFailure
	}
	return StatusSuccess
}

// Event is one audit record
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Status     Status    `json:"status"`
	StatusCode int       `json:"status_code"`
	RequestID  string    `json:"request_id,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Path       string    `json:"path"`
	OwnerID    *int64    `json:"owner_id,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// Logger persists audit events
type Logger interface {
	Log(ctx context.Context, event *Event) error
	Close() error
}

// Nop discards events
type Nop struct{}

func (Nop) Log(context.Context, *Event) error { return nil }
func (Nop) Close() error                      { return nil }
