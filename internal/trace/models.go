package trace

import "time"

// Unit statuses.
const (
	StatusRunning        = "running"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
	StatusDegraded       = "degraded"
	StatusUnintelligible = "unintelligible"
)

// Session is one connected caller.
type Session struct {
	ID           string     `json:"id" db:"id"`
	UserID       string     `json:"user_id,omitempty" db:"user_id"`
	BusinessID   string     `json:"business_id,omitempty" db:"business_id"`
	BusinessType string     `json:"business_type,omitempty" db:"business_type"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	UnitCount    int        `json:"unit_count,omitempty" db:"unit_count"`
}

// Unit is one processing unit: drained audio through emitted response.
type Unit struct {
	ID         string    `json:"id" db:"id"`
	SessionID  string    `json:"session_id" db:"session_id"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	DurationMs float64   `json:"duration_ms,omitempty" db:"duration_ms"`
	Transcript string    `json:"transcript,omitempty" db:"transcript"`
	Handlers   string    `json:"handlers,omitempty" db:"handlers"`
	Response   string    `json:"response,omitempty" db:"response"`
	Status     string    `json:"status" db:"status"`
	SpanCount  int       `json:"span_count,omitempty" db:"span_count"`
}

// Span is one stage of a unit.
type Span struct {
	ID         string    `json:"id" db:"id"`
	UnitID     string    `json:"unit_id" db:"unit_id"`
	Name       string    `json:"name" db:"name"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	DurationMs float64   `json:"duration_ms" db:"duration_ms"`
	Input      string    `json:"input,omitempty" db:"input"`
	Output     string    `json:"output,omitempty" db:"output"`
	Status     string    `json:"status" db:"status"`
	Error      string    `json:"error,omitempty" db:"error_msg"`
}
