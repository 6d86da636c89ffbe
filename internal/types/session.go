package types

import "time"

// SessionStatus is the exam lifecycle state.
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusFlagged   SessionStatus = "flagged"
	StatusSubmitted SessionStatus = "submitted"
)

// SubmitReason records which path ended the session.
type SubmitReason string

const (
	ReasonVoluntary SubmitReason = "voluntary"
	ReasonTimeout   SubmitReason = "timeout"
	ReasonAborted   SubmitReason = "aborted"
)

// Submission is the final payload handed to the grading/admin collaborator.
type Submission struct {
	SessionID       string         `json:"session_id"`
	StudentID       string         `json:"student_id"`
	Reason          SubmitReason   `json:"reason"`
	SubmittedAt     time.Time      `json:"submitted_at"`
	TimeRemaining   int            `json:"time_remaining"`
	Flagged         bool           `json:"flagged"`
	AlertLog        []Alert        `json:"alert_log"`
	ViolationCounts map[string]int `json:"violation_counts"`
}

// FlagNotice is sent to the review collaborator when a session becomes
// flagged. Flags are never retracted.
type FlagNotice struct {
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id"`
	FlaggedAt time.Time `json:"flagged_at"`
	Reason    string    `json:"reason"`
	Alert     *Alert    `json:"alert,omitempty"`
}

// View is what the display sink renders: the recent alerts (most recent
// last) and the current flag and session state.
type View struct {
	SessionID       string        `json:"session_id"`
	StudentID       string        `json:"student_id"`
	Status          SessionStatus `json:"status"`
	Flagged         bool          `json:"flagged"`
	HighestSeverity Severity      `json:"highest_severity"`
	TimeRemaining   int           `json:"time_remaining"`
	Fullscreen      bool          `json:"fullscreen"`
	Alerts          []Alert       `json:"alerts"`
	Degraded        []SourceKind  `json:"degraded,omitempty"`
	Reminder        string        `json:"reminder,omitempty"`
	Notice          string        `json:"notice,omitempty"`
	Warning         string        `json:"warning,omitempty"`
	WarningClass    ErrorClass    `json:"warning_class,omitempty"`
}

// SessionSummary is one row of the admin dashboard.
type SessionSummary struct {
	SessionID   string       `json:"session_id"`
	StudentID   string       `json:"student_id"`
	Status      string       `json:"status"`
	Flagged     bool         `json:"flagged"`
	StartedAt   time.Time    `json:"started_at"`
	SubmittedAt *time.Time   `json:"submitted_at,omitempty"`
	Reason      SubmitReason `json:"reason,omitempty"`
	AlertCount  int          `json:"alert_count"`
	LatestAlert string       `json:"latest_alert,omitempty"`
}
