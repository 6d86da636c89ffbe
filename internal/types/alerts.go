package types

import (
	"fmt"
	"strings"
	"time"
)

// Severity tiers for classified alerts.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "UNKNOWN", "":
		*s = SeverityUnknown
	default:
		return fmt.Errorf("unknown severity %q", string(b))
	}
	return nil
}

// ErrorClass places an alert in the integrity error taxonomy.
type ErrorClass string

const (
	ClassSensorUnavailable ErrorClass = "sensor_unavailable"
	ClassTransientGlitch   ErrorClass = "transient_glitch"
	ClassPolicyViolation   ErrorClass = "policy_violation"
	ClassIntegrityBreach   ErrorClass = "integrity_breach"
	ClassSubmissionFailure ErrorClass = "submission_failure"
)

// Alert is a classified, timestamped integrity event. Alerts are created by
// the classifier only and never mutated afterwards.
type Alert struct {
	ID         string     `json:"id"`
	Seq        uint64     `json:"seq"`
	Timestamp  time.Time  `json:"timestamp"`
	SourceKind SourceKind `json:"source_kind"`
	Signal     Signal     `json:"signal"`
	Message    string     `json:"message"`
	Severity   Severity   `json:"severity"`
	Class      ErrorClass `json:"class"`
	RuleID     string     `json:"rule_id"`
}

// String renders the alert the way the candidate's alert panel shows it.
func (a Alert) String() string {
	return fmt.Sprintf("%s: %s", a.Timestamp.Format("15:04:05"), a.Message)
}
