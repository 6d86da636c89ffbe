// Package detection classifies raw integrity events into alerts: it assigns
// severity from a static rule table, keeps the per-kind violation counters
// and collapses bursts of one kind within the debounce window.
package detection

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/invisible-tech/proctor-sensor/internal/config"
	"github.com/invisible-tech/proctor-sensor/internal/types"
)

// Rule defines how one signal is classified.
type Rule struct {
	ID       string
	Name     string
	Signal   types.Signal
	Severity types.Severity
	Class    types.ErrorClass
	// Escalate raises the alert to High when it returns true. count is the
	// running count of the rule's own signal.
	Escalate func(ev types.RawEvent, count int, th config.Thresholds) bool
	// FlagAt returns the signal count at which the session is flagged, or 0
	// when counting never flags.
	FlagAt func(th config.Thresholds) int
}

// Counter is the running count for one source kind, with the signals that
// make it up.
type Counter struct {
	Count   int                  `json:"count"`
	Last    time.Time            `json:"last"`
	Signals map[types.Signal]int `json:"signals"`
}

// Verdict is the outcome of classifying one raw event. Alert is nil when the
// event was counted but fell inside the debounce window of its kind.
// Severity is set either way, so a suppressed High event still flags.
type Verdict struct {
	Alert            *types.Alert
	Severity         types.Severity
	Count            int
	KindCount        int
	ThresholdCrossed bool
}

// Classifier is owned by one session. Counters start at zero and are never
// decremented.
type Classifier struct {
	clock clockwork.Clock
	rules map[types.Signal]*Rule

	mu          sync.Mutex
	th          config.Thresholds
	counters    map[types.SourceKind]*Counter
	lastAlerted map[types.SourceKind]time.Time
}

// NewClassifier creates a classifier with the default rule set.
func NewClassifier(th config.Thresholds, clock clockwork.Clock) *Classifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Classifier{
		clock:       clock,
		rules:       make(map[types.Signal]*Rule),
		th:          th,
		counters:    make(map[types.SourceKind]*Counter),
		lastAlerted: make(map[types.SourceKind]time.Time),
	}
	for _, r := range DefaultRules() {
		c.rules[r.Signal] = r
	}
	return c
}

// SetThresholds swaps the thresholds used for debounce and escalation.
func (c *Classifier) SetThresholds(th config.Thresholds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.th = th
}

// Rule returns the rule for sig, or nil.
func (c *Classifier) Rule(sig types.Signal) *Rule {
	return c.rules[sig]
}

// Classify counts ev against its source kind and, unless an alert for the
// same kind was raised within the debounce window, turns it into an Alert.
func (c *Classifier) Classify(ev types.RawEvent) Verdict {
	rule := c.rules[ev.Signal]
	if rule == nil {
		return Verdict{}
	}
	kind := ev.Kind()
	at := ev.ReceivedAt
	if at.IsZero() {
		at = c.clock.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ctr := c.counters[kind]
	if ctr == nil {
		ctr = &Counter{Signals: make(map[types.Signal]int)}
		c.counters[kind] = ctr
	}
	ctr.Count++
	ctr.Last = at
	ctr.Signals[ev.Signal]++
	count := ctr.Signals[ev.Signal]

	severity, class := rule.Severity, rule.Class
	if rule.Escalate != nil && rule.Escalate(ev, count, c.th) {
		severity, class = types.SeverityHigh, types.ClassIntegrityBreach
	}
	v := Verdict{Severity: severity, Count: count, KindCount: ctr.Count}
	if rule.FlagAt != nil {
		if n := rule.FlagAt(c.th); n > 0 && count >= n {
			v.ThresholdCrossed = true
		}
	}

	if last, ok := c.lastAlerted[kind]; ok && at.Sub(last) < c.th.AlertDebounce {
		return v
	}
	c.lastAlerted[kind] = at

	msg := ev.Message
	if msg == "" {
		msg = rule.Name
	}
	v.Alert = &types.Alert{
		ID:         uuid.NewString(),
		Seq:        ev.Seq,
		Timestamp:  at,
		SourceKind: kind,
		Signal:     ev.Signal,
		Message:    msg,
		Severity:   severity,
		Class:      class,
		RuleID:     rule.ID,
	}
	return v
}

// Count returns the running count for kind.
func (c *Classifier) Count(kind types.SourceKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr := c.counters[kind]; ctr != nil {
		return ctr.Count
	}
	return 0
}

// SignalCount returns how many events of sig have been counted.
func (c *Classifier) SignalCount(sig types.Signal) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr := c.counters[sig.Kind()]; ctr != nil {
		return ctr.Signals[sig]
	}
	return 0
}

// TabSwitches returns how many hidden-tab events have been counted.
func (c *Classifier) TabSwitches() int {
	return c.SignalCount(types.SignalTabHidden)
}

// Counts returns the counters keyed by source kind name.
func (c *Classifier) Counts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counters))
	for kind, ctr := range c.counters {
		out[kind.String()] = ctr.Count
	}
	return out
}

// SignalCounts breaks the counters down by signal name.
func (c *Classifier) SignalCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int)
	for _, ctr := range c.counters {
		for sig, n := range ctr.Signals {
			out[sig.String()] = n
		}
	}
	return out
}

// DefaultRules returns the severity table.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:       "PRX-001",
			Name:     "Tab hidden",
			Signal:   types.SignalTabHidden,
			Severity: types.SeverityMedium,
			Class:    types.ClassPolicyViolation,
			Escalate: func(_ types.RawEvent, count int, th config.Thresholds) bool {
				return count >= th.TabSwitchFlagThreshold
			},
			FlagAt: func(th config.Thresholds) int { return th.TabSwitchFlagThreshold },
		},
		{
			ID:       "PRX-002",
			Name:     "Repeated tab switching",
			Signal:   types.SignalRepeatedTabSwitch,
			Severity: types.SeverityHigh,
			Class:    types.ClassIntegrityBreach,
		},
		{
			ID:       "PRX-003",
			Name:     "Context menu blocked",
			Signal:   types.SignalContextMenuBlocked,
			Severity: types.SeverityLow,
			Class:    types.ClassPolicyViolation,
		},
		{
			ID:       "PRX-004",
			Name:     "Drag blocked",
			Signal:   types.SignalDragBlocked,
			Severity: types.SeverityLow,
			Class:    types.ClassPolicyViolation,
		},
		{
			ID:       "PRX-005",
			Name:     "Selection blocked",
			Signal:   types.SignalSelectionBlocked,
			Severity: types.SeverityLow,
			Class:    types.ClassPolicyViolation,
		},
		{
			ID:       "PRX-006",
			Name:     "Keyboard shortcut blocked",
			Signal:   types.SignalShortcutBlocked,
			Severity: types.SeverityLow,
			Class:    types.ClassPolicyViolation,
		},
		{
			ID:       "PRX-007",
			Name:     "Tab switch attempt",
			Signal:   types.SignalTabSwitchAttempt,
			Severity: types.SeverityMedium,
			Class:    types.ClassPolicyViolation,
		},
		{
			ID:       "PRX-008",
			Name:     "Navigation blocked",
			Signal:   types.SignalNavigationBlocked,
			Severity: types.SeverityLow,
			Class:    types.ClassPolicyViolation,
		},
		{
			ID:       "PRX-009",
			Name:     "Fullscreen exited",
			Signal:   types.SignalFullscreenExited,
			Severity: types.SeverityMedium,
			Class:    types.ClassPolicyViolation,
		},
		{
			ID:       "PRX-010",
			Name:     "Fullscreen unavailable",
			Signal:   types.SignalFullscreenDenied,
			Severity: types.SeverityHigh,
			Class:    types.ClassSensorUnavailable,
		},
		{
			ID:       "PRX-011",
			Name:     "Developer tools suspected",
			Signal:   types.SignalDevToolsSuspected,
			Severity: types.SeverityLow,
			Class:    types.ClassPolicyViolation,
		},
		{
			ID:       "PRX-012",
			Name:     "Rapid clicking",
			Signal:   types.SignalRapidClicking,
			Severity: types.SeverityLow,
			Class:    types.ClassPolicyViolation,
		},
		{
			ID:       "PRX-013",
			Name:     "Camera unavailable",
			Signal:   types.SignalCameraUnavailable,
			Severity: types.SeverityHigh,
			Class:    types.ClassSensorUnavailable,
		},
		{
			ID:       "PRX-014",
			Name:     "Camera revoked",
			Signal:   types.SignalCameraRevoked,
			Severity: types.SeverityHigh,
			Class:    types.ClassIntegrityBreach,
		},
		{
			ID:       "PRX-015",
			Name:     "Face absent",
			Signal:   types.SignalFaceAbsent,
			Severity: types.SeverityMedium,
			Class:    types.ClassPolicyViolation,
		},
		{
			ID:       "PRX-016",
			Name:     "Multiple faces",
			Signal:   types.SignalMultipleFaces,
			Severity: types.SeverityMedium,
			Class:    types.ClassIntegrityBreach,
			Escalate: func(ev types.RawEvent, _ int, th config.Thresholds) bool {
				if ev.Camera == nil || ev.Camera.MultiFaceDetectedAt == nil || ev.ReceivedAt.IsZero() {
					return false
				}
				return ev.ReceivedAt.Sub(*ev.Camera.MultiFaceDetectedAt) > th.MultiFaceEscalateAfter
			},
		},
	}
}
