package detection

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/invisible-tech/proctor-sensor/internal/config"
	"github.com/invisible-tech/proctor-sensor/internal/types"
)

func testThresholds() config.Thresholds {
	th := config.DefaultThresholds()
	th.AlertDebounce = time.Second
	th.TabSwitchFlagThreshold = 3
	th.MultiFaceEscalateAfter = 5 * time.Second
	return th
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func raw(sig types.Signal, at time.Duration) types.RawEvent {
	return types.RawEvent{Signal: sig, ReceivedAt: t0.Add(at), Message: sig.String()}
}

func TestDefaultRules_CoverEverySignal(t *testing.T) {
	seen := make(map[types.Signal]string)
	ids := make(map[string]bool)
	for _, r := range DefaultRules() {
		if prev, dup := seen[r.Signal]; dup {
			t.Errorf("signal %v has rules %s and %s", r.Signal, prev, r.ID)
		}
		seen[r.Signal] = r.ID
		if ids[r.ID] {
			t.Errorf("duplicate rule ID %s", r.ID)
		}
		ids[r.ID] = true
		if r.Severity == types.SeverityUnknown || r.Class == "" {
			t.Errorf("rule %s missing severity or class", r.ID)
		}
	}
	for _, s := range types.Signals() {
		if _, ok := seen[s]; !ok {
			t.Errorf("no rule for signal %v", s)
		}
	}
}

func TestClassify_SeverityTable(t *testing.T) {
	tests := []struct {
		sig  types.Signal
		want types.Severity
	}{
		{types.SignalContextMenuBlocked, types.SeverityLow},
		{types.SignalDevToolsSuspected, types.SeverityLow},
		{types.SignalTabHidden, types.SeverityMedium},
		{types.SignalCameraRevoked, types.SeverityHigh},
		{types.SignalMultipleFaces, types.SeverityMedium},
		{types.SignalCameraUnavailable, types.SeverityHigh},
		{types.SignalFullscreenDenied, types.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.sig.String(), func(t *testing.T) {
			c := NewClassifier(testThresholds(), clockwork.NewFakeClock())
			v := c.Classify(raw(tt.sig, 0))
			if v.Alert == nil {
				t.Fatal("expected an alert")
			}
			if v.Alert.Severity != tt.want {
				t.Errorf("severity = %v, want %v", v.Alert.Severity, tt.want)
			}
			if v.Alert.SourceKind != tt.sig.Kind() || v.Alert.ID == "" || v.Alert.RuleID == "" {
				t.Errorf("alert fields: %+v", v.Alert)
			}
		})
	}
}

func TestClassify_DebounceCountsButSuppresses(t *testing.T) {
	c := NewClassifier(testThresholds(), clockwork.NewFakeClock())

	first := c.Classify(raw(types.SignalShortcutBlocked, 0))
	second := c.Classify(raw(types.SignalShortcutBlocked, 300*time.Millisecond))
	third := c.Classify(raw(types.SignalShortcutBlocked, 900*time.Millisecond))
	other := c.Classify(raw(types.SignalFaceAbsent, 950*time.Millisecond))
	later := c.Classify(raw(types.SignalShortcutBlocked, 1100*time.Millisecond))

	if first.Alert == nil || second.Alert != nil || third.Alert != nil {
		t.Errorf("burst: first=%v second=%v third=%v", first.Alert, second.Alert, third.Alert)
	}
	if other.Alert == nil {
		t.Error("a different kind must not be suppressed")
	}
	if later.Alert == nil {
		t.Error("event after the window should alert")
	}
	if got := c.Count(types.SourceInput); got != 4 {
		t.Errorf("Count = %d, want 4", got)
	}
	if later.Count != 4 || later.KindCount != 4 {
		t.Errorf("verdict count = %d kind count = %d", later.Count, later.KindCount)
	}
}

func TestClassify_DebounceIsPerKind(t *testing.T) {
	c := NewClassifier(testThresholds(), clockwork.NewFakeClock())

	verdicts := []Verdict{
		c.Classify(raw(types.SignalTabHidden, 0)),
		c.Classify(raw(types.SignalRepeatedTabSwitch, 100*time.Millisecond)),
		c.Classify(raw(types.SignalContextMenuBlocked, 200*time.Millisecond)),
		c.Classify(raw(types.SignalShortcutBlocked, 300*time.Millisecond)),
	}

	alerts := make(map[types.SourceKind]int)
	for _, v := range verdicts {
		if v.Alert != nil {
			alerts[v.Alert.SourceKind]++
		}
	}
	if alerts[types.SourceVisibility] != 1 || alerts[types.SourceInput] != 1 {
		t.Errorf("alerts per kind within the window = %v, want one each", alerts)
	}
	if verdicts[1].Alert != nil || verdicts[3].Alert != nil {
		t.Error("second event of a kind inside the window must only be counted")
	}
	if c.Count(types.SourceVisibility) != 2 || c.Count(types.SourceInput) != 2 {
		t.Errorf("Counts = %v", c.Counts())
	}
}

func TestClassify_SuppressedEventKeepsSeverity(t *testing.T) {
	c := NewClassifier(testThresholds(), clockwork.NewFakeClock())

	c.Classify(raw(types.SignalFaceAbsent, 0))
	v := c.Classify(raw(types.SignalCameraRevoked, 200*time.Millisecond))
	if v.Alert != nil {
		t.Fatalf("camera revoked inside the window should be suppressed, got %+v", v.Alert)
	}
	if v.Severity != types.SeverityHigh {
		t.Errorf("Severity = %v, want HIGH", v.Severity)
	}
}

func TestClassify_TabSwitchEscalation(t *testing.T) {
	c := NewClassifier(testThresholds(), clockwork.NewFakeClock())

	var sevs []types.Severity
	var crossed []bool
	for i := 0; i < 3; i++ {
		v := c.Classify(raw(types.SignalTabHidden, time.Duration(i)*2*time.Second))
		if v.Alert == nil {
			t.Fatalf("event %d suppressed", i)
		}
		sevs = append(sevs, v.Alert.Severity)
		crossed = append(crossed, v.ThresholdCrossed)
	}
	if sevs[0] != types.SeverityMedium || sevs[1] != types.SeverityMedium || sevs[2] != types.SeverityHigh {
		t.Errorf("severities = %v", sevs)
	}
	if crossed[0] || crossed[1] || !crossed[2] {
		t.Errorf("threshold crossed = %v", crossed)
	}
	if c.TabSwitches() != 3 {
		t.Errorf("TabSwitches = %d", c.TabSwitches())
	}
}

func TestClassify_MultipleFacesEscalatesWhenSustained(t *testing.T) {
	c := NewClassifier(testThresholds(), clockwork.NewFakeClock())
	start := t0

	ev := raw(types.SignalMultipleFaces, 0)
	ev.Camera = &types.CameraState{Active: true, Faces: 2, MultiFaceDetectedAt: &start}
	if v := c.Classify(ev); v.Alert == nil || v.Alert.Severity != types.SeverityMedium {
		t.Fatalf("initial multi-face verdict: %+v", v.Alert)
	}

	ev = raw(types.SignalMultipleFaces, 5500*time.Millisecond)
	ev.Camera = &types.CameraState{Active: true, Faces: 3, MultiFaceDetectedAt: &start}
	v := c.Classify(ev)
	if v.Alert == nil || v.Alert.Severity != types.SeverityHigh || v.Alert.Class != types.ClassIntegrityBreach {
		t.Errorf("sustained multi-face verdict: %+v", v.Alert)
	}
}

func TestClassify_CountsMonotonicAndAggregated(t *testing.T) {
	c := NewClassifier(testThresholds(), clockwork.NewFakeClock())
	seq := []types.Signal{
		types.SignalContextMenuBlocked, types.SignalDragBlocked, types.SignalContextMenuBlocked,
		types.SignalFaceAbsent, types.SignalShortcutBlocked,
	}
	prev := 0
	for i, s := range seq {
		c.Classify(raw(s, time.Duration(i)*100*time.Millisecond))
		total := 0
		for _, n := range c.Counts() {
			total += n
		}
		if total < prev {
			t.Fatalf("counts decreased: %d -> %d", prev, total)
		}
		prev = total
	}
	if got := c.SignalCounts()["context_menu_blocked"]; got != 2 {
		t.Errorf("context_menu_blocked = %d", got)
	}
	kinds := c.Counts()
	if kinds["input"] != 4 || kinds["camera"] != 1 {
		t.Errorf("Counts = %v", kinds)
	}
}

func TestClassify_UnknownSignalIgnored(t *testing.T) {
	c := NewClassifier(testThresholds(), clockwork.NewFakeClock())
	v := c.Classify(types.RawEvent{Signal: types.SignalUnknown})
	if v.Alert != nil || v.Count != 0 {
		t.Errorf("unknown signal verdict = %+v", v)
	}
}

func TestClassify_UsesClockWhenUnstamped(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	c := NewClassifier(testThresholds(), clock)
	v := c.Classify(types.RawEvent{Signal: types.SignalDragBlocked})
	if v.Alert == nil || !v.Alert.Timestamp.Equal(t0) {
		t.Errorf("alert = %+v", v.Alert)
	}
	if v.Alert.Message != "Drag blocked" {
		t.Errorf("fallback message = %q", v.Alert.Message)
	}
}

func TestSetThresholds_ChangesDebounce(t *testing.T) {
	c := NewClassifier(testThresholds(), clockwork.NewFakeClock())
	th := testThresholds()
	th.AlertDebounce = 100 * time.Millisecond
	c.SetThresholds(th)

	c.Classify(raw(types.SignalRapidClicking, 0))
	if v := c.Classify(raw(types.SignalRapidClicking, 200*time.Millisecond)); v.Alert == nil {
		t.Error("shorter debounce should let the second event alert")
	}
}
