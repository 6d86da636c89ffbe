package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSignal_EveryKnownSignalHasAKind(t *testing.T) {
	for _, s := range Signals() {
		if s.Kind() == SourceUnknown {
			t.Errorf("signal %v has no source kind", s)
		}
		if s.String() == "unknown" {
			t.Errorf("signal %d has no name", int(s))
		}
	}
	if SignalUnknown.Kind() != SourceUnknown {
		t.Errorf("SignalUnknown.Kind() = %v", SignalUnknown.Kind())
	}
}

func TestSignal_KindMapping(t *testing.T) {
	cases := map[Signal]SourceKind{
		SignalTabHidden:         SourceVisibility,
		SignalShortcutBlocked:   SourceInput,
		SignalFullscreenExited:  SourceFullscreen,
		SignalDevToolsSuspected: SourceGeometry,
		SignalRapidClicking:     SourceClick,
		SignalMultipleFaces:     SourceCamera,
	}
	for sig, want := range cases {
		if got := sig.Kind(); got != want {
			t.Errorf("%v.Kind() = %v, want %v", sig, got, want)
		}
	}
}

func TestAlert_JSONUsesNames(t *testing.T) {
	a := Alert{
		ID:         "a-1",
		Timestamp:  time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		SourceKind: SourceCamera,
		Signal:     SignalCameraRevoked,
		Message:    "Webcam access revoked - exam security compromised",
		Severity:   SeverityHigh,
		Class:      ClassIntegrityBreach,
	}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if raw["source_kind"] != "camera" || raw["signal"] != "camera_revoked" || raw["severity"] != "HIGH" {
		t.Errorf("encoded alert: %s", data)
	}

	var back Alert
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal into Alert: %v", err)
	}
	if back.Signal != SignalCameraRevoked || back.Severity != SeverityHigh || back.SourceKind != SourceCamera {
		t.Errorf("decoded alert: %+v", back)
	}
}

func TestSeverity_UnmarshalRejectsUnknown(t *testing.T) {
	var s Severity
	if err := s.UnmarshalText([]byte("CRITICAL")); err == nil {
		t.Error("expected error for CRITICAL")
	}
	if err := s.UnmarshalText([]byte("medium")); err != nil || s != SeverityMedium {
		t.Errorf("UnmarshalText(medium) = %v, %v", s, err)
	}
}

func TestAlert_String(t *testing.T) {
	a := Alert{Timestamp: time.Date(2024, 1, 1, 9, 5, 7, 0, time.UTC), Message: "Right-click disabled during exam"}
	if got := a.String(); got != "09:05:07: Right-click disabled during exam" {
		t.Errorf("String() = %q", got)
	}
}
