package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/invisible-tech/proctor-sensor/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "proctor.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustRecordStart(t *testing.T, s *Store, id, student string, at time.Time) {
	t.Helper()
	if err := s.RecordStart(context.Background(), id, student, at, time.Hour); err != nil {
		t.Fatalf("RecordStart(%s): %v", id, err)
	}
}

var started = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func testAlert(id string, seq uint64, at time.Time, sig types.Signal, sev types.Severity, msg string) types.Alert {
	return types.Alert{
		ID: id, Seq: seq, Timestamp: at, SourceKind: sig.Kind(), Signal: sig,
		Message: msg, Severity: sev, Class: types.ClassPolicyViolation, RuleID: "PRX-000",
	}
}

func TestStore_RecordStartAndList(t *testing.T) {
	s := openTestStore(t)
	mustRecordStart(t, s, "sess-1", "student-1", started)
	mustRecordStart(t, s, "sess-2", "student-2", started.Add(time.Minute))

	list, err := s.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}
	if list[0].SessionID != "sess-2" {
		t.Errorf("first session = %s, want most recent first", list[0].SessionID)
	}
	old := list[1]
	if old.Status != "active" || old.Flagged || old.SubmittedAt != nil {
		t.Errorf("new session row = %+v", old)
	}
	if !old.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", old.StartedAt, started)
	}
}

func TestStore_RecordStartDuplicate(t *testing.T) {
	s := openTestStore(t)
	mustRecordStart(t, s, "sess-1", "student-1", started)
	if err := s.RecordStart(context.Background(), "sess-1", "student-1", started, time.Hour); err == nil {
		t.Error("duplicate session ID should fail")
	}
}

func TestStore_ReportFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRecordStart(t, s, "sess-1", "student-1", started)

	a := testAlert("a-1", 1, started.Add(time.Minute), types.SignalRepeatedTabSwitch, types.SeverityHigh,
		"Multiple tab switches - exam flagged for review")
	notice := types.FlagNotice{SessionID: "sess-1", StudentID: "student-1", FlaggedAt: a.Timestamp, Reason: a.Message, Alert: &a}
	if err := s.ReportFlag(ctx, notice); err != nil {
		t.Fatalf("ReportFlag: %v", err)
	}
	// Redelivery of the notice keeps the first flag.
	if err := s.ReportFlag(ctx, notice); err != nil {
		t.Fatalf("ReportFlag again: %v", err)
	}

	sum, err := s.Session(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !sum.Flagged || sum.Status != "active" {
		t.Errorf("summary = %+v", sum)
	}
}

func TestStore_ReportFlagWithoutAlert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRecordStart(t, s, "sess-1", "student-1", started)

	notice := types.FlagNotice{SessionID: "sess-1", StudentID: "student-1", FlaggedAt: started, Reason: "camera_revoked"}
	if err := s.ReportFlag(ctx, notice); err != nil {
		t.Fatalf("ReportFlag: %v", err)
	}
	sum, err := s.Session(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !sum.Flagged {
		t.Error("session should be flagged")
	}
}

func TestStore_ReportFlagUnknownSession(t *testing.T) {
	s := openTestStore(t)
	err := s.ReportFlag(context.Background(), types.FlagNotice{SessionID: "nope", FlaggedAt: started, Reason: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_DeliverSubmission(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRecordStart(t, s, "sess-1", "student-1", started)

	sub := types.Submission{
		SessionID:     "sess-1",
		StudentID:     "student-1",
		Reason:        types.ReasonTimeout,
		SubmittedAt:   started.Add(time.Hour),
		TimeRemaining: 0,
		Flagged:       true,
		AlertLog: []types.Alert{
			testAlert("a-1", 1, started.Add(10*time.Second), types.SignalContextMenuBlocked, types.SeverityLow,
				"Right-click disabled during exam"),
			testAlert("a-2", 2, started.Add(20*time.Second), types.SignalMultipleFaces, types.SeverityHigh,
				"Multiple faces detected"),
		},
		ViolationCounts: map[string]int{"input": 1, "camera": 3},
	}
	if err := s.DeliverSubmission(ctx, sub); err != nil {
		t.Fatalf("DeliverSubmission: %v", err)
	}
	if err := s.DeliverSubmission(ctx, sub); err != nil {
		t.Fatalf("redelivery should be harmless: %v", err)
	}

	sum, err := s.Session(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sum.Status != "completed" || !sum.Flagged || sum.Reason != types.ReasonTimeout {
		t.Errorf("summary = %+v", sum)
	}
	if sum.SubmittedAt == nil || !sum.SubmittedAt.Equal(sub.SubmittedAt) {
		t.Errorf("SubmittedAt = %v, want %v", sum.SubmittedAt, sub.SubmittedAt)
	}
	if sum.AlertCount != 2 {
		t.Errorf("AlertCount = %d, want 2", sum.AlertCount)
	}
	if want := "09:00:20: Multiple faces detected"; sum.LatestAlert != want {
		t.Errorf("LatestAlert = %q, want %q", sum.LatestAlert, want)
	}

	alerts, err := s.Alerts(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerts))
	}
	if alerts[0].ID != "a-1" {
		t.Errorf("first alert = %s", alerts[0].ID)
	}
	got := alerts[1]
	if got.Signal != types.SignalMultipleFaces || got.SourceKind != types.SourceCamera || got.Severity != types.SeverityHigh {
		t.Errorf("second alert = %+v", got)
	}
	if !got.Timestamp.Equal(sub.AlertLog[1].Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, sub.AlertLog[1].Timestamp)
	}
}

func TestStore_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Session(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Session err = %v", err)
	}
	if _, err := s.Alerts(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Alerts err = %v", err)
	}
	err := s.DeliverSubmission(ctx, types.Submission{SessionID: "missing", SubmittedAt: started})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("DeliverSubmission err = %v", err)
	}
}

func TestStore_EmptyAlertLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustRecordStart(t, s, "sess-1", "student-1", started)

	alerts, err := s.Alerts(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %+v", alerts)
	}

	sum, err := s.Session(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sum.LatestAlert != "" || sum.AlertCount != 0 {
		t.Errorf("summary = %+v", sum)
	}
}
