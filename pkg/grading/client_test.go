package grading

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/types"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func canListen(t *testing.T) bool {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind for test: %v", err)
		return false
	}
	ln.Close()
	return true
}

func newClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := NewClient(Config{Endpoint: endpoint, APIKey: "my-key", Timeout: 5 * time.Second}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func sampleSubmission() types.Submission {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return types.Submission{
		SessionID:     "sess-1",
		StudentID:     "student-1",
		Reason:        types.ReasonVoluntary,
		SubmittedAt:   at,
		TimeRemaining: 120,
		Flagged:       true,
		AlertLog: []types.Alert{{
			ID: "a-1", Timestamp: at, SourceKind: types.SourceCamera, Signal: types.SignalCameraRevoked,
			Message: "Webcam access revoked - exam security compromised", Severity: types.SeverityHigh,
			Class: types.ClassIntegrityBreach, RuleID: "PRX-014",
		}},
		ViolationCounts: map[string]int{"camera": 1},
	}
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "https://grading.example.com/", APIKey: "key"}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.httpClient.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", c.httpClient.Timeout)
	}
	if c.endpoint != "https://grading.example.com" {
		t.Errorf("endpoint = %q, trailing slash should be trimmed", c.endpoint)
	}
}

func TestClient_NotConfigured(t *testing.T) {
	c := newClient(t, "")
	ctx := context.Background()
	if err := c.DeliverSubmission(ctx, sampleSubmission()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("DeliverSubmission = %v", err)
	}
	if err := c.ReportFlag(ctx, types.FlagNotice{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("ReportFlag = %v", err)
	}
	if err := c.HealthCheck(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("HealthCheck = %v", err)
	}
}

func TestClient_DeliverSubmission_Success(t *testing.T) {
	if !canListen(t) {
		return
	}
	var got types.Submission
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/submissions" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer my-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "proctor-sensor/") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	if err := c.DeliverSubmission(context.Background(), sampleSubmission()); err != nil {
		t.Fatalf("DeliverSubmission: %v", err)
	}
	if got.StudentID != "student-1" || !got.Flagged || len(got.AlertLog) != 1 {
		t.Errorf("server received %+v", got)
	}
	if got.AlertLog[0].Severity != types.SeverityHigh {
		t.Errorf("alert severity = %v", got.AlertLog[0].Severity)
	}
}

func TestClient_DeliverSubmission_RejectsInvalidPayload(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	sub := sampleSubmission()
	sub.StudentID = ""
	err := c.DeliverSubmission(context.Background(), sub)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("invalid payload must not be sent")
	}
}

func TestClient_DeliverSubmission_RejectsUnknownCountKind(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "https://grading.example.com", APIKey: "key"}, quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	sub := sampleSubmission()
	sub.ViolationCounts = map[string]int{"camera_revoked": 1}
	if err := c.DeliverSubmission(context.Background(), sub); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}
}

func TestClient_DeliverSubmission_ServerError(t *testing.T) {
	if !canListen(t) {
		return
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	err := c.DeliverSubmission(context.Background(), sampleSubmission())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v", err)
	}
}

func TestClient_ReportFlag(t *testing.T) {
	if !canListen(t) {
		return
	}
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	sub := sampleSubmission()
	err := c.ReportFlag(context.Background(), types.FlagNotice{
		SessionID: "sess-1", StudentID: "student-1", FlaggedAt: sub.SubmittedAt,
		Reason: "Multiple tab switches - exam flagged for review", Alert: &sub.AlertLog[0],
	})
	if err != nil {
		t.Fatalf("ReportFlag: %v", err)
	}
	if path != "/api/v1/flags" {
		t.Errorf("path = %q", path)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	if !canListen(t) {
		return
	}
	healthy := int32(1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || atomic.LoadInt32(&healthy) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	atomic.StoreInt32(&healthy, 0)
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("expected error from unhealthy service")
	}
}
