// Package exam hosts the exam clients of many candidates: it starts and
// finds sessions, reaps finished ones, keeps the cross-session alert feed
// for the admin dashboard and exports prometheus metrics.
package exam

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/config"
	"github.com/invisible-tech/proctor-sensor/internal/session"
	"github.com/invisible-tech/proctor-sensor/internal/store"
	"github.com/invisible-tech/proctor-sensor/internal/types"
	"github.com/invisible-tech/proctor-sensor/pkg/browser"
)

var (
	// ErrSessionNotFound is returned for unknown or reaped session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStudentRequired is returned when a session is started without a student ID.
	ErrStudentRequired = errors.New("student_id is required")
	// ErrShuttingDown is returned when sessions are started during shutdown.
	ErrShuttingDown = errors.New("manager is shutting down")
)

// History is the persistent record of sessions, used for sessions that are
// no longer live.
type History interface {
	RecordStart(ctx context.Context, sessionID, studentID string, startedAt time.Time, duration time.Duration) error
	ListSessions(ctx context.Context) ([]types.SessionSummary, error)
	Alerts(ctx context.Context, sessionID string) ([]types.Alert, error)
}

// FeedEntry is one alert in the cross-session feed.
type FeedEntry struct {
	SessionID string `json:"session_id"`
	StudentID string `json:"student_id"`
	types.Alert
}

// StartRequest describes a new session.
type StartRequest struct {
	StudentID string
	Duration  time.Duration
	Telemetry browser.Telemetry
}

// Manager owns every live exam client.
type Manager struct {
	log       *logrus.Logger
	clock     clockwork.Clock
	reporters []session.Reporter
	history   History

	cfgMu sync.RWMutex
	cfg   config.ProctorConfig

	mu       sync.RWMutex
	clients  map[string]*Client
	stopping bool

	feedMu sync.RWMutex
	feed   []FeedEntry

	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the clock shared by every session.
func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithReporter adds a collaborator that receives flags and submissions.
func WithReporter(r session.Reporter) Option {
	return func(m *Manager) { m.reporters = append(m.reporters, r) }
}

// WithHistory sets the persistent session record. A history that also
// implements session.Reporter receives flags and submissions too.
func WithHistory(h History) Option {
	return func(m *Manager) {
		m.history = h
		if r, ok := h.(session.Reporter); ok {
			m.reporters = append(m.reporters, r)
		}
	}
}

// NewManager creates a manager with no sessions.
func NewManager(cfg config.ProctorConfig, log *logrus.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:     log,
		clock:   clockwork.NewRealClock(),
		cfg:     cfg,
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) config() config.ProctorConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// SetThresholds applies reloaded thresholds. Sensors of live sessions keep
// the values they started with; classification of live sessions and every
// later session use the new ones.
func (m *Manager) SetThresholds(th config.Thresholds) {
	m.cfgMu.Lock()
	m.cfg.Thresholds = th
	m.cfgMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		c.machine.SetThresholds(th)
	}
	m.log.WithField("sessions", len(m.clients)).Info("Thresholds updated")
}

// StartSession creates and starts an exam client.
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (*Client, error) {
	if req.StudentID == "" {
		return nil, ErrStudentRequired
	}
	cfg := m.config()
	duration := req.Duration
	if duration <= 0 {
		duration = cfg.ExamDuration
	}
	if duration < time.Second {
		return nil, fmt.Errorf("duration must be at least 1s, got %v", duration)
	}

	m.mu.RLock()
	stopping := m.stopping
	m.mu.RUnlock()
	if stopping {
		return nil, ErrShuttingDown
	}

	id := uuid.NewString()
	if m.history != nil {
		if err := m.history.RecordStart(ctx, id, req.StudentID, m.clock.Now(), duration); err != nil {
			return nil, fmt.Errorf("record session start: %w", err)
		}
	}

	var reporter session.Reporter
	if len(m.reporters) > 0 {
		reporter = newFanout(m.reporters)
	}
	c := NewClient(ClientConfig{
		SessionID:  id,
		StudentID:  req.StudentID,
		Duration:   duration,
		Thresholds: cfg.Thresholds,
		Delivery:   cfg.Delivery,
		Clock:      m.clock,
	}, reporter, &observer{m: m, sessionID: id, studentID: req.StudentID}, m.log)

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.clients[id] = c
	m.mu.Unlock()

	activeSessions.Inc()
	c.Start(m.ctx, req.Telemetry)
	m.log.WithFields(logrus.Fields{
		"session_id": id,
		"student_id": req.StudentID,
		"sensors":    c.SensorNames(),
	}).Info("Session created")
	return c, nil
}

// Session returns a live client.
func (m *Manager) Session(id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return c, nil
}

// Sessions returns the dashboard rows of live sessions and, when a history
// is configured, of stored sessions that are no longer live. Most recently
// started first.
func (m *Manager) Sessions(ctx context.Context) ([]types.SessionSummary, error) {
	m.mu.RLock()
	out := make([]types.SessionSummary, 0, len(m.clients))
	live := make(map[string]bool, len(m.clients))
	for id, c := range m.clients {
		out = append(out, c.machine.Summary())
		live[id] = true
	}
	m.mu.RUnlock()

	if m.history != nil {
		stored, err := m.history.ListSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("list stored sessions: %w", err)
		}
		for _, s := range stored {
			if !live[s.SessionID] {
				out = append(out, s)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// SessionAlerts returns the full alert log of a session, live or stored.
func (m *Manager) SessionAlerts(ctx context.Context, id string) ([]types.Alert, error) {
	if c, err := m.Session(id); err == nil {
		return c.machine.Alerts().All(), nil
	}
	if m.history == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	alerts, err := m.history.Alerts(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load stored alerts: %w", err)
	}
	return alerts, nil
}

// RecentAlerts returns up to limit alerts across sessions, most recent last.
func (m *Manager) RecentAlerts(limit int) []FeedEntry {
	m.feedMu.RLock()
	defer m.feedMu.RUnlock()
	n := len(m.feed)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]FeedEntry, limit)
	copy(out, m.feed[n-limit:])
	return out
}

func (m *Manager) pushFeed(e FeedEntry) {
	size := m.config().AlertFeedSize
	m.feedMu.Lock()
	defer m.feedMu.Unlock()
	m.feed = append(m.feed, e)
	if size > 0 && len(m.feed) > size {
		m.feed = m.feed[len(m.feed)-size:]
	}
}

// Run reaps finished sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.config().ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Reap()
		}
	}
}

// Reap drops sessions that were submitted longer ago than the retention
// and whose delivery has finished. It returns how many were dropped.
func (m *Manager) Reap() int {
	retention := m.config().SessionRetention
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := 0
	for id, c := range m.clients {
		sub := c.machine.Submission()
		if sub == nil || now.Sub(sub.SubmittedAt) <= retention {
			continue
		}
		select {
		case <-c.machine.Done():
		default:
			continue
		}
		delete(m.clients, id)
		reaped++
		m.log.WithField("session_id", id).Debug("Session reaped")
	}
	return reaped
}

// Shutdown aborts every live session and waits for their deliveries.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		if c.Abort() {
			m.log.WithField("session_id", c.ID()).Info("Session aborted on shutdown")
		}
	}
	var err error
	for _, c := range clients {
		if werr := c.machine.Wait(ctx); werr != nil {
			err = fmt.Errorf("wait for session %s: %w", c.ID(), werr)
			break
		}
	}
	m.cancel()
	return err
}

// observer turns session lifecycle events into metrics and the alert feed.
type observer struct {
	m         *Manager
	sessionID string
	studentID string
}

func (o *observer) AlertRaised(a types.Alert) {
	alertsRaised.WithLabelValues(a.Signal.String(), a.Severity.String()).Inc()
	o.m.pushFeed(FeedEntry{SessionID: o.sessionID, StudentID: o.studentID, Alert: a})
}

func (o *observer) Suppressed(ev types.RawEvent) {
	alertsSuppressed.WithLabelValues(ev.Signal.String()).Inc()
}

func (o *observer) Flagged(types.FlagNotice) {
	sessionsFlagged.Inc()
}

func (o *observer) Submitted(s types.Submission) {
	submissions.WithLabelValues(string(s.Reason)).Inc()
	activeSessions.Dec()
}

func (o *observer) DeliveryFailed(err error) {
	deliveryFailures.Inc()
	o.m.log.WithError(err).WithField("session_id", o.sessionID).Error("Submission lost for grading")
}
