// Package session owns the exam lifecycle. A Machine consumes classified
// alerts, runs the countdown, keeps the sticky flag and performs the single
// submission that ends the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/config"
	"github.com/invisible-tech/proctor-sensor/internal/detection"
	"github.com/invisible-tech/proctor-sensor/internal/types"
	"github.com/invisible-tech/proctor-sensor/pkg/browser"
	"github.com/invisible-tech/proctor-sensor/pkg/collector"
	"github.com/invisible-tech/proctor-sensor/pkg/sensor"
)

// ErrDeliveryFailed is returned when every delivery attempt failed.
var ErrDeliveryFailed = errors.New("delivery to grading collaborator failed")

const (
	reminderText        = "Please return to fullscreen mode to continue your exam"
	deliveryWarningText = "Your answers could not be saved to the server. Please contact your proctor."
)

// Reporter is the grading/admin collaborator.
type Reporter interface {
	ReportFlag(ctx context.Context, n types.FlagNotice) error
	DeliverSubmission(ctx context.Context, s types.Submission) error
}

// Display receives every rendered view. It must not block.
type Display interface {
	Render(v types.View)
}

// Observer is notified of lifecycle events, for metrics and feeds.
type Observer interface {
	AlertRaised(a types.Alert)
	Suppressed(ev types.RawEvent)
	Flagged(n types.FlagNotice)
	Submitted(s types.Submission)
	DeliveryFailed(err error)
}

// Sensors is the set of sources a machine tears down on submit.
type Sensors interface {
	Start(emit sensor.Emitter) (stop func())
}

// Config for one session
type Config struct {
	SessionID  string
	StudentID  string
	Duration   time.Duration
	Thresholds config.Thresholds
	Delivery   config.DeliveryConfig
	Clock      clockwork.Clock
}

// Machine is the session state machine.
type Machine struct {
	cfg      Config
	log      *logrus.Logger
	clock    clockwork.Clock
	fs       browser.Fullscreen
	reporter Reporter
	display  Display
	observer Observer

	classifier *detection.Classifier
	bus        *collector.AlertBus
	alerts     *collector.Log

	initial int

	mu           sync.Mutex
	started      bool
	status       types.SessionStatus
	flagged      bool
	highest      types.Severity
	remaining    int
	degraded     map[types.SourceKind]bool
	reminder     string
	notice       string
	warning      string
	warningClass types.ErrorClass
	startedAt    time.Time
	submittedAt  time.Time
	reason       types.SubmitReason
	submission   *types.Submission
	deliveryErr  error
	stopSensors  func()
	stopTimer    context.CancelFunc
	stopBus      context.CancelFunc
	stopReminder context.CancelFunc
	baseCtx      context.Context

	renderMu sync.Mutex

	tasks sync.WaitGroup
	done  chan struct{}
}

// Option customizes a Machine.
type Option func(*Machine)

// WithDisplay sets the display sink.
func WithDisplay(d Display) Option { return func(m *Machine) { m.display = d } }

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option { return func(m *Machine) { m.observer = o } }

// New creates a machine in the Running state. Nothing runs until Start.
func New(cfg Config, fs browser.Fullscreen, reporter Reporter, log *logrus.Logger, opts ...Option) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	initial := int(cfg.Duration / time.Second)
	if initial < 1 {
		initial = 1
	}
	m := &Machine{
		cfg:        cfg,
		log:        log,
		clock:      cfg.Clock,
		fs:         fs,
		reporter:   reporter,
		classifier: detection.NewClassifier(cfg.Thresholds, cfg.Clock),
		bus:        collector.New(collector.Config{SessionID: cfg.SessionID, Clock: cfg.Clock}, log),
		alerts:     collector.NewLog(cfg.SessionID, log),
		initial:    initial,
		status:     types.StatusRunning,
		remaining:  initial,
		degraded:   make(map[types.SourceKind]bool),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Classifier exposes the classifier so sensors can read its counters.
func (m *Machine) Classifier() *detection.Classifier { return m.classifier }

// Alerts returns the session's alert log.
func (m *Machine) Alerts() *collector.Log { return m.alerts }

// Bus returns the alert bus sensors publish to.
func (m *Machine) Bus() *collector.AlertBus { return m.bus }

func (m *Machine) logger() *logrus.Entry {
	return m.log.WithFields(logrus.Fields{"session_id": m.cfg.SessionID, "student_id": m.cfg.StudentID})
}

// Start attaches the sensors to the bus and starts the countdown. Calling
// Start again, or after submission, does nothing.
func (m *Machine) Start(ctx context.Context, sensors Sensors) {
	m.mu.Lock()
	if m.started || m.status == types.StatusSubmitted {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.startedAt = m.clock.Now()
	m.baseCtx = context.WithoutCancel(ctx)

	busCtx, stopBus := context.WithCancel(ctx)
	timerCtx, stopTimer := context.WithCancel(ctx)
	m.stopBus, m.stopTimer = stopBus, stopTimer
	ticker := m.clock.NewTicker(time.Second)
	m.mu.Unlock()

	m.bus.Subscribe(m.handle)
	go func() { _ = m.bus.Start(busCtx) }()
	go m.runTimer(timerCtx, ticker)

	var stop func()
	if sensors != nil {
		stop = sensors.Start(func(ev types.RawEvent) { m.bus.Publish(ev) })
	}

	m.mu.Lock()
	if m.status == types.StatusSubmitted {
		// Submitted while the sensors were starting.
		m.mu.Unlock()
		if stop != nil {
			stop()
		}
		return
	}
	m.stopSensors = stop
	m.mu.Unlock()

	m.logger().WithField("duration_seconds", m.initial).Info("Exam session started")
	m.render()
}

func (m *Machine) runTimer(ctx context.Context, ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			remaining, ok := m.tick()
			if !ok {
				return
			}
			if remaining == 0 {
				m.logger().Info("Time is up, submitting")
				m.Submit(types.ReasonTimeout)
				return
			}
		}
	}
}

// tick decrements the countdown once. It reports false after submission.
func (m *Machine) tick() (int, bool) {
	m.mu.Lock()
	if m.status == types.StatusSubmitted {
		m.mu.Unlock()
		return 0, false
	}
	if m.remaining > 0 {
		m.remaining--
	}
	r := m.remaining
	m.mu.Unlock()
	m.render()
	return r, true
}

// handle classifies one raw event. The bus calls it serially.
func (m *Machine) handle(ev types.RawEvent) {
	m.mu.Lock()
	if m.status == types.StatusSubmitted {
		m.mu.Unlock()
		return
	}

	v := m.classifier.Classify(ev)
	var notice *types.FlagNotice
	if v.Alert != nil {
		m.alerts.Append(*v.Alert)
	}
	if v.Severity > m.highest {
		m.highest = v.Severity
	}
	switch ev.Signal {
	case types.SignalCameraUnavailable, types.SignalCameraRevoked, types.SignalFullscreenDenied:
		m.degraded[ev.Kind()] = true
	}
	high := v.Severity == types.SeverityHigh
	if (high || v.ThresholdCrossed) && !m.flagged {
		m.flagged = true
		m.status = types.StatusFlagged
		reason := fmt.Sprintf("%s count reached %d", ev.Signal, v.Count)
		switch {
		case high && v.Alert != nil:
			reason = v.Alert.Message
		case high && ev.Message != "":
			reason = ev.Message
		}
		notice = &types.FlagNotice{
			SessionID: m.cfg.SessionID,
			StudentID: m.cfg.StudentID,
			FlaggedAt: m.clock.Now(),
			Reason:    reason,
			Alert:     v.Alert,
		}
		m.tasks.Add(1)
	}
	refullscreen := ev.Signal == types.SignalFullscreenExited
	if refullscreen {
		m.tasks.Add(1)
	}
	m.mu.Unlock()

	if v.Alert == nil {
		m.logger().WithFields(logrus.Fields{
			"signal": ev.Signal,
			"kind":   ev.Kind(),
			"count":  v.KindCount,
		}).Debug("Alert within debounce window suppressed")
	}
	if m.observer != nil {
		if v.Alert != nil {
			m.observer.AlertRaised(*v.Alert)
		} else {
			m.observer.Suppressed(ev)
		}
	}
	if notice != nil {
		m.logger().WithField("reason", notice.Reason).Warn("Session flagged for review")
		if m.observer != nil {
			m.observer.Flagged(*notice)
		}
		go m.reportFlag(*notice)
	}
	if refullscreen {
		go m.recoverFullscreen()
	}
	m.render()
}

func (m *Machine) reportFlag(n types.FlagNotice) {
	defer m.tasks.Done()
	if m.reporter == nil {
		return
	}
	err := m.withRetry(m.context(), "report flag", func(ctx context.Context) error {
		return m.reporter.ReportFlag(ctx, n)
	})
	if err != nil {
		m.logger().WithError(err).Error("Failed to persist flag")
	}
}

// recoverFullscreen makes one automatic attempt to re-enter fullscreen and
// falls back to periodic reminders. Losing fullscreen never submits.
func (m *Machine) recoverFullscreen() {
	defer m.tasks.Done()
	if m.fs == nil {
		return
	}
	base := m.context()
	ctx, cancel := context.WithTimeout(base, m.thresholds().FullscreenRequestTimeout)
	err := m.fs.Request(ctx)
	cancel()

	m.mu.Lock()
	if m.status == types.StatusSubmitted {
		m.mu.Unlock()
		return
	}
	if err == nil {
		m.reminder = ""
		m.mu.Unlock()
		m.logger().Info("Fullscreen restored")
		m.render()
		return
	}
	m.reminder = reminderText
	startLoop := m.stopReminder == nil
	var rctx context.Context
	if startLoop {
		rctx, m.stopReminder = context.WithCancel(base)
	}
	m.mu.Unlock()

	m.logger().WithError(err).Warn("Fullscreen re-request denied, reminding candidate")
	if startLoop {
		ticker := m.clock.NewTicker(m.thresholds().FullscreenReminderInterval)
		go m.remind(rctx, ticker)
	}
	m.render()
}

func (m *Machine) remind(ctx context.Context, ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		back := m.fs.Active()
		m.mu.Lock()
		if m.status == types.StatusSubmitted {
			m.mu.Unlock()
			return
		}
		if back {
			m.reminder = ""
			if m.stopReminder != nil {
				m.stopReminder()
				m.stopReminder = nil
			}
			m.mu.Unlock()
			m.render()
			return
		}
		m.reminder = reminderText
		m.mu.Unlock()
		m.logger().Debug("Fullscreen reminder")
		m.render()
	}
}

// Submit ends the session. Only the first call has any effect; it reports
// whether this call performed the submission. Teardown is synchronous,
// delivery to the grading collaborator runs in the background (see Done).
func (m *Machine) Submit(reason types.SubmitReason) bool {
	m.mu.Lock()
	if m.status == types.StatusSubmitted {
		m.mu.Unlock()
		return false
	}
	m.status = types.StatusSubmitted
	m.submittedAt = m.clock.Now()
	m.reason = reason
	m.reminder = ""
	switch reason {
	case types.ReasonTimeout:
		m.notice = "Time is up - your solution was submitted automatically"
	case types.ReasonAborted:
		m.notice = "Exam session ended"
	default:
		m.notice = "Solution submitted successfully"
	}
	sub := types.Submission{
		SessionID:       m.cfg.SessionID,
		StudentID:       m.cfg.StudentID,
		Reason:          reason,
		SubmittedAt:     m.submittedAt,
		TimeRemaining:   m.remaining,
		Flagged:         m.flagged,
		AlertLog:        m.alerts.All(),
		ViolationCounts: m.classifier.Counts(),
	}
	m.submission = &sub
	stops := []func(){m.stopSensors, m.stopTimer, m.stopReminder, m.bus.Close, m.stopBus}
	m.stopSensors, m.stopReminder = nil, nil
	m.tasks.Add(1)
	m.mu.Unlock()

	// Teardown
	for _, stop := range stops {
		if stop != nil {
			stop()
		}
	}
	if m.fs != nil && m.fs.Active() {
		if err := m.fs.Exit(m.context()); err != nil {
			m.logger().WithError(err).Warn("Failed to exit fullscreen on submit")
		}
	}

	m.logger().WithFields(logrus.Fields{
		"reason":         reason,
		"flagged":        sub.Flagged,
		"alerts":         len(sub.AlertLog),
		"time_remaining": sub.TimeRemaining,
	}).Info("Exam submitted")
	if m.observer != nil {
		m.observer.Submitted(sub)
	}
	m.render()

	go m.deliver(sub)
	return true
}

func (m *Machine) deliver(sub types.Submission) {
	defer close(m.done)
	defer m.tasks.Done()
	if m.reporter == nil {
		return
	}
	err := m.withRetry(m.context(), "deliver submission", func(ctx context.Context) error {
		return m.reporter.DeliverSubmission(ctx, sub)
	})
	if err == nil {
		return
	}

	m.logger().WithError(err).WithField("class", types.ClassSubmissionFailure).Error("Submission delivery failed")
	m.mu.Lock()
	m.deliveryErr = err
	m.warning = deliveryWarningText
	m.warningClass = types.ClassSubmissionFailure
	m.mu.Unlock()
	if m.observer != nil {
		m.observer.DeliveryFailed(err)
	}
	m.render()
}

// withRetry runs fn up to Delivery.Attempts times with doubling backoff.
func (m *Machine) withRetry(ctx context.Context, what string, fn func(context.Context) error) error {
	attempts := m.cfg.Delivery.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := m.cfg.Delivery.Backoff
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		m.logger().WithError(lastErr).WithFields(logrus.Fields{"attempt": i, "of": attempts}).Warn("Failed to " + what)
		if i == attempts {
			break
		}
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
			case <-m.clock.After(backoff):
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrDeliveryFailed, attempts, lastErr)
}

func (m *Machine) thresholds() config.Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Thresholds
}

func (m *Machine) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx != nil {
		return m.baseCtx
	}
	return context.Background()
}

// Done is closed when the submission has been delivered or delivery has
// finally failed.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Wait blocks until every background report and the delivery finished, or
// ctx ends.
func (m *Machine) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the lifecycle state.
func (m *Machine) Status() types.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Flagged reports whether the session was ever flagged.
func (m *Machine) Flagged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flagged
}

// TimeRemaining returns the seconds left.
func (m *Machine) TimeRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Submission returns the submitted payload, or nil before submission.
func (m *Machine) Submission() *types.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submission == nil {
		return nil
	}
	s := *m.submission
	return &s
}

// DeliveryErr returns the final delivery error, if delivery failed.
func (m *Machine) DeliveryErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveryErr
}

// SetThresholds applies reloaded thresholds to the running session.
func (m *Machine) SetThresholds(th config.Thresholds) {
	m.classifier.SetThresholds(th)
	m.mu.Lock()
	m.cfg.Thresholds = th
	m.mu.Unlock()
}

// Summary returns the admin dashboard row for the session.
func (m *Machine) Summary() types.SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := types.SessionSummary{
		SessionID:  m.cfg.SessionID,
		StudentID:  m.cfg.StudentID,
		Status:     "active",
		Flagged:    m.flagged,
		StartedAt:  m.startedAt,
		AlertCount: m.alerts.Len(),
	}
	if m.status == types.StatusSubmitted {
		s.Status = "completed"
		at := m.submittedAt
		s.SubmittedAt = &at
		s.Reason = m.reason
	}
	if latest, ok := m.alerts.Latest(); ok {
		s.LatestAlert = latest.String()
	}
	return s
}

// View renders the current display state.
func (m *Machine) View() types.View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := types.View{
		SessionID:       m.cfg.SessionID,
		StudentID:       m.cfg.StudentID,
		Status:          m.status,
		Flagged:         m.flagged,
		HighestSeverity: m.highest,
		TimeRemaining:   m.remaining,
		Alerts:          m.alerts.Recent(m.cfg.Thresholds.DisplayRecent),
		Reminder:        m.reminder,
		Notice:          m.notice,
		Warning:         m.warning,
		WarningClass:    m.warningClass,
	}
	if m.fs != nil {
		v.Fullscreen = m.fs.Active()
	}
	for k := range m.degraded {
		v.Degraded = append(v.Degraded, k)
	}
	sort.Slice(v.Degraded, func(i, j int) bool { return v.Degraded[i] < v.Degraded[j] })
	return v
}

// render serializes renders so the display always ends on the newest view.
func (m *Machine) render() {
	if m.display == nil {
		return
	}
	m.renderMu.Lock()
	defer m.renderMu.Unlock()
	m.display.Render(m.View())
}
