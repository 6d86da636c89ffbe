package exam

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/config"
	"github.com/invisible-tech/proctor-sensor/internal/session"
	"github.com/invisible-tech/proctor-sensor/internal/types"
	"github.com/invisible-tech/proctor-sensor/pkg/browser"
	"github.com/invisible-tech/proctor-sensor/pkg/sensor"
)

// ClientConfig for one candidate session.
type ClientConfig struct {
	SessionID  string
	StudentID  string
	Duration   time.Duration
	Thresholds config.Thresholds
	Delivery   config.DeliveryConfig
	Clock      clockwork.Clock
}

// Client is the exam client of one candidate: the remote browser, the six
// integrity sensors and the session state machine wired together.
type Client struct {
	id        string
	studentID string
	log       *logrus.Logger

	remote  *browser.Remote
	machine *session.Machine
	sensors *sensor.Group
	camera  *sensor.CameraWatcher

	view atomic.Pointer[types.View]
}

// NewClient wires a client. Nothing runs until Start.
func NewClient(cfg ClientConfig, reporter session.Reporter, observer session.Observer, log *logrus.Logger) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	c := &Client{
		id:        cfg.SessionID,
		studentID: cfg.StudentID,
		log:       log,
		remote:    browser.NewRemote(cfg.Clock),
	}

	opts := []session.Option{session.WithDisplay(c)}
	if observer != nil {
		opts = append(opts, session.WithObserver(observer))
	}
	c.machine = session.New(session.Config{
		SessionID:  cfg.SessionID,
		StudentID:  cfg.StudentID,
		Duration:   cfg.Duration,
		Thresholds: cfg.Thresholds,
		Delivery:   cfg.Delivery,
		Clock:      cfg.Clock,
	}, c.remote, reporter, log, opts...)

	th := cfg.Thresholds
	c.camera = sensor.NewCameraWatcher(sensor.CameraConfig{
		Interval:       th.CameraInterval,
		AcquireTimeout: th.CameraAcquireTimeout,
		NoFaceAfter:    th.NoFaceAfter,
		Clock:          cfg.Clock,
	}, c.remote, c.remote, log)

	c.sensors = sensor.NewGroup(log,
		sensor.NewVisibilityWatcher(sensor.VisibilityConfig{
			Debounce:    th.VisibilityDebounce,
			RepeatCount: th.TabSwitchRepeatCount,
			Clock:       cfg.Clock,
		}, c.remote, c.machine.Classifier().TabSwitches, log),
		sensor.NewInputGuard(c.remote, th.BlockedChords, log),
		sensor.NewFullscreenWatcher(c.remote, c.remote, th.FullscreenRequestTimeout, log),
		sensor.NewGeometryWatcher(sensor.GeometryConfig{
			Interval:        th.GeometryInterval,
			GapPx:           th.DevToolsGapPx,
			ConfirmReadings: th.GeometryConfirmReadings,
			Clock:           cfg.Clock,
		}, c.remote, log),
		sensor.NewClickPatternWatcher(sensor.ClickConfig{
			Window: th.ClickWindow,
			Limit:  th.ClickLimit,
			Clock:  cfg.Clock,
		}, c.remote, log),
		c.camera,
	)
	return c
}

// Start applies the shim's initial telemetry and starts the session. The
// shim enters fullscreen from the candidate's "start exam" click, so the
// initial fullscreen state arrives here before the first request.
func (c *Client) Start(ctx context.Context, initial browser.Telemetry) {
	c.remote.Apply(initial)
	c.machine.Start(ctx, countingSensors{c.sensors})
}

// Dispatch delivers a DOM event to the sensors and reports whether the
// shim must cancel the browser's default action.
func (c *Client) Dispatch(ev *browser.Event) bool {
	if ev.Type == browser.EventFullscreenChange {
		active := ev.FullscreenActive
		c.remote.Apply(browser.Telemetry{Fullscreen: &active})
	}
	c.remote.Dispatch(ev)
	return ev.Prevented()
}

// Apply records a telemetry update from the shim.
func (c *Client) Apply(t browser.Telemetry) {
	c.remote.Apply(t)
}

// Submit performs the voluntary submission.
func (c *Client) Submit() bool {
	return c.machine.Submit(types.ReasonVoluntary)
}

// Abort ends the session without the candidate, e.g. on shutdown.
func (c *Client) Abort() bool {
	return c.machine.Submit(types.ReasonAborted)
}

// Render implements session.Display.
func (c *Client) Render(v types.View) {
	c.view.Store(&v)
}

// View returns the last rendered view.
func (c *Client) View() types.View {
	if v := c.view.Load(); v != nil {
		return *v
	}
	return c.machine.View()
}

// ID returns the session ID.
func (c *Client) ID() string { return c.id }

// StudentID returns the candidate's ID.
func (c *Client) StudentID() string { return c.studentID }

// Machine exposes the state machine.
func (c *Client) Machine() *session.Machine { return c.machine }

// Camera returns the camera watcher's current state.
func (c *Client) Camera() types.CameraState { return c.camera.State() }

// SensorNames lists the attached sensors.
func (c *Client) SensorNames() []string { return c.sensors.Names() }

// countingSensors counts raw events on their way to the bus.
type countingSensors struct {
	group *sensor.Group
}

func (s countingSensors) Start(emit sensor.Emitter) func() {
	return s.group.Start(func(ev types.RawEvent) {
		rawEvents.WithLabelValues(ev.Kind().String()).Inc()
		emit(ev)
	})
}
