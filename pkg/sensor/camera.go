package sensor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/types"
	"github.com/invisible-tech/proctor-sensor/pkg/browser"
)

// CameraConfig for the camera presence watcher.
type CameraConfig struct {
	Interval       time.Duration
	AcquireTimeout time.Duration
	NoFaceAfter    time.Duration
	Clock          clockwork.Clock
}

// CameraWatcher acquires the webcam and polls the face detector. It owns
// the CameraState; the classifier only reads snapshots carried on events.
type CameraWatcher struct {
	cfg      CameraConfig
	camera   browser.Camera
	detector browser.FaceDetector
	log      *logrus.Logger

	alive atomic.Bool

	mu            sync.Mutex
	state         types.CameraState
	track         browser.MediaTrack
	absentLatched bool
	revoked       bool
}

// NewCameraWatcher creates a watcher.
func NewCameraWatcher(cfg CameraConfig, camera browser.Camera, detector browser.FaceDetector, log *logrus.Logger) *CameraWatcher {
	cfg.Clock = clockOrReal(cfg.Clock)
	return &CameraWatcher{cfg: cfg, camera: camera, detector: detector, log: log}
}

// Name implements Source.
func (w *CameraWatcher) Name() string { return "camera" }

// State returns a snapshot of the camera state.
func (w *CameraWatcher) State() types.CameraState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot()
}

func (w *CameraWatcher) snapshot() types.CameraState {
	s := w.state
	if s.MultiFaceDetectedAt != nil {
		t := *s.MultiFaceDetectedAt
		s.MultiFaceDetectedAt = &t
	}
	return s
}

// Start implements Source. Acquisition and detection run in the background;
// the teardown does not wait for an in-flight detection, whose result is
// discarded once the watcher is no longer alive.
func (w *CameraWatcher) Start(emit Emitter) func() {
	w.alive.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	guarded := func(ev types.RawEvent) {
		if w.alive.Load() {
			emit(ev)
		}
	}
	go w.run(ctx, guarded)

	var once sync.Once
	return func() {
		once.Do(func() {
			w.alive.Store(false)
			cancel()
			w.mu.Lock()
			if w.track != nil {
				w.track.Stop()
			}
			w.state.Active = false
			w.mu.Unlock()
			w.log.Debug("Camera released")
		})
	}
}

func (w *CameraWatcher) run(ctx context.Context, emit Emitter) {
	actx, cancel := context.WithTimeout(ctx, w.cfg.AcquireTimeout)
	track, err := w.camera.Acquire(actx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		fields := logrus.Fields{"permission_denied": errors.Is(err, browser.ErrPermissionDenied)}
		w.log.WithError(err).WithFields(fields).Warn("Camera acquisition failed")
		emit(event(types.SignalCameraUnavailable, "Failed to access webcam - exam security compromised"))
		return
	}

	if !w.attach(track) {
		track.Stop()
		return
	}
	w.log.Info("Camera acquired")

	ticker := w.cfg.Clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !w.Tick(ctx, emit) {
				return
			}
		}
	}
}

func (w *CameraWatcher) attach(track browser.MediaTrack) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.alive.Load() {
		return false
	}
	w.track = track
	w.state.Active = true
	w.state.LastFacePresentAt = w.cfg.Clock.Now()
	return true
}

// Tick runs one detection pass and reports whether polling should go on.
func (w *CameraWatcher) Tick(ctx context.Context, emit Emitter) bool {
	w.mu.Lock()
	track := w.track
	w.mu.Unlock()
	if track == nil {
		return false
	}

	if track.ReadyState() == browser.TrackEnded {
		w.mu.Lock()
		first := !w.revoked
		w.revoked = true
		w.state.Active = false
		w.mu.Unlock()
		if first {
			w.log.Warn("Camera track ended")
			emit(event(types.SignalCameraRevoked, "Webcam access revoked - exam security compromised"))
		}
		return false
	}

	faces, err := w.detector.EstimateFaces(ctx)
	if !w.alive.Load() {
		return false
	}
	if err != nil {
		w.log.WithError(err).Debug("Face detection skipped")
		return true
	}

	var out []types.RawEvent
	w.mu.Lock()
	now := w.cfg.Clock.Now()
	w.state.Faces = len(faces)
	switch {
	case len(faces) == 0:
		w.state.MultiFaceDetectedAt = nil
		if !w.absentLatched && now.Sub(w.state.LastFacePresentAt) >= w.cfg.NoFaceAfter {
			w.absentLatched = true
			ev := event(types.SignalFaceAbsent, "Student not looking at screen")
			ev.Camera = ptrState(w.snapshot())
			out = append(out, ev)
		}
	case len(faces) == 1:
		w.state.LastFacePresentAt = now
		w.state.MultiFaceDetectedAt = nil
		w.absentLatched = false
	default:
		w.state.LastFacePresentAt = now
		w.absentLatched = false
		if w.state.MultiFaceDetectedAt == nil {
			t := now
			w.state.MultiFaceDetectedAt = &t
		}
		ev := event(types.SignalMultipleFaces, "Multiple faces detected")
		ev.Count = len(faces)
		ev.Camera = ptrState(w.snapshot())
		out = append(out, ev)
	}
	w.mu.Unlock()

	for _, ev := range out {
		emit(ev)
	}
	return true
}

func ptrState(s types.CameraState) *types.CameraState {
	return &s
}
