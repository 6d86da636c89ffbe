package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CameraStatus is the outcome of the shim's getUserMedia call.
type CameraStatus string

const (
	CameraGranted CameraStatus = "granted"
	CameraDenied  CameraStatus = "denied"
	CameraFailed  CameraStatus = "failed"
)

// CameraReport describes the camera acquisition result in the browser.
type CameraReport struct {
	Status CameraStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// Frame carries the face detector's predictions for one video frame.
type Frame struct {
	Faces []Box `json:"faces"`
}

// Telemetry is a partial state update posted by the browser shim. Nil
// fields leave the current value untouched.
type Telemetry struct {
	Window     *Dimensions   `json:"window,omitempty"`
	Fullscreen *bool         `json:"fullscreen,omitempty"`
	Camera     *CameraReport `json:"camera,omitempty"`
	Track      TrackState    `json:"track,omitempty"`
	Frame      *Frame        `json:"frame,omitempty"`
}

// Remote is a browser whose state is reported over the network by the
// candidate's shim. It implements every capability the sensors consume.
type Remote struct {
	*Dispatcher

	clock clockwork.Clock

	mu         sync.RWMutex
	dims       Dimensions
	fullscreen bool
	camera     *CameraReport
	cameraSet  chan struct{}
	track      TrackState
	faces      []Box
	frameAt    time.Time
	stopped    bool
}

// NewRemote creates a remote browser with nothing reported yet.
func NewRemote(clock clockwork.Clock) *Remote {
	return &Remote{
		Dispatcher: NewDispatcher(),
		clock:      clock,
		cameraSet:  make(chan struct{}),
		track:      TrackLive,
	}
}

// Apply records a telemetry update.
func (r *Remote) Apply(t Telemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.Window != nil {
		r.dims = *t.Window
	}
	if t.Fullscreen != nil {
		r.fullscreen = *t.Fullscreen
	}
	if t.Camera != nil && r.camera == nil {
		report := *t.Camera
		r.camera = &report
		close(r.cameraSet)
	}
	if t.Track != "" {
		r.track = t.Track
	}
	if t.Frame != nil {
		r.faces = append([]Box(nil), t.Frame.Faces...)
		r.frameAt = r.clock.Now()
	}
}

// Dimensions returns the last reported window geometry.
func (r *Remote) Dimensions() Dimensions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dims
}

// Request cannot enter fullscreen on the candidate's behalf: browsers only
// honour the request from a user gesture, so the shim has to prompt.
func (r *Remote) Request(_ context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fullscreen {
		return nil
	}
	return ErrUserGestureRequired
}

// Exit marks fullscreen as released; the shim leaves fullscreen once it
// sees the session submitted.
func (r *Remote) Exit(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fullscreen = false
	return nil
}

// Active reports the last known fullscreen state.
func (r *Remote) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fullscreen
}

// Acquire waits for the shim to report the camera outcome.
func (r *Remote) Acquire(ctx context.Context) (MediaTrack, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for camera report: %w", ctx.Err())
	case <-r.cameraSet:
	}

	r.mu.RLock()
	report := *r.camera
	r.mu.RUnlock()

	switch report.Status {
	case CameraGranted:
		return r, nil
	case CameraDenied:
		return nil, ErrPermissionDenied
	default:
		return nil, fmt.Errorf("camera unavailable: %s", report.Error)
	}
}

// ReadyState returns the reported track state.
func (r *Remote) ReadyState() TrackState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return TrackEnded
	}
	return r.track
}

// Stop releases the track.
func (r *Remote) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

// frameMaxAge bounds how old reported faces may be before EstimateFaces
// treats the frame as missing.
const frameMaxAge = 2 * time.Second

// EstimateFaces returns the faces of the most recent frame, or ErrNoFrame if
// the shim has not reported one recently.
func (r *Remote) EstimateFaces(ctx context.Context) ([]Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.frameAt.IsZero() || r.clock.Since(r.frameAt) > frameMaxAge {
		return nil, ErrNoFrame
	}
	return append([]Box(nil), r.faces...), nil
}
