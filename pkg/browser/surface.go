// Package browser models the candidate's browser as in-process capabilities:
// a DOM event surface with listener registration, window geometry, the
// fullscreen API, camera capture and the face detector.
package browser

import (
	"context"
	"errors"
	"sync"
)

// EventType names a DOM event the sensors listen for.
type EventType string

const (
	EventVisibilityChange EventType = "visibilitychange"
	EventKeyDown          EventType = "keydown"
	EventContextMenu      EventType = "contextmenu"
	EventDragStart        EventType = "dragstart"
	EventSelectStart      EventType = "selectstart"
	EventClick            EventType = "click"
	EventFullscreenChange EventType = "fullscreenchange"
	EventPopState         EventType = "popstate"
)

// Event is a DOM event as forwarded by the browser shim.
type Event struct {
	Type EventType `json:"type"`

	// visibilitychange
	Hidden bool `json:"hidden,omitempty"`

	// keydown
	Key   string `json:"key,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Meta  bool   `json:"meta,omitempty"`

	// selectstart: whether the target sits inside the code editor
	InEditor bool `json:"in_editor,omitempty"`

	// fullscreenchange
	FullscreenActive bool `json:"fullscreen_active,omitempty"`

	prevented bool
}

// PreventDefault cancels the browser's default action for the event.
func (e *Event) PreventDefault() {
	e.prevented = true
}

// Prevented reports whether a listener cancelled the event.
func (e *Event) Prevented() bool {
	return e.prevented
}

// Handler receives dispatched events.
type Handler func(*Event)

// Surface is where sensors attach listeners. AddListener returns a function
// that removes the listener; calling it more than once is safe.
type Surface interface {
	AddListener(t EventType, h Handler) (remove func())
}

// Dimensions are the window's outer and inner sizes in CSS pixels.
type Dimensions struct {
	OuterWidth  int `json:"outer_width"`
	OuterHeight int `json:"outer_height"`
	InnerWidth  int `json:"inner_width"`
	InnerHeight int `json:"inner_height"`
}

// Window exposes the geometry used by the devtools heuristic.
type Window interface {
	Dimensions() Dimensions
}

// Fullscreen is the browser fullscreen API. Request may be denied without a
// prior user gesture.
type Fullscreen interface {
	Request(ctx context.Context) error
	Exit(ctx context.Context) error
	Active() bool
}

// TrackState is a media track's ready state.
type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

// MediaTrack is an acquired camera track.
type MediaTrack interface {
	ReadyState() TrackState
	Stop()
}

// Camera acquires the candidate's webcam.
type Camera interface {
	Acquire(ctx context.Context) (MediaTrack, error)
}

// Point is an (x, y) pixel coordinate.
type Point [2]float64

// Box is one detected face.
type Box struct {
	TopLeft     Point `json:"top_left"`
	BottomRight Point `json:"bottom_right"`
}

// FaceDetector runs the face model on the current frame.
type FaceDetector interface {
	EstimateFaces(ctx context.Context) ([]Box, error)
}

var (
	// ErrUserGestureRequired is returned when fullscreen needs a user gesture.
	ErrUserGestureRequired = errors.New("fullscreen request requires a user gesture")
	// ErrPermissionDenied is returned when the candidate refuses camera access.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrNoFrame is returned when no recent frame is available for detection.
	ErrNoFrame = errors.New("no camera frame available")
)

// Dispatcher is a Surface that delivers events to listeners synchronously,
// in registration order.
type Dispatcher struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[EventType][]listener
}

type listener struct {
	id uint64
	h  Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[EventType][]listener)}
}

// AddListener registers h for events of type t.
func (d *Dispatcher) AddListener(t EventType, h Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[t] = append(d.listeners[t], listener{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(t, id) })
	}
}

func (d *Dispatcher) remove(t EventType, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls := d.listeners[t]
	for i, l := range ls {
		if l.id == id {
			d.listeners[t] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(d.listeners[t]) == 0 {
		delete(d.listeners, t)
	}
}

// Dispatch delivers ev to every listener registered for its type.
func (d *Dispatcher) Dispatch(ev *Event) {
	d.mu.RLock()
	ls := append([]listener(nil), d.listeners[ev.Type]...)
	d.mu.RUnlock()
	for _, l := range ls {
		l.h(ev)
	}
}

// ListenerCount returns the number of listeners across all event types.
func (d *Dispatcher) ListenerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, ls := range d.listeners {
		n += len(ls)
	}
	return n
}
