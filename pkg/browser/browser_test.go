package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestDispatcher_OrderAndRemove(t *testing.T) {
	d := NewDispatcher()
	var order []string
	removeA := d.AddListener(EventClick, func(*Event) { order = append(order, "a") })
	d.AddListener(EventClick, func(*Event) { order = append(order, "b") })
	d.AddListener(EventKeyDown, func(*Event) { order = append(order, "key") })

	d.Dispatch(&Event{Type: EventClick})
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v", order)
	}

	removeA()
	removeA()
	order = nil
	d.Dispatch(&Event{Type: EventClick})
	if len(order) != 1 || order[0] != "b" {
		t.Errorf("after remove: %v", order)
	}
	if d.ListenerCount() != 2 {
		t.Errorf("ListenerCount = %d, want 2", d.ListenerCount())
	}
}

func TestEvent_PreventDefault(t *testing.T) {
	d := NewDispatcher()
	d.AddListener(EventContextMenu, func(e *Event) { e.PreventDefault() })
	ev := &Event{Type: EventContextMenu}
	d.Dispatch(ev)
	if !ev.Prevented() {
		t.Error("event should be prevented")
	}
}

func TestRemote_AcquireOutcomes(t *testing.T) {
	clock := clockwork.NewFakeClock()

	t.Run("granted", func(t *testing.T) {
		r := NewRemote(clock)
		r.Apply(Telemetry{Camera: &CameraReport{Status: CameraGranted}})
		track, err := r.Acquire(context.Background())
		if err != nil || track == nil {
			t.Fatalf("Acquire = %v, %v", track, err)
		}
		if track.ReadyState() != TrackLive {
			t.Errorf("ReadyState = %v", track.ReadyState())
		}
		r.Apply(Telemetry{Track: TrackEnded})
		if track.ReadyState() != TrackEnded {
			t.Errorf("ReadyState after ended = %v", track.ReadyState())
		}
	})

	t.Run("denied", func(t *testing.T) {
		r := NewRemote(clock)
		r.Apply(Telemetry{Camera: &CameraReport{Status: CameraDenied}})
		if _, err := r.Acquire(context.Background()); !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("never reported", func(t *testing.T) {
		r := NewRemote(clock)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if _, err := r.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("second report ignored", func(t *testing.T) {
		r := NewRemote(clock)
		r.Apply(Telemetry{Camera: &CameraReport{Status: CameraGranted}})
		r.Apply(Telemetry{Camera: &CameraReport{Status: CameraDenied}})
		if _, err := r.Acquire(context.Background()); err != nil {
			t.Errorf("err = %v", err)
		}
	})
}

func TestRemote_EstimateFacesStaleFrame(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRemote(clock)
	if _, err := r.EstimateFaces(context.Background()); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("no frame: err = %v", err)
	}

	r.Apply(Telemetry{Frame: &Frame{Faces: []Box{{TopLeft: Point{1, 1}, BottomRight: Point{5, 5}}}}})
	faces, err := r.EstimateFaces(context.Background())
	if err != nil || len(faces) != 1 {
		t.Fatalf("faces = %v, %v", faces, err)
	}

	clock.Advance(3 * time.Second)
	if _, err := r.EstimateFaces(context.Background()); !errors.Is(err, ErrNoFrame) {
		t.Errorf("stale frame: err = %v", err)
	}
}

func TestRemote_Fullscreen(t *testing.T) {
	r := NewRemote(clockwork.NewFakeClock())
	if err := r.Request(context.Background()); !errors.Is(err, ErrUserGestureRequired) {
		t.Errorf("Request = %v", err)
	}
	on := true
	r.Apply(Telemetry{Fullscreen: &on})
	if !r.Active() {
		t.Error("Active should be true")
	}
	if err := r.Request(context.Background()); err != nil {
		t.Errorf("Request while active = %v", err)
	}
	if err := r.Exit(context.Background()); err != nil || r.Active() {
		t.Errorf("Exit = %v, active = %v", err, r.Active())
	}
}
