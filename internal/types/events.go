// Package types defines the shared records that flow through the integrity
// pipeline: raw signals from sensors, classified alerts, and the payloads
// handed to the review collaborators.
package types

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind identifies which sensor produced a raw event.
type SourceKind int

const (
	SourceUnknown SourceKind = iota
	SourceVisibility
	SourceInput
	SourceFullscreen
	SourceGeometry
	SourceClick
	SourceCamera
)

var sourceKindNames = map[SourceKind]string{
	SourceVisibility: "visibility",
	SourceInput:      "input",
	SourceFullscreen: "fullscreen",
	SourceGeometry:   "geometry",
	SourceClick:      "click",
	SourceCamera:     "camera",
}

func (k SourceKind) String() string {
	if s, ok := sourceKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText encodes the kind by name.
func (k SourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *SourceKind) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for kind, s := range sourceKindNames {
		if s == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown source kind %q", string(b))
}

// Signal is the structured fact a sensor observed. Each signal belongs to
// exactly one SourceKind.
type Signal int

const (
	SignalUnknown Signal = iota

	// Visibility
	SignalTabHidden
	SignalRepeatedTabSwitch

	// Input
	SignalContextMenuBlocked
	SignalDragBlocked
	SignalSelectionBlocked
	SignalShortcutBlocked
	SignalTabSwitchAttempt
	SignalNavigationBlocked

	// Fullscreen
	SignalFullscreenExited
	SignalFullscreenDenied

	// Geometry
	SignalDevToolsSuspected

	// Click
	SignalRapidClicking

	// Camera
	SignalCameraUnavailable
	SignalCameraRevoked
	SignalFaceAbsent
	SignalMultipleFaces
)

type signalInfo struct {
	name string
	kind SourceKind
}

var signals = map[Signal]signalInfo{
	SignalTabHidden:          {"tab_hidden", SourceVisibility},
	SignalRepeatedTabSwitch:  {"repeated_tab_switch", SourceVisibility},
	SignalContextMenuBlocked: {"context_menu_blocked", SourceInput},
	SignalDragBlocked:        {"drag_blocked", SourceInput},
	SignalSelectionBlocked:   {"selection_blocked", SourceInput},
	SignalShortcutBlocked:    {"shortcut_blocked", SourceInput},
	SignalTabSwitchAttempt:   {"tab_switch_attempt", SourceInput},
	SignalNavigationBlocked:  {"navigation_blocked", SourceInput},
	SignalFullscreenExited:   {"fullscreen_exited", SourceFullscreen},
	SignalFullscreenDenied:   {"fullscreen_denied", SourceFullscreen},
	SignalDevToolsSuspected:  {"devtools_suspected", SourceGeometry},
	SignalRapidClicking:      {"rapid_clicking", SourceClick},
	SignalCameraUnavailable:  {"camera_unavailable", SourceCamera},
	SignalCameraRevoked:      {"camera_revoked", SourceCamera},
	SignalFaceAbsent:         {"face_absent", SourceCamera},
	SignalMultipleFaces:      {"multiple_faces", SourceCamera},
}

func (s Signal) String() string {
	if info, ok := signals[s]; ok {
		return info.name
	}
	return "unknown"
}

// Kind returns the source kind the signal belongs to.
func (s Signal) Kind() SourceKind {
	return signals[s].kind
}

// MarshalText encodes the signal by name.
func (s Signal) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a signal name.
func (s *Signal) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for sig, info := range signals {
		if info.name == name {
			*s = sig
			return nil
		}
	}
	return fmt.Errorf("unknown signal %q", string(b))
}

// Signals returns every known signal.
func Signals() []Signal {
	out := make([]Signal, 0, len(signals))
	for s := SignalTabHidden; s <= SignalMultipleFaces; s++ {
		out = append(out, s)
	}
	return out
}

// CameraState is the camera watcher's view of the candidate at the time a
// camera event was raised.
type CameraState struct {
	Active              bool       `json:"active"`
	LastFacePresentAt   time.Time  `json:"last_face_present_at"`
	MultiFaceDetectedAt *time.Time `json:"multi_face_detected_at,omitempty"`
	Faces               int        `json:"faces"`
}

// RawEvent is an unclassified fact emitted by a sensor. Sensors fill Signal,
// Message and the optional payloads; the alert bus stamps Seq and ReceivedAt.
type RawEvent struct {
	Seq        uint64       `json:"seq"`
	ReceivedAt time.Time    `json:"received_at"`
	Signal     Signal       `json:"signal"`
	Message    string       `json:"message"`
	Count      int          `json:"count,omitempty"`
	Chord      string       `json:"chord,omitempty"`
	Camera     *CameraState `json:"camera,omitempty"`
}

// Kind returns the source kind of the event's signal.
func (e RawEvent) Kind() SourceKind {
	return e.Signal.Kind()
}
