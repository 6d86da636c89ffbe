package sensor

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/types"
	"github.com/invisible-tech/proctor-sensor/pkg/browser"
)

// Chord is a normalized key combination such as "Ctrl+Shift+I".
type Chord string

var modifierAliases = map[string]string{
	"ctrl":    "Ctrl",
	"control": "Ctrl",
	"meta":    "Meta",
	"cmd":     "Meta",
	"command": "Meta",
	"alt":     "Alt",
	"option":  "Alt",
	"shift":   "Shift",
}

// ParseChord normalizes a chord written as modifiers and a key joined by
// "+". Modifier order does not matter.
func ParseChord(s string) (Chord, error) {
	var ctrl, meta, alt, shift bool
	key := ""
	for _, part := range strings.Split(s, "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			return "", fmt.Errorf("invalid chord %q", s)
		}
		switch modifierAliases[strings.ToLower(part)] {
		case "Ctrl":
			ctrl = true
		case "Meta":
			meta = true
		case "Alt":
			alt = true
		case "Shift":
			shift = true
		default:
			if key != "" {
				return "", fmt.Errorf("chord %q has more than one key", s)
			}
			key = part
		}
	}
	if key == "" {
		return "", fmt.Errorf("chord %q has no key", s)
	}
	return chordOf(key, ctrl, meta, alt, shift), nil
}

// ChordOf returns the chord pressed in a keydown event.
func ChordOf(e *browser.Event) Chord {
	return chordOf(e.Key, e.Ctrl, e.Meta, e.Alt, e.Shift)
}

func chordOf(key string, ctrl, meta, alt, shift bool) Chord {
	var b strings.Builder
	for _, m := range []struct {
		on   bool
		name string
	}{{ctrl, "Ctrl"}, {meta, "Meta"}, {alt, "Alt"}, {shift, "Shift"}} {
		if m.on {
			b.WriteString(m.name)
			b.WriteByte('+')
		}
	}
	if len(key) == 1 {
		key = strings.ToUpper(key)
	}
	b.WriteString(key)
	return Chord(b.String())
}

// InputGuard cancels context menus, drags, text selection outside the
// editor, history navigation and blocklisted keyboard chords. Every
// cancelled event produces exactly one raw event.
type InputGuard struct {
	surface browser.Surface
	blocked map[Chord]bool
	log     *logrus.Logger
}

// NewInputGuard creates a guard for the given blocklist. Unparseable chords
// are logged and skipped.
func NewInputGuard(surface browser.Surface, blockedChords []string, log *logrus.Logger) *InputGuard {
	g := &InputGuard{
		surface: surface,
		blocked: make(map[Chord]bool, len(blockedChords)),
		log:     log,
	}
	for _, s := range blockedChords {
		c, err := ParseChord(s)
		if err != nil {
			log.WithError(err).Warn("Skipping blocked chord")
			continue
		}
		g.blocked[c] = true
	}
	return g
}

// Name implements Source.
func (g *InputGuard) Name() string { return "input" }

// Blocks reports whether c is on the blocklist.
func (g *InputGuard) Blocks(c Chord) bool {
	return g.blocked[c]
}

// Start implements Source.
func (g *InputGuard) Start(emit Emitter) func() {
	return removeAll(
		g.surface.AddListener(browser.EventContextMenu, func(e *browser.Event) {
			e.PreventDefault()
			emit(event(types.SignalContextMenuBlocked, "Right-click disabled during exam"))
		}),
		g.surface.AddListener(browser.EventDragStart, func(e *browser.Event) {
			e.PreventDefault()
			emit(event(types.SignalDragBlocked, "Drag and drop disabled during exam"))
		}),
		g.surface.AddListener(browser.EventSelectStart, func(e *browser.Event) {
			if e.InEditor {
				return
			}
			e.PreventDefault()
			emit(event(types.SignalSelectionBlocked, "Text selection disabled outside the editor"))
		}),
		g.surface.AddListener(browser.EventPopState, func(e *browser.Event) {
			e.PreventDefault()
			emit(event(types.SignalNavigationBlocked, "Navigation attempt blocked"))
		}),
		g.surface.AddListener(browser.EventKeyDown, func(e *browser.Event) {
			g.handleKey(e, emit)
		}),
	)
}

func (g *InputGuard) handleKey(e *browser.Event, emit Emitter) {
	chord := ChordOf(e)
	switch {
	case e.Alt && e.Key == "Tab":
		e.PreventDefault()
		ev := event(types.SignalTabSwitchAttempt, "Tab switching attempt detected")
		ev.Chord = string(chord)
		emit(ev)
	case g.blocked[chord]:
		e.PreventDefault()
		ev := event(types.SignalShortcutBlocked, "Keyboard shortcut blocked")
		ev.Chord = string(chord)
		emit(ev)
	}
}
