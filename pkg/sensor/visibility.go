package sensor

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/types"
	"github.com/invisible-tech/proctor-sensor/pkg/browser"
)

// VisibilityConfig for the tab visibility watcher.
type VisibilityConfig struct {
	Debounce    time.Duration
	RepeatCount int
	Clock       clockwork.Clock
}

// VisibilityWatcher reports the exam tab being hidden. The running
// tab-switch count belongs to the classifier and is read via switches.
type VisibilityWatcher struct {
	cfg      VisibilityConfig
	surface  browser.Surface
	switches func() int
	log      *logrus.Logger

	mu             sync.Mutex
	lastTransition time.Time
	repeatedSent   bool
}

// NewVisibilityWatcher creates a watcher. switches returns how many tab
// switches have been counted so far.
func NewVisibilityWatcher(cfg VisibilityConfig, surface browser.Surface, switches func() int, log *logrus.Logger) *VisibilityWatcher {
	cfg.Clock = clockOrReal(cfg.Clock)
	if switches == nil {
		switches = func() int { return 0 }
	}
	return &VisibilityWatcher{cfg: cfg, surface: surface, switches: switches, log: log}
}

// Name implements Source.
func (w *VisibilityWatcher) Name() string { return "visibility" }

// Start implements Source.
func (w *VisibilityWatcher) Start(emit Emitter) func() {
	return w.surface.AddListener(browser.EventVisibilityChange, func(e *browser.Event) {
		w.handle(e.Hidden, emit)
	})
}

func (w *VisibilityWatcher) handle(hidden bool, emit Emitter) {
	w.mu.Lock()
	now := w.cfg.Clock.Now()
	prev := w.lastTransition
	w.lastTransition = now
	if !hidden {
		w.mu.Unlock()
		return
	}
	if !prev.IsZero() && now.Sub(prev) <= w.cfg.Debounce {
		w.mu.Unlock()
		w.log.WithFields(logrus.Fields{
			"since_last": now.Sub(prev),
			"class":      types.ClassTransientGlitch,
		}).Debug("Visibility change debounced")
		return
	}

	// The event being emitted is not counted yet.
	n := w.switches() + 1
	repeated := n >= w.cfg.RepeatCount && !w.repeatedSent
	if repeated {
		w.repeatedSent = true
	}
	w.mu.Unlock()

	// The repeated-switch event goes first so it is the one alerted for
	// this transition; the hidden-tab event behind it is still counted.
	if repeated {
		ev := event(types.SignalRepeatedTabSwitch, "Multiple tab switches - exam flagged for review")
		ev.Count = n
		emit(ev)
	}
	ev := event(types.SignalTabHidden, fmt.Sprintf("Tab switch detected (%d)", n))
	ev.Count = n
	emit(ev)
}
