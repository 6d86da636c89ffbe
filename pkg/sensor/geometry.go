package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/types"
	"github.com/invisible-tech/proctor-sensor/pkg/browser"
)

// GeometryConfig for the devtools geometry heuristic.
type GeometryConfig struct {
	Interval        time.Duration
	GapPx           int
	ConfirmReadings int
	Clock           clockwork.Clock
}

// GeometryWatcher samples the window every Interval and reports suspected
// developer tools when the outer/inner size gap exceeds GapPx for
// ConfirmReadings consecutive readings. A single odd reading is absorbed.
// Once confirmed it reports on every reading until the gap closes.
type GeometryWatcher struct {
	cfg GeometryConfig
	win browser.Window
	log *logrus.Logger

	mu     sync.Mutex
	streak int
}

// NewGeometryWatcher creates a watcher over win.
func NewGeometryWatcher(cfg GeometryConfig, win browser.Window, log *logrus.Logger) *GeometryWatcher {
	cfg.Clock = clockOrReal(cfg.Clock)
	if cfg.ConfirmReadings < 1 {
		cfg.ConfirmReadings = 1
	}
	return &GeometryWatcher{cfg: cfg, win: win, log: log}
}

// Name implements Source.
func (w *GeometryWatcher) Name() string { return "geometry" }

// Start implements Source.
func (w *GeometryWatcher) Start(emit Emitter) func() {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := w.cfg.Clock.NewTicker(w.cfg.Interval)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				w.Check(emit)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Check takes one reading.
func (w *GeometryWatcher) Check(emit Emitter) {
	d := w.win.Dimensions()
	if d.OuterWidth == 0 && d.OuterHeight == 0 {
		// Nothing reported yet.
		return
	}
	suspicious := d.OuterHeight-d.InnerHeight > w.cfg.GapPx || d.OuterWidth-d.InnerWidth > w.cfg.GapPx

	w.mu.Lock()
	if !suspicious {
		w.streak = 0
		w.mu.Unlock()
		return
	}
	w.streak++
	streak := w.streak
	fire := streak >= w.cfg.ConfirmReadings
	w.mu.Unlock()

	if !fire {
		w.log.WithFields(logrus.Fields{
			"streak": streak,
			"class":  types.ClassTransientGlitch,
		}).Debug("Suspicious window geometry")
		return
	}
	emit(event(types.SignalDevToolsSuspected, "Developer tools detected"))
}
