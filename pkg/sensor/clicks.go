package sensor

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/types"
	"github.com/invisible-tech/proctor-sensor/pkg/browser"
)

// ClickConfig for the click pattern watcher.
type ClickConfig struct {
	Window time.Duration
	Limit  int
	Clock  clockwork.Clock
}

// ClickPatternWatcher counts clicks in a rolling window. When the count
// exceeds Limit it reports once and starts a fresh window.
type ClickPatternWatcher struct {
	cfg     ClickConfig
	surface browser.Surface
	log     *logrus.Logger

	mu     sync.Mutex
	clicks []time.Time
}

// NewClickPatternWatcher creates a watcher.
func NewClickPatternWatcher(cfg ClickConfig, surface browser.Surface, log *logrus.Logger) *ClickPatternWatcher {
	cfg.Clock = clockOrReal(cfg.Clock)
	return &ClickPatternWatcher{cfg: cfg, surface: surface, log: log}
}

// Name implements Source.
func (w *ClickPatternWatcher) Name() string { return "click" }

// Start implements Source.
func (w *ClickPatternWatcher) Start(emit Emitter) func() {
	return w.surface.AddListener(browser.EventClick, func(*browser.Event) {
		w.click(emit)
	})
}

func (w *ClickPatternWatcher) click(emit Emitter) {
	w.mu.Lock()
	now := w.cfg.Clock.Now()
	cutoff := now.Add(-w.cfg.Window)
	kept := w.clicks[:0]
	for _, t := range w.clicks {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.clicks = append(kept, now)
	n := len(w.clicks)
	fire := n > w.cfg.Limit
	if fire {
		w.clicks = w.clicks[:0]
	}
	w.mu.Unlock()

	if fire {
		ev := event(types.SignalRapidClicking, "Suspicious clicking pattern detected")
		ev.Count = n
		emit(ev)
	}
}
