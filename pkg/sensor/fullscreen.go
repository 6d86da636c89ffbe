package sensor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/types"
	"github.com/invisible-tech/proctor-sensor/pkg/browser"
)

// FullscreenWatcher requests fullscreen when started and reports every loss
// of fullscreen afterwards. Recovery is left to the session.
type FullscreenWatcher struct {
	surface browser.Surface
	fs      browser.Fullscreen
	timeout time.Duration
	log     *logrus.Logger
}

// NewFullscreenWatcher creates a watcher. timeout bounds the initial request.
func NewFullscreenWatcher(surface browser.Surface, fs browser.Fullscreen, timeout time.Duration, log *logrus.Logger) *FullscreenWatcher {
	return &FullscreenWatcher{surface: surface, fs: fs, timeout: timeout, log: log}
}

// Name implements Source.
func (w *FullscreenWatcher) Name() string { return "fullscreen" }

// Start implements Source.
func (w *FullscreenWatcher) Start(emit Emitter) func() {
	remove := w.surface.AddListener(browser.EventFullscreenChange, func(e *browser.Event) {
		if e.FullscreenActive {
			return
		}
		emit(event(types.SignalFullscreenExited, "Exited fullscreen mode - exam security compromised"))
	})

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.fs.Request(ctx); err != nil {
		w.log.WithError(err).Warn("Initial fullscreen request failed")
		emit(event(types.SignalFullscreenDenied, "Failed to enter fullscreen mode"))
	}
	return remove
}
