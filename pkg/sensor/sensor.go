// Package sensor implements the integrity signal sources. Each source
// attaches to the candidate's browser, reports raw facts through an Emitter
// and never decides severity.
package sensor

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/types"
)

// Emitter receives raw events from a source.
type Emitter func(types.RawEvent)

// Source is one integrity signal producer. Start attaches the source and
// returns a teardown that unregisters every listener and stops every
// pending timer. The teardown is safe to call more than once.
type Source interface {
	Name() string
	Start(emit Emitter) (stop func())
}

// Group starts a set of sources together and tears them down as one.
type Group struct {
	sources []Source
	log     *logrus.Logger

	mu      sync.Mutex
	stops   []func()
	stopped bool
}

// NewGroup creates a group over sources.
func NewGroup(log *logrus.Logger, sources ...Source) *Group {
	return &Group{sources: sources, log: log}
}

// Start attaches every source. A group can be started once; the returned
// teardown is the group's Stop.
func (g *Group) Start(emit Emitter) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.stops != nil {
		return g.Stop
	}

	g.log.WithField("sources", len(g.sources)).Info("Starting integrity sensors")
	g.stops = make([]func(), 0, len(g.sources))
	for _, s := range g.sources {
		g.stops = append(g.stops, s.Start(emit))
		g.log.WithField("source", s.Name()).Debug("Sensor started")
	}
	return g.Stop
}

// Stop tears down every started source, most recently started first.
func (g *Group) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	stops := g.stops
	g.stops = nil
	g.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
	g.log.Info("All sensors stopped")
}

// Names lists the sources in start order.
func (g *Group) Names() []string {
	names := make([]string, 0, len(g.sources))
	for _, s := range g.sources {
		names = append(names, s.Name())
	}
	return names
}

func clockOrReal(c clockwork.Clock) clockwork.Clock {
	if c == nil {
		return clockwork.NewRealClock()
	}
	return c
}

func event(sig types.Signal, msg string) types.RawEvent {
	return types.RawEvent{Signal: sig, Message: msg}
}

// removeAll combines listener removals into one teardown.
func removeAll(removes ...func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, r := range removes {
				r()
			}
		})
	}
}
