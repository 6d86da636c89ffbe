package exam

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/invisible-tech/proctor-sensor/internal/session"
	"github.com/invisible-tech/proctor-sensor/internal/types"
)

// fanout hands flags and submissions of one session to every configured
// reporter. A target that already accepted a payload is skipped when the
// machine retries, so only the failed targets see the redelivery.
type fanout struct {
	targets []session.Reporter

	mu        sync.Mutex
	flagged   map[int]bool
	delivered map[int]bool
}

func newFanout(targets []session.Reporter) *fanout {
	return &fanout{
		targets:   targets,
		flagged:   make(map[int]bool),
		delivered: make(map[int]bool),
	}
}

// ReportFlag implements session.Reporter.
func (f *fanout) ReportFlag(ctx context.Context, n types.FlagNotice) error {
	return f.each(f.flagged, func(r session.Reporter) error {
		return r.ReportFlag(ctx, n)
	})
}

// DeliverSubmission implements session.Reporter.
func (f *fanout) DeliverSubmission(ctx context.Context, s types.Submission) error {
	return f.each(f.delivered, func(r session.Reporter) error {
		return r.DeliverSubmission(ctx, s)
	})
}

func (f *fanout) each(done map[int]bool, call func(session.Reporter) error) error {
	var errs []error
	for i, r := range f.targets {
		f.mu.Lock()
		skip := done[i]
		f.mu.Unlock()
		if skip {
			continue
		}
		if err := call(r); err != nil {
			errs = append(errs, fmt.Errorf("reporter %d: %w", i, err))
			continue
		}
		f.mu.Lock()
		done[i] = true
		f.mu.Unlock()
	}
	return errors.Join(errs...)
}
