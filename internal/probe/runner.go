package probe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pingsantohq/cellguard/pkg/types"
)

// ReportSink receives finished diagnostic reports. Empty reports are never
// delivered.
type ReportSink interface {
	RecordReport(report types.DiagnosticReport)
}

// Observer is notified once per finished run.
type Observer interface {
	ObserveProbeRun(radio types.RadioID, success, stopped bool)
}

type Option func(*Runner)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(r *Runner) {
		r.observer = obs
	}
}

// WithCheckTimeout bounds every individual check.
func WithCheckTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.checkTimeout = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Runner executes a battery of connectivity checks concurrently and joins
// their outcomes into one DiagnosticReport. At most one run is in flight
// per Runner.
type Runner struct {
	radio        types.RadioID
	checks       []Check
	sink         ReportSink
	observer     Observer
	logger       *zap.Logger
	checkTimeout time.Duration
	now          func() time.Time

	running atomic.Bool

	mu            sync.Mutex
	stopRequested bool
	stopCh        chan struct{}
	done          chan struct{}
}

func NewRunner(radio types.RadioID, checks []Check, sink ReportSink, opts ...Option) *Runner {
	r := &Runner{
		radio:  radio,
		checks: append([]Check(nil), checks...),
		sink:   sink,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches a run. It returns false, doing nothing, when a run is
// already in flight.
func (r *Runner) Start(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		return false
	}

	stopCh := make(chan struct{})
	done := make(chan struct{})
	r.mu.Lock()
	r.stopRequested = false
	r.stopCh = stopCh
	r.done = done
	r.mu.Unlock()

	go r.run(ctx, stopCh, done)
	return true
}

// Stop asks the in-flight run to finish early. Checks already issued are
// not interrupted; the run stops waiting for them and stops issuing new ones.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopRequested || r.stopCh == nil {
		return
	}
	r.stopRequested = true
	close(r.stopCh)
}

// Running reports whether a run is in flight.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Done returns a channel closed when the most recent run has finished.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

func (r *Runner) stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

func (r *Runner) run(ctx context.Context, stopCh <-chan struct{}, done chan struct{}) {
	defer close(done)

	report := r.collect(ctx, stopCh)
	success := report.Success()
	if report.Empty() {
		r.logger.Debug("probe run produced no usable result", zap.Int("radio_id", int(r.radio)), zap.Bool("stopped", report.Stopped))
	} else if r.sink != nil {
		r.sink.RecordReport(*report)
	}
	if r.observer != nil {
		r.observer.ObserveProbeRun(r.radio, success, report.Stopped)
	}
	r.logger.Info("probe run finished",
		zap.Int("radio_id", int(r.radio)),
		zap.String("report_id", report.ID),
		zap.Bool("success", success),
		zap.Bool("stopped", report.Stopped),
		zap.Int("outcomes", len(report.Outcomes)),
	)

	r.running.Store(false)
}

type indexedOutcome struct {
	index   int
	outcome types.CheckOutcome
}

func (r *Runner) collect(ctx context.Context, stopCh <-chan struct{}) *types.DiagnosticReport {
	report := &types.DiagnosticReport{
		ID:        uuid.NewString(),
		RadioID:   r.radio,
		StartedAt: r.now().UTC(),
	}

	results := make(chan indexedOutcome, len(r.checks))
	issued := 0
	for i, check := range r.checks {
		if r.stopping() || ctx.Err() != nil {
			report.Stopped = true
			break
		}
		issued++
		go func(i int, check Check) {
			results <- indexedOutcome{index: i, outcome: r.runCheck(ctx, check)}
		}(i, check)
	}

	collected := make([]*types.CheckOutcome, len(r.checks))
wait:
	for received := 0; received < issued; {
		select {
		case res := <-results:
			outcome := res.outcome
			collected[res.index] = &outcome
			received++
		case <-stopCh:
			report.Stopped = true
			break wait
		case <-ctx.Done():
			report.Stopped = true
			break wait
		}
	}

	for _, outcome := range collected {
		if outcome != nil {
			report.Outcomes = append(report.Outcomes, *outcome)
		}
	}
	report.CompletedAt = r.now().UTC()
	return report
}

func (r *Runner) runCheck(ctx context.Context, check Check) (outcome types.CheckOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = types.CheckOutcome{
				Check: check.Name(),
				Error: fmt.Sprintf("check panicked: %v", rec),
			}
		}
	}()
	if r.checkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.checkTimeout)
		defer cancel()
	}
	outcome = check.Run(ctx)
	if outcome.Check == "" {
		outcome.Check = check.Name()
	}
	return outcome
}
