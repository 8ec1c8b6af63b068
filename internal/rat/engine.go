package rat

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/cellguard/internal/events"
	"github.com/pingsantohq/cellguard/pkg/types"
)

// SignalReader exposes the radio readings a decision needs.
type SignalReader interface {
	ReadLteRsrp(radio types.RadioID) int
	ReadNrRsrp(radio types.RadioID) int
	ReadServingNetworkType(radio types.RadioID) types.NetworkType
	Read5GConfigType(radio types.RadioID) types.NRConfig
}

// HandoverIssuer asks the modem to move to another RAT class.
type HandoverIssuer interface {
	IssueHandover(ctx context.Context, radio types.RadioID, target types.RatClass) error
}

// Observer receives decision outcomes, typically for metrics.
type Observer interface {
	ObserveDecision(radio types.RadioID, decision Decision, limited bool)
}

type noopObserver struct{}

func (noopObserver) ObserveDecision(types.RadioID, Decision, bool) {}

// State is a point-in-time view of an engine.
type State struct {
	RadioID           types.RadioID     `json:"radio_id"`
	CurrentRat        types.RatClass    `json:"current_rat"`
	LteLevel          types.SignalLevel `json:"lte_level"`
	NrLevel           types.SignalLevel `json:"nr_level"`
	TransitionEnabled bool              `json:"transition_enabled"`
	Running           bool              `json:"running"`
	LastDecision      string            `json:"last_decision"`
	LastEvaluated     time.Time         `json:"last_evaluated,omitempty"`
	Handovers         uint64            `json:"handovers"`
}

// Option customises an Engine.
type Option func(*Engine)

func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithHandoverLimit caps issued handovers at perMinute with the given burst.
// A non-positive perMinute disables the cap.
func WithHandoverLimit(perMinute, burst int) Option {
	return func(e *Engine) {
		if perMinute <= 0 {
			e.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithRecorder(recorder events.Recorder) Option {
	return func(e *Engine) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine periodically evaluates signal levels for one radio and issues
// handovers between LTE and NR.
type Engine struct {
	radio    types.RadioID
	reader   SignalReader
	issuer   HandoverIssuer
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger
	recorder events.Recorder
	observer Observer
	now      func() time.Time

	running atomic.Bool
	enabled atomic.Bool
	wake    chan struct{}

	mu        sync.Mutex
	done      chan struct{}
	last      State
	handovers uint64
}

// DefaultInterval is the pause between evaluations.
const DefaultInterval = 5 * time.Second

func NewEngine(radio types.RadioID, reader SignalReader, issuer HandoverIssuer, opts ...Option) *Engine {
	e := &Engine{
		radio:    radio,
		reader:   reader,
		issuer:   issuer,
		interval: DefaultInterval,
		logger:   zap.NewNop(),
		recorder: events.NoopRecorder{},
		observer: noopObserver{},
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.last = State{RadioID: radio, CurrentRat: types.RatUnknown, LteLevel: types.SignalLevelInvalid, NrLevel: types.SignalLevelInvalid, LastDecision: DecisionNone.String()}
	return e
}

func (e *Engine) RadioID() types.RadioID { return e.radio }

func (e *Engine) GetLteSignalLevel() types.SignalLevel {
	return LteSignalLevel(e.reader.ReadLteRsrp(e.radio))
}

func (e *Engine) GetNrSignalLevel() types.SignalLevel {
	return NrSignalLevel(e.reader.ReadNrRsrp(e.radio))
}

func (e *Engine) GetCurrentRat() types.RatClass {
	return CurrentRat(e.reader.Read5GConfigType(e.radio), e.reader.ReadServingNetworkType(e.radio))
}

// Start launches the decision loop. It returns false when a loop is
// already running.
func (e *Engine) Start(ctx context.Context) bool {
	if !e.running.CompareAndSwap(false, true) {
		return false
	}
	// Discard a wake-up left by a Stop issued while idle.
	select {
	case <-e.wake:
	default:
	}
	e.enabled.Store(true)
	done := make(chan struct{})
	e.mu.Lock()
	e.done = done
	e.mu.Unlock()
	go e.loop(ctx, done)
	e.logger.Info("rat transition loop started", zap.Int("radio_id", int(e.radio)), zap.Duration("interval", e.interval))
	return true
}

// Stop disables transitions. The loop exits at its next wake-up.
func (e *Engine) Stop() {
	e.enabled.Store(false)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) Running() bool { return e.running.Load() }

func (e *Engine) TransitionEnabled() bool { return e.enabled.Load() }

// Done is closed when the most recent loop exits.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.done
}

func (e *Engine) State() State {
	e.mu.Lock()
	st := e.last
	st.Handovers = e.handovers
	e.mu.Unlock()
	st.TransitionEnabled = e.enabled.Load()
	st.Running = e.running.Load()
	return st
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer e.running.Store(false)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		if !e.enabled.Load() {
			e.logger.Info("rat transition loop stopped", zap.Int("radio_id", int(e.radio)))
			return
		}
		e.Evaluate(ctx)
		select {
		case <-ctx.Done():
			e.enabled.Store(false)
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// Evaluate runs one decision cycle and returns the decision taken. A
// decision suppressed by the handover limit is reported as DecisionNone.
func (e *Engine) Evaluate(ctx context.Context) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rat evaluation panicked", zap.Int("radio_id", int(e.radio)), zap.Any("panic", r))
			decision = DecisionNone
		}
	}()
	if !e.enabled.Load() {
		return DecisionNone
	}

	current := e.GetCurrentRat()
	lte := e.GetLteSignalLevel()
	nr := e.GetNrSignalLevel()
	decision = Decide(current, lte, nr)

	e.mu.Lock()
	e.last.CurrentRat = current
	e.last.LteLevel = lte
	e.last.NrLevel = nr
	e.last.LastDecision = decision.String()
	e.last.LastEvaluated = e.now().UTC()
	e.mu.Unlock()

	if decision == DecisionNone {
		e.observer.ObserveDecision(e.radio, decision, false)
		return DecisionNone
	}
	if e.limiter != nil && !e.limiter.Allow() {
		e.observer.ObserveDecision(e.radio, decision, true)
		e.logger.Warn("handover rate limited",
			zap.Int("radio_id", int(e.radio)),
			zap.String("decision", decision.String()),
		)
		return DecisionNone
	}
	e.observer.ObserveDecision(e.radio, decision, false)

	target := decision.Target()
	if err := e.issuer.IssueHandover(ctx, e.radio, target); err != nil {
		e.logger.Warn("handover failed",
			zap.Int("radio_id", int(e.radio)),
			zap.String("target", string(target)),
			zap.Error(err),
		)
		return decision
	}

	e.mu.Lock()
	e.handovers++
	e.mu.Unlock()

	e.recorder.Record(events.New(types.EventHandover, e.radio, e.now(), map[string]string{
		"from":      string(current),
		"to":        string(target),
		"lte_level": strconv.Itoa(int(lte)),
		"nr_level":  strconv.Itoa(int(nr)),
	}))
	e.logger.Info("handover issued",
		zap.Int("radio_id", int(e.radio)),
		zap.String("from", string(current)),
		zap.String("to", string(target)),
		zap.Int("lte_level", int(lte)),
		zap.Int("nr_level", int(nr)),
	)
	return decision
}
