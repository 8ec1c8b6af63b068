// Package runtime wires radios, monitors, probe runners and RAT engines
// into one process.
package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pingsantohq/cellguard/internal/broadcast"
	"github.com/pingsantohq/cellguard/internal/config"
	"github.com/pingsantohq/cellguard/internal/events"
	"github.com/pingsantohq/cellguard/internal/metrics"
	"github.com/pingsantohq/cellguard/internal/monitor"
	"github.com/pingsantohq/cellguard/internal/probe"
	"github.com/pingsantohq/cellguard/internal/queue"
	"github.com/pingsantohq/cellguard/internal/rat"
	"github.com/pingsantohq/cellguard/internal/telemetry"
	"github.com/pingsantohq/cellguard/internal/transmit"
	"github.com/pingsantohq/cellguard/pkg/types"
)

// ErrUnknownRadio is returned for radios that are not configured.
var ErrUnknownRadio = errors.New("unknown radio")

type Option func(*options)

type options struct {
	logger    *zap.Logger
	metrics   *metrics.Store
	recorders []events.Recorder
	checks    func(radio types.RadioID) []probe.Check
	issuer    rat.HandoverIssuer
	telemetry *telemetry.Store
	now       func() time.Time
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetricsStore(store *metrics.Store) Option {
	return func(o *options) {
		o.metrics = store
	}
}

// WithRecorder adds a recorder that sees every event next to the queue.
func WithRecorder(rec events.Recorder) Option {
	return func(o *options) {
		if rec != nil {
			o.recorders = append(o.recorders, rec)
		}
	}
}

// WithChecks overrides the diagnostic battery built from configuration.
func WithChecks(fn func(radio types.RadioID) []probe.Check) Option {
	return func(o *options) {
		o.checks = fn
	}
}

// WithHandoverIssuer replaces the telemetry mailbox as handover target.
func WithHandoverIssuer(issuer rat.HandoverIssuer) Option {
	return func(o *options) {
		o.issuer = issuer
	}
}

func WithTelemetry(store *telemetry.Store) Option {
	return func(o *options) {
		o.telemetry = store
	}
}

func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

type radio struct {
	monitor *monitor.Monitor
	engine  *rat.Engine
	sub     broadcast.Subscription
}

// Runtime owns one monitor and one RAT engine per configured radio.
type Runtime struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *broadcast.Registry
	telemetry *telemetry.Store
	queue     *queue.EventQueue
	recorder  events.Recorder
	metrics   *metrics.Store
	now       func() time.Time

	radios map[types.RadioID]*radio
	order  []types.RadioID

	mu      sync.Mutex
	started bool
	ctx     context.Context
}

// New builds the runtime from a defaulted configuration.
func New(cfg config.Config, opts ...Option) *Runtime {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.NewStore(telemetry.WithNow(o.now))
	}
	if o.issuer == nil {
		o.issuer = o.telemetry
	}
	if o.checks == nil {
		probes := cfg.Probes
		o.checks = func(types.RadioID) []probe.Check {
			return probe.Battery(probes.DNSResolvers, probes.DNSQuery, probes.ICMPPrivileged)
		}
	}

	q := queue.NewEventQueue(cfg.Queue.MemItemsCap)
	if o.metrics != nil {
		q.SetMetricsRecorder(o.metrics)
	}
	recorder := events.NewMulti(append([]events.Recorder{q}, o.recorders...)...)

	rt := &Runtime{
		cfg:       cfg,
		logger:    o.logger,
		registry:  broadcast.NewRegistry(),
		telemetry: o.telemetry,
		queue:     q,
		recorder:  recorder,
		metrics:   o.metrics,
		now:       o.now,
		radios:    make(map[types.RadioID]*radio, len(cfg.Radios)),
	}

	monCfg := monitor.Config{
		DefaultDelay:   cfg.Monitor.DefaultProbeDelay,
		MaxDelay:       cfg.Monitor.MaxProbeDelay,
		StallThreshold: cfg.Monitor.StallThreshold,
		InboxSize:      cfg.Monitor.InboxSize,
	}
	for _, raw := range cfg.Radios {
		id := types.RadioID(raw)
		rt.radios[id] = &radio{
			monitor: monitor.New(id, monCfg, rt.monitorDeps(o.checks)),
			engine:  rt.newEngine(id, o.issuer),
		}
		rt.order = append(rt.order, id)
	}
	sort.Slice(rt.order, func(i, j int) bool { return rt.order[i] < rt.order[j] })
	return rt
}

func (rt *Runtime) monitorDeps(checks func(types.RadioID) []probe.Check) monitor.Dependencies {
	sink := probe.EventSink{Recorder: rt.recorder}
	probeOpts := []probe.Option{
		probe.WithLogger(rt.logger),
		probe.WithCheckTimeout(rt.cfg.Probes.CheckTimeout),
		probe.WithNow(rt.now),
	}
	deps := monitor.Dependencies{
		Metadata:   rt.telemetry,
		Conditions: rt.telemetry,
		Recorder:   rt.recorder,
		Logger:     rt.logger,
		Now:        rt.now,
		NewRunner: func(id types.RadioID) monitor.ProbeRunner {
			opts := probeOpts
			if rt.metrics != nil {
				opts = append(append([]probe.Option(nil), probeOpts...), probe.WithObserver(rt.metrics))
			}
			return probe.NewRunner(id, checks(id), sink, opts...)
		},
	}
	if rt.metrics != nil {
		deps.Observer = rt.metrics
	}
	return deps
}

func (rt *Runtime) newEngine(id types.RadioID, issuer rat.HandoverIssuer) *rat.Engine {
	opts := []rat.Option{
		rat.WithInterval(rt.cfg.Rat.Interval),
		rat.WithHandoverLimit(rt.cfg.Rat.HandoverRatePerMin, rt.cfg.Rat.HandoverBurst),
		rat.WithLogger(rt.logger),
		rat.WithRecorder(rt.recorder),
		rat.WithNow(rt.now),
	}
	if rt.metrics != nil {
		opts = append(opts, rat.WithObserver(rt.metrics))
	}
	return rat.NewEngine(id, rt.telemetry, issuer, opts...)
}

// Start launches every monitor, subscribes it to the broadcaster and, when
// configured, starts the RAT engines. The returned function blocks until
// all workers have exited after ctx is cancelled.
func (rt *Runtime) Start(ctx context.Context) func() {
	rt.mu.Lock()
	rt.started = true
	rt.ctx = ctx
	rt.mu.Unlock()

	for _, id := range rt.order {
		r := rt.radios[id]
		r.monitor.Start(ctx)
		r.sub = rt.registry.Register(r.monitor)
		if rt.cfg.Rat.EnabledOnStart {
			r.engine.Start(ctx)
		}
	}
	rt.logger.Info("runtime started", zap.Int("radios", len(rt.order)), zap.Bool("rat_enabled", rt.cfg.Rat.EnabledOnStart))

	return func() {
		<-ctx.Done()
		for _, id := range rt.order {
			r := rt.radios[id]
			rt.registry.Deregister(r.sub)
			r.engine.Stop()
		}
		for _, id := range rt.order {
			r := rt.radios[id]
			r.monitor.Wait()
			<-r.engine.Done()
		}
	}
}

func (rt *Runtime) lookup(id types.RadioID) (*radio, error) {
	r, ok := rt.radios[id]
	if !ok {
		return nil, ErrUnknownRadio
	}
	return r, nil
}

func (rt *Runtime) Radios() []types.RadioID {
	return append([]types.RadioID(nil), rt.order...)
}

func (rt *Runtime) Registry() *broadcast.Registry { return rt.registry }

func (rt *Runtime) Telemetry() *telemetry.Store { return rt.telemetry }

func (rt *Runtime) EventQueue() *queue.EventQueue { return rt.queue }

// Recorder returns the recorder every component writes events through.
func (rt *Runtime) Recorder() events.Recorder { return rt.recorder }

// NotifyDataStall starts the radio's stall clock and broadcasts the event.
func (rt *Runtime) NotifyDataStall(id types.RadioID, payload map[string]string) error {
	if _, err := rt.lookup(id); err != nil {
		return err
	}
	rt.telemetry.MarkDataStall(id, rt.now())
	rt.registry.NotifyDataStall(id, payload)
	return nil
}

func (rt *Runtime) NotifySetupError(id types.RadioID, apnName, apnType, reason, cause string) error {
	if _, err := rt.lookup(id); err != nil {
		return err
	}
	rt.registry.NotifySetupError(id, broadcast.SetupErrorPayload(apnName, apnType, reason, cause))
	return nil
}

func (rt *Runtime) NotifyServiceState(id types.RadioID, state types.ServiceState) error {
	if _, err := rt.lookup(id); err != nil {
		return err
	}
	rt.registry.NotifyServiceStateChanged(id, state)
	return nil
}

func (rt *Runtime) UpdateTelemetry(id types.RadioID, sample telemetry.Sample) (telemetry.RadioState, error) {
	if _, err := rt.lookup(id); err != nil {
		return telemetry.RadioState{}, err
	}
	return rt.telemetry.Update(id, sample), nil
}

func (rt *Runtime) TelemetryState(id types.RadioID) (telemetry.RadioState, error) {
	if _, err := rt.lookup(id); err != nil {
		return telemetry.RadioState{}, err
	}
	st, ok := rt.telemetry.State(id)
	if !ok {
		return telemetry.RadioState{RadioID: id, LteRsrp: telemetry.Unavailable, NrRsrp: telemetry.Unavailable, NRConfig: types.NRConfigNone}, nil
	}
	return st, nil
}

// StartRat starts the radio's RAT engine. It reports false when the engine
// was already running or the runtime has not started yet.
func (rt *Runtime) StartRat(id types.RadioID) (bool, error) {
	r, err := rt.lookup(id)
	if err != nil {
		return false, err
	}
	rt.mu.Lock()
	ctx, started := rt.ctx, rt.started
	rt.mu.Unlock()
	if !started {
		return false, nil
	}
	return r.engine.Start(ctx), nil
}

func (rt *Runtime) StopRat(id types.RadioID) error {
	r, err := rt.lookup(id)
	if err != nil {
		return err
	}
	r.engine.Stop()
	return nil
}

func (rt *Runtime) RatState(id types.RadioID) (rat.State, error) {
	r, err := rt.lookup(id)
	if err != nil {
		return rat.State{}, err
	}
	return r.engine.State(), nil
}

// StopProbing cancels pending and running diagnostics for the radio.
func (rt *Runtime) StopProbing(id types.RadioID) error {
	r, err := rt.lookup(id)
	if err != nil {
		return err
	}
	r.monitor.Stop()
	return nil
}

func (rt *Runtime) MonitorStatus(id types.RadioID) (monitor.Status, error) {
	r, err := rt.lookup(id)
	if err != nil {
		return monitor.Status{}, err
	}
	return r.monitor.Status(), nil
}

// MonitorCounts reports configured and started monitors.
func (rt *Runtime) MonitorCounts() (expected, running int) {
	for _, id := range rt.order {
		if rt.radios[id].monitor.Running() {
			running++
		}
	}
	return len(rt.order), running
}

func (rt *Runtime) NewTransmitter(sink transmit.Sink, opts ...transmit.Option) *transmit.Transmitter {
	return transmit.New(rt.queue, sink, opts...)
}
