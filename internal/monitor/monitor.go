package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pingsantohq/cellguard/internal/events"
	"github.com/pingsantohq/cellguard/pkg/types"
)

// MetadataSource returns the radio metadata correlated with an event, or
// false when it is unavailable.
type MetadataSource interface {
	FetchRadioMetadata(radio types.RadioID) (map[string]string, bool)
}

// Conditions answers the device state queries that gate recording and probing.
type Conditions interface {
	IsAirplaneMode(radio types.RadioID) bool
	IsSimReady(radio types.RadioID) bool
	IsDataConnectionBlocked(radio types.RadioID) bool
	CurrentStallDuration(radio types.RadioID) time.Duration
}

// ProbeRunner is one diagnostic run. See probe.Runner.
type ProbeRunner interface {
	Start(ctx context.Context) bool
	Stop()
	Running() bool
}

type RunnerFactory func(radio types.RadioID) ProbeRunner

// Observer receives monitor telemetry.
type Observer interface {
	ObserveEvent(radio types.RadioID, kind types.EventKind)
	ObserveInboxDrop(radio types.RadioID)
	ObserveProbeDelay(radio types.RadioID, delay time.Duration)
}

type Timer interface {
	Stop() bool
}

type Dependencies struct {
	Metadata   MetadataSource
	Conditions Conditions
	Recorder   events.Recorder
	NewRunner  RunnerFactory
	Observer   Observer
	Logger     *zap.Logger
	Now        func() time.Time
	AfterFunc  func(d time.Duration, f func()) Timer
}

// Status is a point-in-time view of a monitor.
type Status struct {
	RadioID      types.RadioID `json:"radio_id"`
	Started      bool          `json:"started"`
	ProbeDelay   time.Duration `json:"probe_delay"`
	ProbePending bool          `json:"probe_pending"`
	ProbeRunning bool          `json:"probe_running"`
	Processed    uint64        `json:"processed"`
	Dropped      uint64        `json:"dropped"`
}

type message interface {
	isMessage()
}

type reliabilityMsg struct {
	event types.ReliabilityEvent
}

type probeFireMsg struct {
	generation uint64
}

type stopProbeMsg struct{}

func (reliabilityMsg) isMessage() {}
func (probeFireMsg) isMessage()   {}
func (stopProbeMsg) isMessage()   {}

// Monitor serializes reliability events for one radio on a single worker
// goroutine and drives adaptive diagnostic probing. It implements
// broadcast.Callback; callbacks only enqueue.
type Monitor struct {
	radio types.RadioID
	cfg   Config
	deps  Dependencies

	inbox   chan message
	started atomic.Bool
	done    chan struct{}
	dropped atomic.Uint64

	// Owned by the worker goroutine.
	ctx        context.Context
	schedule   ProbeSchedule
	pending    Timer
	generation uint64
	runner     ProbeRunner
	processed  uint64

	statusMu sync.Mutex
	status   Status
}

func New(radio types.RadioID, cfg Config, deps Dependencies) *Monitor {
	cfg = cfg.withDefaults()
	if deps.Recorder == nil {
		deps.Recorder = events.NoopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.AfterFunc == nil {
		deps.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	deps.Logger = deps.Logger.With(zap.Int("radio_id", int(radio)))
	m := &Monitor{
		radio:    radio,
		cfg:      cfg,
		deps:     deps,
		inbox:    make(chan message, cfg.InboxSize),
		done:     make(chan struct{}),
		schedule: ProbeSchedule{Timeout: cfg.DefaultDelay},
	}
	m.status = Status{RadioID: radio, ProbeDelay: cfg.DefaultDelay}
	return m
}

func (m *Monitor) RadioID() types.RadioID {
	return m.radio
}

// Start launches the worker. It returns false when already started.
func (m *Monitor) Start(ctx context.Context) bool {
	if !m.started.CompareAndSwap(false, true) {
		return false
	}
	m.ctx = ctx
	m.publishStatus()
	go m.loop(ctx)
	return true
}

// Running reports whether the worker is started and has not exited.
func (m *Monitor) Running() bool {
	if !m.started.Load() {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the worker has exited.
func (m *Monitor) Wait() {
	<-m.done
}

// Stop cancels any pending probe, stops the active run and resets the
// backoff. Calling it repeatedly is harmless. Before Start there is no
// probe state to reset, so a full inbox is left alone.
func (m *Monitor) Stop() {
	select {
	case m.inbox <- stopProbeMsg{}:
	default:
		if !m.started.Load() {
			return
		}
		go func() {
			select {
			case m.inbox <- stopProbeMsg{}:
			case <-m.done:
			}
		}()
	}
}

func (m *Monitor) OnDataStall(radio types.RadioID, payload map[string]string) {
	m.offer(radio, types.NewDataStall(radio, m.deps.Now(), payload))
}

func (m *Monitor) OnDataSetupError(radio types.RadioID, payload map[string]string) {
	m.offer(radio, types.NewSetupError(radio, m.deps.Now(), payload))
}

func (m *Monitor) OnServiceStateChanged(radio types.RadioID, state types.ServiceState) {
	m.offer(radio, types.NewServiceStateChanged(radio, m.deps.Now(), state))
}

func (m *Monitor) offer(radio types.RadioID, ev types.ReliabilityEvent) {
	if radio != m.radio {
		return
	}
	select {
	case m.inbox <- reliabilityMsg{event: ev}:
	default:
		m.dropped.Add(1)
		if m.deps.Observer != nil {
			m.deps.Observer.ObserveInboxDrop(m.radio)
		}
		drop := events.New(types.EventInboxDrop, m.radio, ev.Timestamp, nil)
		drop.Details = map[string]any{"kind": ev.Kind.String()}
		m.deps.Recorder.Record(drop)
		m.deps.Logger.Warn("monitor inbox full, event dropped", zap.String("event", ev.Kind.String()))
	}
}

// Status returns the state published after the last processed message.
func (m *Monitor) Status() Status {
	m.statusMu.Lock()
	st := m.status
	m.statusMu.Unlock()
	st.Dropped = m.dropped.Load()
	st.Started = m.started.Load()
	return st
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case msg := <-m.inbox:
			m.handle(msg)
			m.processed++
			m.publishStatus()
		}
	}
}

func (m *Monitor) handle(msg message) {
	switch msg := msg.(type) {
	case reliabilityMsg:
		if m.deps.Observer != nil {
			m.deps.Observer.ObserveEvent(m.radio, msg.event.Kind)
		}
		switch msg.event.Kind {
		case types.KindDataStall:
			m.handleDataStall(msg.event)
		case types.KindSetupError:
			m.handleSetupError(msg.event)
		case types.KindServiceStateChanged:
			m.handleServiceState(msg.event)
		}
	case probeFireMsg:
		m.handleProbeFire(msg.generation)
	case stopProbeMsg:
		m.handleStop()
	}
}

func (m *Monitor) fetchMetadata() (map[string]string, bool) {
	if m.deps.Metadata == nil {
		return nil, false
	}
	meta, ok := m.deps.Metadata.FetchRadioMetadata(m.radio)
	if !ok || meta == nil {
		return nil, false
	}
	out := make(map[string]string, len(meta)+4)
	for k, v := range meta {
		out[k] = v
	}
	return out, true
}

func (m *Monitor) handleDataStall(ev types.ReliabilityEvent) {
	meta, ok := m.fetchMetadata()
	if !ok {
		m.deps.Logger.Debug("radio metadata unavailable, data stall skipped")
		return
	}
	for k, v := range ev.Metadata {
		if _, exists := meta[k]; !exists {
			meta[k] = v
		}
	}
	m.deps.Recorder.Record(events.New(types.EventDataStall, m.radio, ev.Timestamp, meta))
	m.startProbing(ev.Timestamp)
}

func (m *Monitor) startProbing(ts time.Time) {
	if m.deps.Conditions == nil || !m.deps.Conditions.IsDataConnectionBlocked(m.radio) {
		return
	}
	stall := m.deps.Conditions.CurrentStallDuration(m.radio)
	delay := NextProbeDelay(m.schedule.Timeout, stall, m.cfg)
	m.schedule.Timeout = delay
	m.schedule.StopRequested = false

	m.cancelPending()
	m.generation++
	generation := m.generation
	m.pending = m.deps.AfterFunc(delay, func() {
		select {
		case m.inbox <- probeFireMsg{generation: generation}:
		case <-m.done:
		}
	})

	if m.deps.Observer != nil {
		m.deps.Observer.ObserveProbeDelay(m.radio, delay)
	}
	scheduled := events.New(types.EventProbeScheduled, m.radio, ts, nil)
	scheduled.Details = map[string]any{"delay_ms": delay.Milliseconds(), "stall_ms": stall.Milliseconds()}
	m.deps.Recorder.Record(scheduled)
	m.deps.Logger.Info("probe scheduled", zap.Duration("delay", delay), zap.Duration("stall", stall))
}

func (m *Monitor) cancelPending() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

func (m *Monitor) handleProbeFire(generation uint64) {
	if generation != m.generation || m.pending == nil {
		return
	}
	m.pending = nil
	if m.runner != nil && m.runner.Running() {
		m.deps.Logger.Debug("probe still running, start skipped")
		return
	}
	if m.deps.NewRunner == nil {
		return
	}
	runner := m.deps.NewRunner(m.radio)
	if runner == nil {
		return
	}
	m.runner = runner
	if runner.Start(m.ctx) {
		m.schedule.Running = true
		m.deps.Logger.Info("probe started")
	}
}

func (m *Monitor) handleStop() {
	m.cancelPending()
	m.generation++
	if m.runner != nil {
		m.runner.Stop()
		m.runner = nil
	}
	m.schedule.Timeout = m.cfg.DefaultDelay
	m.schedule.StopRequested = true
	m.schedule.Running = false
}

func (m *Monitor) handleSetupError(ev types.ReliabilityEvent) {
	meta, ok := m.fetchMetadata()
	if !ok {
		m.deps.Logger.Debug("radio metadata unavailable, setup error skipped")
		return
	}
	for _, key := range []string{types.MetaAPNName, types.MetaAPNType, types.MetaReasonCode, types.MetaErrorCode} {
		if v, ok := ev.Metadata[key]; ok {
			meta[key] = v
		}
	}
	m.deps.Recorder.Record(events.New(types.EventSetupError, m.radio, ev.Timestamp, meta))
}

func (m *Monitor) handleServiceState(ev types.ReliabilityEvent) {
	if ev.ServiceState != types.StateOutOfService || !m.unexpectedOutOfService() {
		return
	}
	meta, ok := m.fetchMetadata()
	if !ok {
		m.deps.Logger.Debug("radio metadata unavailable, out of service skipped")
		return
	}
	meta["SERVICE_STATE"] = ev.ServiceState.String()
	m.deps.Recorder.Record(events.New(types.EventOutOfService, m.radio, ev.Timestamp, meta))
}

// unexpectedOutOfService is true when losing service is not explained by
// the user: airplane mode is off yet the SIM is not ready.
func (m *Monitor) unexpectedOutOfService() bool {
	if m.deps.Conditions == nil {
		return false
	}
	if m.deps.Conditions.IsAirplaneMode(m.radio) {
		return false
	}
	return !m.deps.Conditions.IsSimReady(m.radio)
}

func (m *Monitor) shutdown() {
	m.cancelPending()
	if m.runner != nil {
		m.runner.Stop()
		m.runner = nil
	}
	m.schedule.Running = false
	m.publishStatus()
}

func (m *Monitor) publishStatus() {
	running := m.runner != nil && m.runner.Running()
	m.schedule.Running = running
	m.statusMu.Lock()
	m.status = Status{
		RadioID:      m.radio,
		ProbeDelay:   m.schedule.Timeout,
		ProbePending: m.pending != nil,
		ProbeRunning: running,
		Processed:    m.processed,
	}
	m.statusMu.Unlock()
}
