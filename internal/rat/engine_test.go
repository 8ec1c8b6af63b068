package rat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pingsantohq/cellguard/pkg/types"
)

type fakeReader struct {
	mu      sync.Mutex
	reads   int
	lte     int
	nr      int
	network types.NetworkType
	config  types.NRConfig
	panics  bool
}

func (f *fakeReader) set(lte, nr int, network types.NetworkType, config types.NRConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lte, f.nr, f.network, f.config = lte, nr, network, config
}

func (f *fakeReader) ReadLteRsrp(types.RadioID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("modem gone")
	}
	f.reads++
	return f.lte
}

func (f *fakeReader) lteReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeReader) ReadNrRsrp(types.RadioID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nr
}

func (f *fakeReader) ReadServingNetworkType(types.RadioID) types.NetworkType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.network
}

func (f *fakeReader) Read5GConfigType(types.RadioID) types.NRConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

type fakeIssuer struct {
	mu      sync.Mutex
	targets []types.RatClass
	err     error
}

func (f *fakeIssuer) IssueHandover(_ context.Context, _ types.RadioID, target types.RatClass) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.targets = append(f.targets, target)
	return nil
}

func (f *fakeIssuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

type captureRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *captureRecorder) Record(event types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

type countingObserver struct {
	mu      sync.Mutex
	limited int
	total   int
}

func (c *countingObserver) ObserveDecision(_ types.RadioID, _ Decision, limited bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if limited {
		c.limited++
	}
}

func TestEngineReadsLevels(t *testing.T) {
	reader := &fakeReader{}
	reader.set(-141, 10, types.NetworkLTE, types.NRConfigNone)
	engine := NewEngine(1, reader, &fakeIssuer{})
	if got := engine.GetLteSignalLevel(); got != types.SignalLevelInvalid {
		t.Fatalf("expected invalid lte level got %d", got)
	}
	if got := engine.GetNrSignalLevel(); got != types.SignalLevelInvalid {
		t.Fatalf("expected invalid nr level got %d", got)
	}
	if got := engine.GetCurrentRat(); got != types.Rat4G {
		t.Fatalf("expected 4G got %s", got)
	}
}

func TestEvaluateIssuesHandoverToNR(t *testing.T) {
	reader := &fakeReader{}
	reader.set(-110, -85, types.NetworkLTE, types.NRConfigNone)
	issuer := &fakeIssuer{}
	recorder := &captureRecorder{}
	engine := NewEngine(2, reader, issuer, WithRecorder(recorder))
	engine.enabled.Store(true)

	if got := engine.Evaluate(context.Background()); got != DecisionSwitchToNR {
		t.Fatalf("expected switch to nr got %s", got)
	}
	if len(issuer.targets) != 1 || issuer.targets[0] != types.Rat5G {
		t.Fatalf("unexpected handovers %v", issuer.targets)
	}
	if len(recorder.events) != 1 {
		t.Fatalf("expected one handover event got %d", len(recorder.events))
	}
	ev := recorder.events[0]
	if ev.Type != types.EventHandover || ev.Labels["from"] != "4G" || ev.Labels["to"] != "5G" {
		t.Fatalf("unexpected event %+v", ev)
	}
	st := engine.State()
	if st.CurrentRat != types.Rat4G || st.LteLevel != 1 || st.NrLevel != 2 || st.Handovers != 1 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestEvaluateFallsBackToLTE(t *testing.T) {
	reader := &fakeReader{}
	reader.set(-95, -120, types.NetworkLTE, types.NRConfigNSA)
	issuer := &fakeIssuer{}
	engine := NewEngine(0, reader, issuer)
	engine.enabled.Store(true)

	if got := engine.Evaluate(context.Background()); got != DecisionSwitchToLTE {
		t.Fatalf("expected switch to lte got %s", got)
	}
	if issuer.targets[0] != types.Rat4G {
		t.Fatalf("expected 4G target got %s", issuer.targets[0])
	}
}

func TestEvaluateDisabledDoesNothing(t *testing.T) {
	reader := &fakeReader{}
	reader.set(-110, -85, types.NetworkLTE, types.NRConfigNone)
	issuer := &fakeIssuer{}
	engine := NewEngine(0, reader, issuer)
	if got := engine.Evaluate(context.Background()); got != DecisionNone {
		t.Fatalf("expected no decision while disabled got %s", got)
	}
	if issuer.count() != 0 {
		t.Fatalf("expected no handover")
	}
}

func TestEvaluateRecoversFromPanics(t *testing.T) {
	reader := &fakeReader{panics: true}
	engine := NewEngine(0, reader, &fakeIssuer{})
	engine.enabled.Store(true)
	if got := engine.Evaluate(context.Background()); got != DecisionNone {
		t.Fatalf("expected none after panic got %s", got)
	}
}

func TestEvaluateHandoverErrorNotCounted(t *testing.T) {
	reader := &fakeReader{}
	reader.set(-110, -85, types.NetworkLTE, types.NRConfigNone)
	recorder := &captureRecorder{}
	engine := NewEngine(0, reader, &fakeIssuer{err: errors.New("modem busy")}, WithRecorder(recorder))
	engine.enabled.Store(true)
	engine.Evaluate(context.Background())
	if engine.State().Handovers != 0 || len(recorder.events) != 0 {
		t.Fatalf("failed handover must not be recorded")
	}
}

func TestHandoverLimit(t *testing.T) {
	reader := &fakeReader{}
	reader.set(-110, -85, types.NetworkLTE, types.NRConfigNone)
	issuer := &fakeIssuer{}
	observer := &countingObserver{}
	engine := NewEngine(0, reader, issuer, WithHandoverLimit(1, 2), WithObserver(observer))
	engine.enabled.Store(true)

	for i := 0; i < 5; i++ {
		engine.Evaluate(context.Background())
	}
	if issuer.count() != 2 {
		t.Fatalf("expected burst of 2 handovers got %d", issuer.count())
	}
	if observer.limited != 3 || observer.total != 5 {
		t.Fatalf("unexpected observations limited=%d total=%d", observer.limited, observer.total)
	}
}

func TestStartIsSingleFlightAndStopExits(t *testing.T) {
	reader := &fakeReader{}
	reader.set(-100, -100, types.NetworkUMTS, types.NRConfigNone)
	engine := NewEngine(0, reader, &fakeIssuer{}, WithInterval(time.Hour))

	if !engine.Start(context.Background()) {
		t.Fatalf("expected first start to succeed")
	}
	if engine.Start(context.Background()) {
		t.Fatalf("expected second start to be rejected")
	}
	if !engine.Running() || !engine.TransitionEnabled() {
		t.Fatalf("expected running and enabled")
	}
	done := engine.Done()
	engine.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit after stop")
	}
	if engine.Running() || engine.TransitionEnabled() {
		t.Fatalf("expected stopped engine")
	}
	if !engine.Start(context.Background()) {
		t.Fatalf("expected restart after stop")
	}
	engine.Stop()
	<-engine.Done()
}

func TestConcurrentStartRunsOneLoop(t *testing.T) {
	reader := &fakeReader{}
	reader.set(-100, -100, types.NetworkUMTS, types.NRConfigNone)
	engine := NewEngine(0, reader, &fakeIssuer{}, WithInterval(time.Hour))

	const attempts = 32
	var started atomic.Int32
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			if engine.Start(context.Background()) {
				started.Add(1)
			}
		}()
	}
	close(gate)
	wg.Wait()

	if got := started.Load(); got != 1 {
		t.Fatalf("expected exactly one start to win, got %d", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reader.lteReads() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("loop never evaluated")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := reader.lteReads(); got != 1 {
		t.Fatalf("expected a single loop evaluating once, got %d evaluations", got)
	}

	engine.Stop()
	<-engine.Done()
}

func TestStopWhileIdleDoesNotDoubleEvaluate(t *testing.T) {
	reader := &fakeReader{}
	reader.set(-110, -85, types.NetworkLTE, types.NRConfigNone)
	issuer := &fakeIssuer{}
	engine := NewEngine(0, reader, issuer, WithInterval(time.Hour))

	engine.Stop()
	if !engine.Start(context.Background()) {
		t.Fatalf("expected start to succeed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for issuer.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected initial handover")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := issuer.count(); got != 1 {
		t.Fatalf("expected one handover after start, got %d", got)
	}

	engine.Stop()
	<-engine.Done()
}

func TestLoopEvaluatesOnEachTick(t *testing.T) {
	reader := &fakeReader{}
	reader.set(-110, -85, types.NetworkLTE, types.NRConfigNone)
	issuer := &fakeIssuer{}
	engine := NewEngine(0, reader, issuer, WithInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for issuer.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated evaluations got %d", issuer.count())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit after cancel")
	}
}

func TestDoneBeforeStart(t *testing.T) {
	engine := NewEngine(0, &fakeReader{}, &fakeIssuer{})
	select {
	case <-engine.Done():
	default:
		t.Fatalf("expected closed channel before any start")
	}
}
