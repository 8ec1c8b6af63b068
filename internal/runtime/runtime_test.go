package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pingsantohq/cellguard/internal/config"
	"github.com/pingsantohq/cellguard/internal/metrics"
	"github.com/pingsantohq/cellguard/internal/probe"
	"github.com/pingsantohq/cellguard/internal/telemetry"
	"github.com/pingsantohq/cellguard/pkg/types"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *captureRecorder) Record(ev types.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureRecorder) ofType(et types.EventType) []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Event
	for _, ev := range c.events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() config.Config {
	cfg := config.Config{Radios: []int{1, 0}}
	cfg.Monitor.DefaultProbeDelay = 10 * time.Millisecond
	cfg.Monitor.MaxProbeDelay = 100 * time.Millisecond
	cfg.Rat.Interval = time.Hour
	cfg.ApplyDefaults()
	return cfg
}

func okChecks(types.RadioID) []probe.Check {
	return []probe.Check{
		probe.CheckFunc{CheckName: "stub", Fn: func(context.Context) types.CheckOutcome {
			return types.CheckOutcome{Check: "stub", Success: true}
		}},
	}
}

func ptr[T any](v T) *T { return &v }

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRuntimeDataStallSchedulesProbe(t *testing.T) {
	capture := &captureRecorder{}
	store := metrics.NewStore()
	rt := New(testConfig(), WithRecorder(capture), WithChecks(okChecks), WithMetricsStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	wait := rt.Start(ctx)
	defer func() {
		cancel()
		wait()
	}()

	if _, err := rt.UpdateTelemetry(0, telemetry.Sample{LteRsrp: ptr(-100), NetworkType: ptr(types.NetworkLTE), DataBlocked: ptr(true)}); err != nil {
		t.Fatalf("update telemetry: %v", err)
	}
	if err := rt.NotifyDataStall(0, map[string]string{"SOURCE": "modem"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(capture.ofType(types.EventProbeReport)) == 1 })

	stalls := capture.ofType(types.EventDataStall)
	if len(stalls) != 1 || stalls[0].RadioID != 0 || stalls[0].Labels[types.MetaRAT] != "4G" || stalls[0].Labels["SOURCE"] != "modem" {
		t.Fatalf("unexpected stall events %+v", stalls)
	}
	if len(capture.ofType(types.EventProbeScheduled)) != 1 {
		t.Fatalf("expected one scheduled probe")
	}
	report := capture.ofType(types.EventProbeReport)[0]
	if report.Details["success"] != true {
		t.Fatalf("expected successful report %+v", report.Details)
	}
	if rt.EventQueue().Len() == 0 {
		t.Fatalf("expected events buffered for the journal")
	}
	if store.Snapshot().QueueDepth == 0 {
		t.Fatalf("expected queue depth metric")
	}
}

func TestRuntimeOutOfService(t *testing.T) {
	capture := &captureRecorder{}
	rt := New(testConfig(), WithRecorder(capture), WithChecks(okChecks))
	ctx, cancel := context.WithCancel(context.Background())
	wait := rt.Start(ctx)
	defer func() {
		cancel()
		wait()
	}()

	rt.UpdateTelemetry(1, telemetry.Sample{AirplaneMode: ptr(false), SimReady: ptr(false)})
	if err := rt.NotifyServiceState(1, types.StateOutOfService); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(capture.ofType(types.EventOutOfService)) == 1 })
}

func TestRuntimeSetupError(t *testing.T) {
	capture := &captureRecorder{}
	rt := New(testConfig(), WithRecorder(capture), WithChecks(okChecks))
	ctx, cancel := context.WithCancel(context.Background())
	wait := rt.Start(ctx)
	defer func() {
		cancel()
		wait()
	}()

	rt.UpdateTelemetry(0, telemetry.Sample{LteRsrp: ptr(-90)})
	if err := rt.NotifySetupError(0, "", "default", "33", "-1"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(capture.ofType(types.EventSetupError)) == 1 })
	ev := capture.ofType(types.EventSetupError)[0]
	if ev.Labels[types.MetaAPNName] != "unknown" || ev.Labels[types.MetaReasonCode] != "33" {
		t.Fatalf("unexpected labels %v", ev.Labels)
	}
}

func TestRuntimeUnknownRadio(t *testing.T) {
	rt := New(testConfig())
	if err := rt.NotifyDataStall(9, nil); !errors.Is(err, ErrUnknownRadio) {
		t.Fatalf("expected ErrUnknownRadio got %v", err)
	}
	if _, err := rt.StartRat(9); !errors.Is(err, ErrUnknownRadio) {
		t.Fatalf("expected ErrUnknownRadio got %v", err)
	}
	if err := rt.StopProbing(9); !errors.Is(err, ErrUnknownRadio) {
		t.Fatalf("expected ErrUnknownRadio got %v", err)
	}
	if _, err := rt.UpdateTelemetry(9, telemetry.Sample{}); !errors.Is(err, ErrUnknownRadio) {
		t.Fatalf("expected ErrUnknownRadio got %v", err)
	}
}

func TestRuntimeRatControls(t *testing.T) {
	rt := New(testConfig())
	if started, err := rt.StartRat(0); err != nil || started {
		t.Fatalf("expected no start before runtime start, got %v %v", started, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wait := rt.Start(ctx)

	if started, _ := rt.StartRat(0); !started {
		t.Fatalf("expected rat start")
	}
	if started, _ := rt.StartRat(0); started {
		t.Fatalf("expected second start rejected")
	}
	st, err := rt.RatState(0)
	if err != nil || !st.Running || !st.TransitionEnabled {
		t.Fatalf("unexpected state %+v %v", st, err)
	}
	if err := rt.StopRat(0); err != nil {
		t.Fatalf("stop rat: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		st, _ := rt.RatState(0)
		return !st.Running
	})

	cancel()
	wait()
}

func TestRuntimeMonitorLifecycle(t *testing.T) {
	rt := New(testConfig())
	if got := rt.Radios(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("expected sorted radios got %v", got)
	}
	if expected, running := rt.MonitorCounts(); expected != 2 || running != 0 {
		t.Fatalf("unexpected counts before start %d/%d", running, expected)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wait := rt.Start(ctx)
	if _, running := rt.MonitorCounts(); running != 2 {
		t.Fatalf("expected both monitors running got %d", running)
	}
	if rt.Registry().Len() != 2 {
		t.Fatalf("expected two subscriptions got %d", rt.Registry().Len())
	}
	if err := rt.StopProbing(0); err != nil {
		t.Fatalf("stop probing: %v", err)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("runtime did not shut down")
	}
	if _, running := rt.MonitorCounts(); running != 0 {
		t.Fatalf("expected monitors stopped got %d", running)
	}
	if rt.Registry().Len() != 0 {
		t.Fatalf("expected subscriptions removed")
	}
}
