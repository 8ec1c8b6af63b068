package probe

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/pingsantohq/cellguard/pkg/types"
)

func startDNSServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() {
		_ = srv.ActivateAndServe()
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("dns server did not start")
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func answerA(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A 192.0.2.10")
	m.Answer = append(m.Answer, rr)
	_ = w.WriteMsg(m)
}

func answerNXDomain(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetRcode(r, dns.RcodeNameError)
	_ = w.WriteMsg(m)
}

func TestDNSCheckSucceedsOnAnswer(t *testing.T) {
	addr := startDNSServer(t, answerA)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcome := DNS{Resolvers: []string{addr}, Query: "probe.example"}.Run(ctx)
	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if outcome.Check != CheckDNS || outcome.Target != addr {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestDNSCheckFallsThroughFailingResolver(t *testing.T) {
	bad := startDNSServer(t, answerNXDomain)
	good := startDNSServer(t, answerA)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcome := DNS{Resolvers: []string{bad, good}, Query: "probe.example"}.Run(ctx)
	if !outcome.Success || outcome.Target != good {
		t.Fatalf("expected second resolver to answer, got %+v", outcome)
	}
}

func TestDNSCheckReportsRcodeFailure(t *testing.T) {
	bad := startDNSServer(t, answerNXDomain)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcome := DNS{Resolvers: []string{bad}, Query: "probe.example"}.Run(ctx)
	if outcome.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(outcome.Error, "NXDOMAIN") {
		t.Fatalf("expected NXDOMAIN in error, got %q", outcome.Error)
	}
}

func TestChecksWithoutResolvers(t *testing.T) {
	ctx := context.Background()
	if out := (DNS{}).Run(ctx); out.Success || out.Error == "" {
		t.Fatalf("expected dns failure without resolvers, got %+v", out)
	}
	if out := (DNSViaICMP{}).Run(ctx); out.Success || out.Error == "" {
		t.Fatalf("expected icmp failure without resolvers, got %+v", out)
	}
}

func TestResolverAddressing(t *testing.T) {
	if got := resolverAddr("1.1.1.1"); got != "1.1.1.1:53" {
		t.Fatalf("unexpected addr %s", got)
	}
	if got := resolverAddr("9.9.9.9:5353"); got != "9.9.9.9:5353" {
		t.Fatalf("unexpected addr %s", got)
	}
	if got := resolverAddr("[2001:db8::1]"); got != "[2001:db8::1]:53" {
		t.Fatalf("unexpected addr %s", got)
	}
	if got := resolverHost("8.8.8.8:53"); got != "8.8.8.8" {
		t.Fatalf("unexpected host %s", got)
	}
	if got := resolverHost("8.8.4.4"); got != "8.8.4.4" {
		t.Fatalf("unexpected host %s", got)
	}
}

func TestBatteryOrder(t *testing.T) {
	checks := Battery([]string{"8.8.8.8:53"}, "example.com", false)
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name())
	}
	if strings.Join(names, ",") != "local_host,dns,dns_icmp" {
		t.Fatalf("unexpected battery order %v", names)
	}
}

type captureRecorder struct {
	events []types.Event
}

func (c *captureRecorder) Record(ev types.Event) { c.events = append(c.events, ev) }

func TestEventSinkRecordsReport(t *testing.T) {
	rec := &captureRecorder{}
	sink := EventSink{Recorder: rec}

	sink.RecordReport(types.DiagnosticReport{RadioID: 1})
	if len(rec.events) != 0 {
		t.Fatalf("expected empty report to be ignored")
	}

	sink.RecordReport(types.DiagnosticReport{
		ID:       "r-1",
		RadioID:  1,
		Outcomes: []types.CheckOutcome{{Check: CheckDNS, Success: false}},
	})
	if len(rec.events) != 1 {
		t.Fatalf("expected one event got %d", len(rec.events))
	}
	ev := rec.events[0]
	if ev.Type != types.EventProbeReport || ev.Details["report_id"] != "r-1" || ev.Details["success"] != false {
		t.Fatalf("unexpected event %+v", ev)
	}
}
