// Package diag runs the connectivity battery once from the command line.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pingsantohq/cellguard/internal/config"
	"github.com/pingsantohq/cellguard/internal/probe"
	"github.com/pingsantohq/cellguard/pkg/types"
)

// ErrChecksFailed is returned when at least one check did not succeed.
var ErrChecksFailed = errors.New("diagnostic checks failed")

type multiValue []string

func (mv *multiValue) String() string {
	return strings.Join(*mv, ",")
}

func (mv *multiValue) Set(value string) error {
	if value == "" {
		return nil
	}
	*mv = append(*mv, value)
	return nil
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Out    io.Writer
	Now    func() time.Time
	Checks func(resolvers []string, query string, privileged bool) []probe.Check
}

type reportSink struct {
	report *types.DiagnosticReport
}

func (s *reportSink) RecordReport(report types.DiagnosticReport) {
	s.report = &report
}

// Run executes the battery and writes the report as JSON.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Out == nil {
		deps.Out = os.Stdout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Checks == nil {
		deps.Checks = probe.Battery
	}

	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", "", "Read resolvers and query from this configuration file")
	var resolvers multiValue
	fs.Var(&resolvers, "resolver", "DNS resolver host:port (repeatable)")
	query := fs.String("query", "", "Name to resolve")
	timeout := fs.Duration("timeout", config.DefaultCheckTimeout, "Per-check timeout")
	radio := fs.Int("radio", 0, "Radio id to attribute the report to")
	privileged := fs.Bool("privileged", false, "Use raw ICMP sockets")
	outputPath := fs.String("output", "", "Write the report to this file instead of stdout")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg config.Config
	if *configPath != "" {
		loaded, err := config.Load(ctx, *configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}
	if len(resolvers) > 0 {
		cfg.Probes.DNSResolvers = resolvers
	}
	if *query != "" {
		cfg.Probes.DNSQuery = *query
	}
	if *privileged {
		cfg.Probes.ICMPPrivileged = true
	}

	sink := &reportSink{}
	runner := probe.NewRunner(types.RadioID(*radio),
		deps.Checks(cfg.Probes.DNSResolvers, cfg.Probes.DNSQuery, cfg.Probes.ICMPPrivileged),
		sink,
		probe.WithCheckTimeout(*timeout),
		probe.WithNow(deps.Now),
	)
	if !runner.Start(ctx) {
		return errors.New("diagnostic runner already active")
	}
	select {
	case <-runner.Done():
	case <-ctx.Done():
		runner.Stop()
		<-runner.Done()
	}
	if sink.report == nil {
		return errors.New("no checks completed")
	}

	out := deps.Out
	if *outputPath != "" {
		f, err := os.Create(*outputPath)
		if err != nil {
			return fmt.Errorf("create output %q: %w", *outputPath, err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summarize(sink.report)); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if !sink.report.Success() {
		return fmt.Errorf("%w: %s", ErrChecksFailed, strings.Join(sink.report.Failed(), ", "))
	}
	return nil
}

type outcomeView struct {
	Check     string `json:"check"`
	Success   bool   `json:"success"`
	LatencyMS int64  `json:"latency_ms"`
	Target    string `json:"target,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

type reportView struct {
	ID          string        `json:"id"`
	RadioID     types.RadioID `json:"radio_id"`
	StartedAt   string        `json:"started_at"`
	CompletedAt string        `json:"completed_at"`
	Success     bool          `json:"success"`
	Stopped     bool          `json:"stopped,omitempty"`
	Outcomes    []outcomeView `json:"outcomes"`
}

func summarize(r *types.DiagnosticReport) reportView {
	view := reportView{
		ID:          r.ID,
		RadioID:     r.RadioID,
		StartedAt:   r.StartedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt: r.CompletedAt.UTC().Format(time.RFC3339Nano),
		Success:     r.Success(),
		Stopped:     r.Stopped,
		Outcomes:    make([]outcomeView, 0, len(r.Outcomes)),
	}
	for _, o := range r.Outcomes {
		view.Outcomes = append(view.Outcomes, outcomeView{
			Check:     o.Check,
			Success:   o.Success,
			LatencyMS: o.Latency.Milliseconds(),
			Target:    o.Target,
			Detail:    o.Detail,
			Error:     o.Error,
		})
	}
	return view
}
