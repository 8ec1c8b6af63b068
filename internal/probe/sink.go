package probe

import (
	"github.com/pingsantohq/cellguard/internal/events"
	"github.com/pingsantohq/cellguard/pkg/types"
)

// EventSink records reports as ProbeReport events.
type EventSink struct {
	Recorder events.Recorder
}

func (s EventSink) RecordReport(report types.DiagnosticReport) {
	if s.Recorder == nil || report.Empty() {
		return
	}
	ev := events.New(types.EventProbeReport, report.RadioID, report.CompletedAt, nil)
	ev.Details = map[string]any{
		"report_id": report.ID,
		"success":   report.Success(),
		"stopped":   report.Stopped,
		"failed":    report.Failed(),
		"outcomes":  report.Outcomes,
	}
	s.Recorder.Record(ev)
}
