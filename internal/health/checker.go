package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/cellguard/internal/metrics"
)

const defaultJournalStale = time.Minute

const (
	categoryQueuePressure  = "QUEUE_PRESSURE"
	categoryJournalPending = "JOURNAL_PENDING"
	categoryJournalStale   = "JOURNAL_STALE"
	categoryJournalError   = "JOURNAL_ERROR"
	categoryMonitorsDown   = "MONITORS_DOWN"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Checker evaluates readiness conditions for the daemon.
type Checker struct {
	metrics       *metrics.Store
	queueCapacity int
	staleAfter    time.Duration

	mu               sync.RWMutex
	lastFlush        time.Time
	flushErr         string
	lastFlushErr     time.Time
	monitorsExpected int
	monitorsRunning  int
}

// NewChecker constructs a readiness checker bound to the provided metrics store.
func NewChecker(store *metrics.Store, queueCapacity int, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultJournalStale
	}
	return &Checker{
		metrics:       store,
		queueCapacity: queueCapacity,
		staleAfter:    staleAfter,
	}
}

// ObserveJournalFlush records the outcome of a journal flush attempt.
func (c *Checker) ObserveJournalFlush(ts time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.flushErr = err.Error()
		c.lastFlushErr = ts
		return
	}
	c.lastFlush = ts
	c.flushErr = ""
	c.lastFlushErr = time.Time{}
}

// ObserveMonitors records how many radio monitors are expected and running.
func (c *Checker) ObserveMonitors(expected, running int) {
	c.mu.Lock()
	c.monitorsExpected = expected
	c.monitorsRunning = running
	c.mu.Unlock()
}

// Ready evaluates all readiness conditions and returns the overall status and reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)
	categories := make([]metrics.ReadinessCategory, 0, 4)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	if c.metrics != nil && c.queueCapacity > 0 {
		snap := c.metrics.Snapshot()
		if snap.QueueDepth >= int64(c.queueCapacity) {
			reasons = append(reasons, "queue capacity exceeded")
			appendCategory(categoryQueuePressure, severityWarning)
		}
	}

	c.mu.RLock()
	lastFlush := c.lastFlush
	flushErr := c.flushErr
	lastErr := c.lastFlushErr
	expected := c.monitorsExpected
	running := c.monitorsRunning
	staleAfter := c.staleAfter
	c.mu.RUnlock()

	if running < expected {
		reasons = append(reasons, fmt.Sprintf("monitors down (%d/%d running)", running, expected))
		appendCategory(categoryMonitorsDown, severityCritical)
	}

	if lastFlush.IsZero() {
		reasons = append(reasons, "journal not yet flushed")
		appendCategory(categoryJournalPending, severityInfo)
	} else if staleAfter > 0 && now.Sub(lastFlush) > staleAfter {
		reasons = append(reasons, fmt.Sprintf("journal flush stale (%s)", now.Sub(lastFlush).Round(time.Second)))
		appendCategory(categoryJournalStale, severityWarning)
	}

	if flushErr != "" {
		if staleAfter <= 0 || now.Sub(lastErr) <= staleAfter {
			reasons = append(reasons, fmt.Sprintf("journal flush failing: %s", flushErr))
			appendCategory(categoryJournalError, severityCritical)
		}
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
