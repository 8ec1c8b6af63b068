package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pingsantohq/cellguard/internal/rat"
	"github.com/pingsantohq/cellguard/pkg/types"
)

const namespace = "cellguard"

// Store owns the Prometheus registry for the daemon and keeps the handful
// of values readiness checks need as plain atomics.
type Store struct {
	registry *prometheus.Registry

	reliabilityEvents *prometheus.CounterVec
	inboxDrops        *prometheus.CounterVec
	probeDelay        *prometheus.GaugeVec
	probeRuns         *prometheus.CounterVec
	ratDecisions      *prometheus.CounterVec
	queueDepthGauge   prometheus.Gauge
	queueDropCounter  prometheus.Counter
	ready             prometheus.Gauge
	readyTransitions  *prometheus.CounterVec
	readyCategories   *prometheus.CounterVec

	queueDepth          atomic.Int64
	queueDrops          atomic.Uint64
	inboxDropTotal      atomic.Uint64
	readinessState      atomic.Int64
	readinessReason     atomic.Value
	readinessCategories atomic.Value
	readyCount          atomic.Uint64
	notReadyCount       atomic.Uint64
	categoryTotals      sync.Map // categoryKey -> *atomic.Uint64
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

type categoryKey struct {
	Name     string
	Severity string
}

// NewStore constructs a Store with its own registry. Go runtime and
// process collectors are registered alongside the cellguard metrics.
func NewStore() *Store {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	s := &Store{
		registry: reg,
		reliabilityEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reliability_events_total",
			Help:      "Reliability events recorded by radio and kind.",
		}, []string{"radio", "kind"}),
		inboxDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_inbox_dropped_total",
			Help:      "Notifications dropped because a monitor inbox was full.",
		}, []string{"radio"}),
		probeDelay: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probe_delay_seconds",
			Help:      "Delay before the next scheduled diagnostic run.",
		}, []string{"radio"}),
		probeRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_runs_total",
			Help:      "Diagnostic runs by radio and result.",
		}, []string{"radio", "result"}),
		ratDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rat_decisions_total",
			Help:      "RAT transition decisions by radio, decision and whether the handover limit suppressed them.",
		}, []string{"radio", "decision", "limited"}),
		queueDepthGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Events currently buffered for the journal.",
		}),
		queueDropCounter: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_queue_dropped_total",
			Help:      "Events dropped due to queue pressure.",
		}),
		ready: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready",
			Help:      "Whether the daemon considers itself ready (1=ready).",
		}),
		readyTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ready_transitions_total",
			Help:      "Readiness state transitions by resulting state.",
		}, []string{"state"}),
		readyCategories: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ready_category_transitions_total",
			Help:      "Readiness degradations annotated by category.",
		}, []string{"category", "severity"}),
	}
	s.readinessReason.Store("")
	s.readinessCategories.Store([]ReadinessCategory(nil))
	return s
}

// Registry exposes the underlying registry, mostly for tests.
func (s *Store) Registry() *prometheus.Registry { return s.registry }

// Snapshot captures the values readiness evaluation depends on.
type Snapshot struct {
	QueueDepth          int64
	QueueDroppedTotal   uint64
	InboxDroppedTotal   uint64
	Ready               bool
	ReadyReason         string
	ReadyTransitions    uint64
	NotReadyTransitions uint64
	ReadyCategories     []ReadinessCategory
	CategoryTransitions []CategoryCount
}

// CategoryCount captures accumulated transition counts per category/severity.
type CategoryCount struct {
	Category string
	Severity string
	Count    uint64
}

func (s *Store) Snapshot() Snapshot {
	readyReason, _ := s.readinessReason.Load().(string)
	rawCategories, _ := s.readinessCategories.Load().([]ReadinessCategory)
	categories := make([]ReadinessCategory, len(rawCategories))
	copy(categories, rawCategories)
	categoryCounts := make([]CategoryCount, 0)
	s.categoryTotals.Range(func(key, value any) bool {
		ckey, ok := key.(categoryKey)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		categoryCounts = append(categoryCounts, CategoryCount{
			Category: ckey.Name,
			Severity: ckey.Severity,
			Count:    counter.Load(),
		})
		return true
	})
	sort.Slice(categoryCounts, func(i, j int) bool {
		if categoryCounts[i].Category == categoryCounts[j].Category {
			return categoryCounts[i].Severity < categoryCounts[j].Severity
		}
		return categoryCounts[i].Category < categoryCounts[j].Category
	})
	return Snapshot{
		QueueDepth:          s.queueDepth.Load(),
		QueueDroppedTotal:   s.queueDrops.Load(),
		InboxDroppedTotal:   s.inboxDropTotal.Load(),
		Ready:               s.readinessState.Load() == 1,
		ReadyReason:         readyReason,
		ReadyTransitions:    s.readyCount.Load(),
		NotReadyTransitions: s.notReadyCount.Load(),
		ReadyCategories:     categories,
		CategoryTransitions: categoryCounts,
	}
}

func radioLabel(radio types.RadioID) string {
	return strconv.Itoa(int(radio))
}

func (s *Store) ObserveEvent(radio types.RadioID, kind types.EventKind) {
	s.reliabilityEvents.WithLabelValues(radioLabel(radio), kind.String()).Inc()
}

func (s *Store) ObserveInboxDrop(radio types.RadioID) {
	s.inboxDropTotal.Add(1)
	s.inboxDrops.WithLabelValues(radioLabel(radio)).Inc()
}

func (s *Store) ObserveProbeDelay(radio types.RadioID, delay time.Duration) {
	s.probeDelay.WithLabelValues(radioLabel(radio)).Set(delay.Seconds())
}

func (s *Store) ObserveProbeRun(radio types.RadioID, success, stopped bool) {
	result := "failure"
	switch {
	case stopped:
		result = "stopped"
	case success:
		result = "success"
	}
	s.probeRuns.WithLabelValues(radioLabel(radio), result).Inc()
}

func (s *Store) ObserveDecision(radio types.RadioID, decision rat.Decision, limited bool) {
	s.ratDecisions.WithLabelValues(radioLabel(radio), decision.String(), strconv.FormatBool(limited)).Inc()
}

func (s *Store) ObserveQueueDepth(depth int) {
	s.queueDepth.Store(int64(depth))
	s.queueDepthGauge.Set(float64(depth))
}

func (s *Store) IncQueueDrops() {
	s.queueDrops.Add(1)
	s.queueDropCounter.Inc()
}

func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	prev := s.readinessState.Load()
	if ready {
		if prev == 0 {
			s.readyCount.Add(1)
			s.readyTransitions.WithLabelValues("ready").Inc()
		}
		s.readinessState.Store(1)
		s.ready.Set(1)
		s.readinessReason.Store("")
		s.readinessCategories.Store([]ReadinessCategory(nil))
		return
	}
	if prev == 1 {
		s.notReadyCount.Add(1)
		s.readyTransitions.WithLabelValues("not_ready").Inc()
	}
	s.readinessState.Store(0)
	s.ready.Set(0)
	s.readinessReason.Store(reason)
	deduped := dedupeCategories(categories)
	s.readinessCategories.Store(deduped)
	if prev == 1 {
		for _, cat := range deduped {
			s.getCategoryCounter(cat).Add(1)
			s.readyCategories.WithLabelValues(cat.Name, cat.Severity).Inc()
		}
	}
}

func (s *Store) getCategoryCounter(category ReadinessCategory) *atomic.Uint64 {
	key := categoryKey{
		Name:     normalizeCategoryName(category.Name),
		Severity: normalizeSeverity(category.Severity),
	}
	if value, ok := s.categoryTotals.Load(key); ok {
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			return counter
		}
	}
	counter := &atomic.Uint64{}
	actual, _ := s.categoryTotals.LoadOrStore(key, counter)
	if existing, ok := actual.(*atomic.Uint64); ok && existing != nil {
		return existing
	}
	return counter
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[categoryKey]struct{}, len(categories))
	result := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		key := categoryKey{Name: normalizeCategoryName(c.Name), Severity: normalizeSeverity(c.Severity)}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, ReadinessCategory{Name: key.Name, Severity: key.Severity})
	}
	return result
}

func normalizeCategoryName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return name
}

func normalizeSeverity(severity string) string {
	severity = strings.TrimSpace(strings.ToLower(severity))
	switch severity {
	case "":
		return "unknown"
	case "info", "informational":
		return "info"
	case "warn", "warning":
		return "warning"
	case "critical", "crit":
		return "critical"
	default:
		return severity
	}
}

// NewHTTPHandler serves the store's registry in the Prometheus exposition format.
func NewHTTPHandler(store *Store) http.Handler {
	return promhttp.HandlerFor(store.registry, promhttp.HandlerOpts{})
}
