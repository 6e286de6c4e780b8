// Package metrics holds the prometheus collectors exported by twig. All
// methods are safe to call on a nil receiver, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "twig"

const (
	storeSubsystem    = "store"
	transferSubsystem = "transfer"
)

// Store counts object store traffic.
type Store struct {
	writes      *prometheus.CounterVec
	reads       *prometheus.CounterVec
	cacheHits   prometheus.Counter
	writeTiming prometheus.Histogram
}

// NewStore creates store collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewStore(reg prometheus.Registerer) *Store {
	m := &Store{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: storeSubsystem,
			Name:      "writes_total",
			Help:      "Object writes by outcome (new, existing).",
		}, []string{"outcome"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: storeSubsystem,
			Name:      "reads_total",
			Help:      "Object reads by outcome (hit, miss, corrupt).",
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: storeSubsystem,
			Name:      "cache_hits_total",
			Help:      "Reads served from the in-memory record cache.",
		}),
		writeTiming: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: storeSubsystem,
			Name:      "write_seconds",
			Help:      "Time spent compressing and persisting new objects.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.reads, m.cacheHits, m.writeTiming)
	}
	return m
}

// ObserveWrite records one write. existing is true when the object was
// already present.
func (m *Store) ObserveWrite(existing bool, took time.Duration) {
	if m == nil {
		return
	}
	if existing {
		m.writes.WithLabelValues("existing").Inc()
		return
	}
	m.writes.WithLabelValues("new").Inc()
	m.writeTiming.Observe(took.Seconds())
}

// ObserveRead records one read outcome.
func (m *Store) ObserveRead(outcome string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(outcome).Inc()
}

// ObserveCacheHit records a read served from memory.
func (m *Store) ObserveCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// Transfer counts pack traffic on both the fetching and serving side.
type Transfer struct {
	objects  *prometheus.CounterVec
	deltas   prometheus.Counter
	failures *prometheus.CounterVec
	requests *prometheus.CounterVec
	packSize prometheus.Histogram
}

// NewTransfer creates transfer collectors and registers them with reg.
func NewTransfer(reg prometheus.Registerer) *Transfer {
	m := &Transfer{
		objects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: transferSubsystem,
			Name:      "objects_total",
			Help:      "Objects registered from pack streams, by type.",
		}, []string{"type"}),
		deltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: transferSubsystem,
			Name:      "deltas_resolved_total",
			Help:      "Delta entries resolved against their base.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: transferSubsystem,
			Name:      "failures_total",
			Help:      "Failed fetches or decodes, by reason.",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: transferSubsystem,
			Name:      "requests_total",
			Help:      "Protocol requests, by command.",
		}, []string{"command"}),
		packSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: transferSubsystem,
			Name:      "pack_bytes",
			Help:      "Size of decoded pack streams.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.objects, m.deltas, m.failures, m.requests, m.packSize)
	}
	return m
}

// ObserveObject records one registered object.
func (m *Transfer) ObserveObject(objType string, delta bool) {
	if m == nil {
		return
	}
	m.objects.WithLabelValues(objType).Inc()
	if delta {
		m.deltas.Inc()
	}
}

// ObserveFailure records a failed transfer.
func (m *Transfer) ObserveFailure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

// ObserveRequest records one protocol command.
func (m *Transfer) ObserveRequest(command string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(command).Inc()
}

// ObservePack records the byte size of a completed pack.
func (m *Transfer) ObservePack(size int64) {
	if m == nil {
		return
	}
	m.packSize.Observe(float64(size))
}
