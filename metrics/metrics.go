// Package metrics exposes worker counters to Prometheus and to the health report.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "activity_sentinel"

// Message outcomes.
const (
	OutcomeActivity   = "activity"
	OutcomeSkipped    = "skipped"
	OutcomeDeadLetter = "dead_letter"
)

// Delivery and ack results.
const (
	ResultSent     = "sent"
	ResultDropped  = "dropped"
	ResultAcked    = "acked"
	ResultWithheld = "withheld"
	ResultInserted = "inserted"
	ResultReplayed = "replayed"
)

type Metrics struct {
	mu sync.RWMutex

	messages    map[string]uint64
	activities  map[string]uint64
	deliveries  map[string]uint64
	acks        map[string]uint64
	deadLetters uint64
	walBytes    int64
	freeDisk    int64

	messagesTotal    *prometheus.CounterVec
	activitiesTotal  *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	acksTotal        *prometheus.CounterVec
	deadLettersTotal prometheus.Counter
	processSeconds   prometheus.Histogram
	walRetained      prometheus.Gauge
	freeDiskBytes    prometheus.Gauge
	replicationState *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Messages      map[string]uint64 `json:"messages"`
	Activities    map[string]uint64 `json:"activities"`
	Deliveries    map[string]uint64 `json:"deliveries"`
	Acks          map[string]uint64 `json:"acks"`
	DeadLetters   uint64            `json:"deadLetters"`
	WALBytes      int64             `json:"walBytes"`
	FreeDiskBytes int64             `json:"freeDiskBytes"`
	CollectedAt   time.Time         `json:"collectedAt"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		messages:        map[string]uint64{},
		activities:      map[string]uint64{},
		deliveries:      map[string]uint64{},
		acks:            map[string]uint64{},
		registerer:      registerer,
		messagesTotal:   newCounterVec("messages_total", "Replication messages handled, by outcome", []string{"outcome"}),
		activitiesTotal: newCounterVec("activities_total", "Activities processed, by persistence result", []string{"result"}),
		deliveriesTotal: newCounterVec("deliveries_total", "Delivery attempts, by result", []string{"result"}),
		acksTotal:       newCounterVec("acks_total", "Stream positions acknowledged or withheld", []string{"result"}),
		deadLettersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Activities recorded as dead letters",
		}),
		processSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_seconds",
			Help:      "Time spent on one replication message",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		walRetained:   newGauge("wal_retained_bytes", "WAL retained by the replication slot"),
		freeDiskBytes: newGauge("free_disk_bytes", "Free bytes on the monitored volume"),
		replicationState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_state",
			Help:      "1 for the current replication state",
		}, []string{"state"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	for _, c := range []prometheus.Collector{
		m.messagesTotal,
		m.activitiesTotal,
		m.deliveriesTotal,
		m.acksTotal,
		m.deadLettersTotal,
		m.processSeconds,
		m.walRetained,
		m.freeDiskBytes,
		m.replicationState,
	} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) RecordMessage(outcome string, took time.Duration) {
	m.mu.Lock()
	m.messages[outcome]++
	m.mu.Unlock()

	m.messagesTotal.WithLabelValues(outcome).Inc()
	m.processSeconds.Observe(took.Seconds())
}

func (m *Metrics) RecordActivity(result string) {
	m.mu.Lock()
	m.activities[result]++
	m.mu.Unlock()

	m.activitiesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDelivery(result string) {
	m.mu.Lock()
	m.deliveries[result]++
	m.mu.Unlock()

	m.deliveriesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAck(result string) {
	m.mu.Lock()
	m.acks[result]++
	m.mu.Unlock()

	m.acksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDeadLetter() {
	m.mu.Lock()
	m.deadLetters++
	m.mu.Unlock()

	m.deadLettersTotal.Inc()
}

func (m *Metrics) SetResources(walBytes, freeDisk int64) {
	m.mu.Lock()
	m.walBytes, m.freeDisk = walBytes, freeDisk
	m.mu.Unlock()

	m.walRetained.Set(float64(walBytes))
	m.freeDiskBytes.Set(float64(freeDisk))
}

// SetReplicationState flags current and zeroes every other known state.
func (m *Metrics) SetReplicationState(current string, known ...string) {
	for _, s := range known {
		m.replicationState.WithLabelValues(s).Set(0)
	}
	m.replicationState.WithLabelValues(current).Set(1)
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Snapshot{
		Messages:      copyCounts(m.messages),
		Activities:    copyCounts(m.activities),
		Deliveries:    copyCounts(m.deliveries),
		Acks:          copyCounts(m.acks),
		DeadLetters:   m.deadLetters,
		WALBytes:      m.walBytes,
		FreeDiskBytes: m.freeDisk,
		CollectedAt:   time.Now(),
	}
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
