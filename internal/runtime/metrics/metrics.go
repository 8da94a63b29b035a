// Package metrics records fan-out, webhook delivery and dead-letter
// statistics in Prometheus and keeps a per-topic snapshot for the
// introspection endpoints.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hookrelay"

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
)

// TopicStats holds counters for one topic.
type TopicStats struct {
	Published        uint64    `json:"published"`
	PublishFailed    uint64    `json:"publish_failed"`
	Delivered        uint64    `json:"delivered"`
	DeliveryFailed   uint64    `json:"delivery_failed"`
	DeadLettered     uint64    `json:"dead_lettered"`
	AvgAttempts      float64   `json:"avg_attempts"`
	LastDeliveryAt   time.Time `json:"last_delivery_at,omitempty"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
	deliveryAttempts uint64
}

// Snapshot is a point-in-time copy of all topic stats.
type Snapshot struct {
	Topics      map[string]TopicStats `json:"topics"`
	ActiveLanes int                   `json:"active_lanes"`
	CollectedAt time.Time             `json:"collected_at"`
}

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	mu     sync.RWMutex
	topics map[string]*TopicStats
	lanes  int

	published        *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	attempts         *prometheus.HistogramVec
	deadLetters      *prometheus.CounterVec
	activeLanes      prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer selects the default one.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		topics:           make(map[string]*TopicStats),
		registerer:       registerer,
		published:        newCounterVec("fanout", "sends_total", "Envelopes sent to subscriber queues", []string{"topic", "result"}),
		deliveries:       newCounterVec("webhook", "deliveries_total", "Webhook deliveries by outcome", []string{"topic", "outcome"}),
		deliveryDuration: newHistogramVec("webhook", "delivery_duration_seconds", "Time spent delivering one webhook including retries", prometheus.DefBuckets, []string{"topic"}),
		attempts:         newHistogramVec("webhook", "delivery_attempts", "POST attempts per delivery", []float64{1, 2, 3, 5, 10}, []string{"topic"}),
		deadLetters:      newCounterVec("dlq", "messages_total", "Messages sent to the dead letter queue", []string{"topic", "reason"}),
		activeLanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "active_lanes",
			Help:      "Subscriber delivery lanes currently running",
		}),
		httpRequests: newCounterVec("http", "requests_total", "HTTP API requests", []string{"method", "route", "status"}),
		httpDuration: newHistogramVec("http", "request_duration_seconds", "HTTP API request duration", prometheus.DefBuckets, []string{"method", "route"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.published,
		m.deliveries,
		m.deliveryDuration,
		m.attempts,
		m.deadLetters,
		m.activeLanes,
		m.httpRequests,
		m.httpDuration,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordPublish counts one fan-out send.
func (m *Metrics) RecordPublish(topic string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.topic(topic)
	result := "ok"
	if err != nil {
		result = "error"
		stats.PublishFailed++
	} else {
		stats.Published++
	}
	stats.LastUpdatedAt = time.Now()
	m.published.WithLabelValues(topic, result).Inc()
}

// RecordDelivery counts one webhook delivery and the attempts it took.
func (m *Metrics) RecordDelivery(topic, outcome string, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.topic(topic)
	now := time.Now()
	switch outcome {
	case OutcomeDelivered:
		stats.Delivered++
		stats.LastDeliveryAt = now
	case OutcomeFailed:
		stats.DeliveryFailed++
	}
	if attempts > 0 {
		stats.deliveryAttempts++
		n := stats.deliveryAttempts
		stats.AvgAttempts = ((stats.AvgAttempts * float64(n-1)) + float64(attempts)) / float64(n)
		m.attempts.WithLabelValues(topic).Observe(float64(attempts))
		m.deliveryDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
	}
	stats.LastUpdatedAt = now
	m.deliveries.WithLabelValues(topic, outcome).Inc()
}

// RecordDeadLetter counts one message moved to the dead letter queue.
func (m *Metrics) RecordDeadLetter(topic, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.topic(topic)
	stats.DeadLettered++
	stats.LastUpdatedAt = time.Now()
	m.deadLetters.WithLabelValues(topic, reason).Inc()
}

// LaneStarted and LaneStopped track running subscriber lanes.
func (m *Metrics) LaneStarted() {
	m.addLanes(1)
}

func (m *Metrics) LaneStopped() {
	m.addLanes(-1)
}

func (m *Metrics) addLanes(delta int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lanes += delta
	m.activeLanes.Set(float64(m.lanes))
}

// Snapshot copies the current per-topic stats.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{Topics: map[string]TopicStats{}, CollectedAt: time.Now()}
	if m == nil {
		return snap
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for topic, stats := range m.topics {
		snap.Topics[topic] = *stats
	}
	snap.ActiveLanes = m.lanes
	return snap
}

// Topic returns a copy of the stats for topic, or false when none exist.
func (m *Metrics) Topic(topic string) (TopicStats, bool) {
	if m == nil {
		return TopicStats{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.topics[topic]
	if !ok {
		return TopicStats{}, false
	}
	return *stats, true
}

// topic expects m.mu to be held for writing.
func (m *Metrics) topic(name string) *TopicStats {
	if stats, ok := m.topics[name]; ok {
		return stats
	}
	stats := &TopicStats{}
	m.topics[name] = stats
	return stats
}
