package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	QueueingLatency   prometheus.Histogram
	ProcessingLatency prometheus.Histogram
	StorageLatency    prometheus.Histogram
	OccupiedSpots     prometheus.Gauge
	AvailableSpots    prometheus.Gauge
	Revenue           *prometheus.CounterVec
	Events            *prometheus.CounterVec
}

// NewMetrics registers the recorder's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueueingLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate_recorder_queueing_latency_seconds",
			Help:    "Time an event spends in RabbitMQ before being consumed by the activity recorder",
			Buckets: prometheus.DefBuckets,
		}),
		ProcessingLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate_recorder_processing_latency_seconds",
			Help:    "Time an event spends being processed by the activity recorder",
			Buckets: prometheus.DefBuckets,
		}),
		StorageLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate_recorder_storage_latency_seconds",
			Help:    "Time spent archiving a closed activity",
			Buckets: prometheus.DefBuckets,
		}),
		OccupiedSpots: f.NewGauge(prometheus.GaugeOpts{
			Name: "gate_occupied_spots",
			Help: "Open activities in the log at the last refresh",
		}),
		AvailableSpots: f.NewGauge(prometheus.GaugeOpts{
			Name: "gate_available_spots",
			Help: "Capacity minus occupied spots, floored at zero",
		}),
		Revenue: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_revenue_total",
			Help: "Fees charged on exit",
		}, []string{"vehicle_type"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_events_total",
			Help: "Gate events processed",
		}, []string{"kind", "result"}),
	}
}
