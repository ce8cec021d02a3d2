package broker

import "github.com/prometheus/client_golang/prometheus"

// metrics are the broker's self-observation surface, registered into a
// caller-supplied registry. The out-of-scope HTTP admin API is the thing
// that actually exposes them; the core's job ends at registration
// (spec.md §1, "HTTP admin API ... out of scope beyond the interfaces the
// core needs").
type metrics struct {
	heapSize       prometheus.Gauge
	editsApplied   prometheus.Counter
	currentEpoch   prometheus.Gauge
	isLeader       prometheus.Gauge
	tasksPurged    prometheus.Counter
	heapFullErrors prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		heapSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "majordodo",
			Subsystem: "broker",
			Name:      "tasksheap_size",
			Help:      "Number of waiting tasks currently held in the dispatch heap.",
		}),
		editsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "majordodo",
			Subsystem: "broker",
			Name:      "edits_applied_total",
			Help:      "Total number of status edits applied to the state machine.",
		}),
		currentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "majordodo",
			Subsystem: "broker",
			Name:      "log_epoch",
			Help:      "Current log sequence number epoch.",
		}),
		isLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "majordodo",
			Subsystem: "broker",
			Name:      "is_leader",
			Help:      "1 if this replica currently believes itself to be leader, else 0.",
		}),
		tasksPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "majordodo",
			Subsystem: "broker",
			Name:      "finished_tasks_purged_total",
			Help:      "Total number of retained finished/error tasks purged from memory.",
		}),
		heapFullErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "majordodo",
			Subsystem: "broker",
			Name:      "heap_full_errors_total",
			Help:      "Total number of task submissions rejected because the dispatch heap was full.",
		}),
	}
}

// Register adds every broker metric to reg. Safe to call once per
// registry; calling it twice on the same registry returns the
// AlreadyRegisteredError from the second registration attempt.
func (m *metrics) Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{
		m.heapSize, m.editsApplied, m.currentEpoch, m.isLeader, m.tasksPurged, m.heapFullErrors,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
