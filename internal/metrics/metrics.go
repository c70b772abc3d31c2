// Package metrics exports the OTA pipeline counters to Prometheus.
package metrics

import (
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ota-device/internal/bootctl"
	"ota-device/internal/mqtt"
	"ota-device/internal/pal"
)

const namespace = "ota"

// Metrics holds the collectors registered for one PAL.
type Metrics struct {
	events *prometheus.CounterVec
	unsub  func()
}

// New registers the pipeline collectors on reg. mqttStats may be nil when
// MQTT is disabled.
func New(reg prometheus.Registerer, p *pal.PAL, mqttStats func() mqtt.Stats) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Pipeline events by type.",
		}, []string{"type"}),
	}

	cs := []prometheus.Collector{
		m.events,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_received_total",
			Help:      "Image blocks handed to the image store.",
		}, func() float64 { return float64(p.Stats().Received) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_processed_total",
			Help:      "Image blocks written to flash.",
		}, func() float64 { return float64(p.Stats().Processed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_dropped_total",
			Help:      "Image blocks that failed to write.",
		}, func() float64 { return float64(p.Stats().Dropped) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "image_state",
			Help:      "Platform image state: 0 invalid, 1 valid, 2 pending commit.",
		}, func() float64 { return imageState(p.GetPlatformImageState()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "staged_image_bytes",
			Help:      "Size of the verified staged image, 0 if none.",
		}, func() float64 { return float64(p.Status().StagedSize) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "build_info",
			Help:        "Running firmware version.",
			ConstLabels: prometheus.Labels{"version": p.Version().String()},
		}, func() float64 { return 1 }),
		collectors.NewGoCollector(collectors.WithGoCollectorRuntimeMetrics(collectors.GoRuntimeMetricsRule{Matcher: regexp.MustCompile("/sched/.*")})),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	if mqttStats != nil {
		cs = append(cs, mqttCollectors(mqttStats)...)
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	m.unsub = p.Events().OnAll(func(ev pal.Event) {
		m.events.WithLabelValues(ev.Type).Inc()
	})
	return m, nil
}

// Close stops counting events.
func (m *Metrics) Close() {
	m.unsub()
}

func imageState(s bootctl.ImageState) float64 {
	switch s {
	case bootctl.ImageValid:
		return 1
	case bootctl.ImagePendingCommit:
		return 2
	default:
		return 0
	}
}

func mqttCollectors(stats func() mqtt.Stats) []prometheus.Collector {
	counter := func(name, help string, v func(mqtt.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(stats())) })
	}
	gauge := func(name, help string, v func(mqtt.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      name,
			Help:      help,
		}, func() float64 { return v(stats()) })
	}
	return []prometheus.Collector{
		counter("dispatched_total", "Operations sent to the broker.", func(s mqtt.Stats) uint64 { return s.Dispatched }),
		counter("completed_total", "Operations completed successfully.", func(s mqtt.Stats) uint64 { return s.Completed }),
		counter("failed_total", "Operations completed with an error.", func(s mqtt.Stats) uint64 { return s.Failed }),
		counter("unmatched_acks_total", "Acknowledgements with no pending operation.", func(s mqtt.Stats) uint64 { return s.Unmatched }),
		gauge("pending", "Operations awaiting acknowledgement.", func(s mqtt.Stats) float64 { return float64(s.Pending) }),
		gauge("queued", "Operations waiting in the submission queue.", func(s mqtt.Stats) float64 { return float64(s.Queued) }),
		gauge("running", "1 while the agent loop runs.", func(s mqtt.Stats) float64 {
			if s.Running {
				return 1
			}
			return 0
		}),
	}
}
