package monitor

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itohio/goscale/pkg/meter"
	"github.com/itohio/goscale/pkg/packet"
	"github.com/itohio/goscale/pkg/sample"
)

const namespace = "goscale"

// Metrics holds the scale gauges and counters.
type Metrics struct {
	reg *prometheus.Registry

	Mass        prometheus.Gauge
	Flow        prometheus.Gauge
	Tare        prometheus.Gauge
	Temperature prometheus.Gauge
	SensorMass  *prometheus.GaugeVec   // labels: sensor
	Samples     prometheus.Counter     // Samples seen
	Flagged     prometheus.Counter     // Samples with a channel out of threshold
	Pours       *prometheus.CounterVec // labels: direction=in|out
	Moved       *prometheus.CounterVec // labels: direction=in|out
	Protocol    *prometheus.GaugeVec   // labels: counter

	lastPour time.Time
}

// NewMetrics registers the scale metrics together with the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Mass: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mass",
			Help:      "Net mass in the display unit.",
		}),
		Flow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flow",
			Help:      "Mass change per second in the display unit.",
		}),
		Tare: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tare",
			Help:      "Active tare in the display unit.",
		}),
		Temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Mean thermistor temperature.",
		}),
		SensorMass: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_mass",
			Help:      "Per-sensor mass in the display unit.",
		}, []string{"sensor"}),
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Samples received from the scale.",
		}),
		Flagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flagged_samples_total",
			Help:      "Samples with a channel out of threshold.",
		}),
		Pours: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pours_total",
			Help:      "Completed pours.",
		}, []string{"direction"}),
		Moved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poured_mass_total",
			Help:      "Mass moved by completed pours in the display unit.",
		}, []string{"direction"}),
		Protocol: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "protocol_frames",
			Help:      "Link layer frame counters reported by the client.",
		}, []string{"counter"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Mass, m.Flow, m.Tare, m.Temperature, m.SensorMass,
		m.Samples, m.Flagged, m.Pours, m.Moved, m.Protocol,
	)
	return m
}

// Registry returns the registry the metrics live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe records the newest sample and any pours that completed since the last call.
func (m *Metrics) Observe(s sample.Sample, flow float64, pours []meter.Pour) {
	m.Samples.Inc()
	if s.Flagged {
		m.Flagged.Inc()
	}
	m.Mass.Set(s.Mass)
	m.Flow.Set(flow)
	m.Tare.Set(s.Tare)
	m.Temperature.Set(s.Temperature)
	for i, v := range s.Sensors {
		m.SensorMass.WithLabelValues(strconv.Itoa(i)).Set(v)
	}

	for _, p := range pours {
		if p.Active || !p.EndTime.After(m.lastPour) {
			continue
		}
		m.lastPour = p.EndTime
		dir := "in"
		if p.Amount < 0 {
			dir = "out"
		}
		m.Pours.WithLabelValues(dir).Inc()
		m.Moved.WithLabelValues(dir).Add(math.Abs(p.Amount))
	}
}

// SetProtocolStats publishes the client link counters.
func (m *Metrics) SetProtocolStats(s packet.Stats) {
	m.Protocol.WithLabelValues("packets").Set(float64(s.Packets))
	m.Protocol.WithLabelValues("crc_errors").Set(float64(s.CRCErrors))
	m.Protocol.WithLabelValues("short").Set(float64(s.Short))
	m.Protocol.WithLabelValues("overflows").Set(float64(s.Overflows))
}
