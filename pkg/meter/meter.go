// Package meter keeps a time window of samples, differentiates mass into flow and
// detects pours.
package meter

import (
	"math"
	"sync"
	"time"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/sample"
)

var _ FlowMeter = (*Meter)(nil)

// Pour is a stretch of samples where the mass changed faster than the flow threshold.
// Negative amounts are mass taken off the platform.
type Pour struct {
	StartIndex int       // Sample index where the pour started
	EndIndex   int       // Sample index of the last sample in the pour
	StartTime  time.Time // Start timestamp
	EndTime    time.Time // End timestamp
	Amount     float64   // Mass change over the pour, display unit
	PeakFlow   float64   // Flow with the largest magnitude, display unit per second
	Active     bool      // The pour has not ended yet
}

// Duration returns how long the pour lasted.
func (p Pour) Duration() time.Duration {
	return p.EndTime.Sub(p.StartTime)
}

// Rate returns the mean flow of the pour.
func (p Pour) Rate() float64 {
	d := p.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	return p.Amount / d
}

// UpdateFunc receives copies of the window after every sample.
type UpdateFunc func(samples []sample.Sample, flow []float64, pours []Pour)

// FlowMeter processes samples, maintains buffers, and detects pours.
type FlowMeter interface {
	ProcessSamples(input <-chan sample.Sample)
	Samples() []sample.Sample // Current window, oldest first
	Flow() []float64          // n-1 flow values for n samples
	Pours() []Pour            // Pours within the window
	OnUpdate(UpdateFunc)
}

// Meter implements FlowMeter.
//
// flow[i] is (samples[i+1].Mass - samples[i].Mass) / dt, so n samples carry n-1 flow
// values. Samples older than the window relative to the newest sample are dropped
// together with their flow values, and pour indices shift with them.
type Meter struct {
	mu       sync.RWMutex
	samples  []sample.Sample
	flow     []float64
	pours    []Pour
	current  int // index into pours of the active pour, or -1
	shutdown bool

	cbMu      sync.RWMutex
	callbacks []UpdateFunc

	window    time.Duration
	threshold float64
	minPour   time.Duration
}

// New creates a meter from the meter section of cfg.
func New(cfg *config.Config) *Meter {
	return &Meter{
		current:   -1,
		window:    time.Duration(cfg.Meter.WindowSeconds * float64(time.Second)),
		threshold: cfg.Meter.FlowThreshold,
		minPour:   cfg.Meter.MinPourDuration,
	}
}

// ProcessSamples consumes input until it closes. Afterwards no callbacks are made until
// ResetShutdown.
func (m *Meter) ProcessSamples(input <-chan sample.Sample) {
	for s := range input {
		m.Add(s)
	}
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
}

// Add appends one sample, updates flow and pours and notifies callbacks. Samples not
// newer than the latest one are dropped.
func (m *Meter) Add(s sample.Sample) {
	m.mu.Lock()
	notify := m.add(s) && !m.shutdown
	m.mu.Unlock()

	if notify {
		m.notifyCallbacks()
	}
}

func (m *Meter) add(s sample.Sample) bool {
	if n := len(m.samples); n > 0 {
		dt := s.Timestamp.Sub(m.samples[n-1].Timestamp).Seconds()
		if dt <= 0 {
			return false
		}
		m.samples = append(m.samples, s)
		m.flow = append(m.flow, (s.Mass-m.samples[n-1].Mass)/dt)
	} else {
		m.samples = append(m.samples, s)
	}

	m.trim(s.Timestamp.Add(-m.window))
	m.updatePours()
	return true
}

// trim drops samples at or before cutoff.
func (m *Meter) trim(cutoff time.Time) {
	cut := 0
	for cut < len(m.samples)-1 && !m.samples[cut].Timestamp.After(cutoff) {
		cut++
	}
	if cut == 0 {
		return
	}

	m.samples = append(m.samples[:0], m.samples[cut:]...)
	m.flow = append(m.flow[:0], m.flow[min(cut, len(m.flow)):]...)

	kept := m.pours[:0]
	current := -1
	for i, p := range m.pours {
		p.StartIndex -= cut
		p.EndIndex -= cut
		if p.EndIndex < 0 {
			continue
		}
		if p.StartIndex < 0 {
			p.StartIndex = 0
			p.StartTime = m.samples[0].Timestamp
			p.Amount = m.samples[p.EndIndex].Mass - m.samples[0].Mass
		}
		if i == m.current {
			current = len(kept)
		}
		kept = append(kept, p)
	}
	m.pours = kept
	m.current = current
}

// updatePours extends, starts or ends the active pour with the newest flow value.
func (m *Meter) updatePours() {
	if len(m.flow) == 0 {
		return
	}
	f := m.flow[len(m.flow)-1]
	last := len(m.samples) - 1
	pouring := math.Abs(f) > m.threshold

	if m.current >= 0 {
		p := &m.pours[m.current]
		if pouring && math.Signbit(f) == math.Signbit(p.PeakFlow) {
			p.EndIndex = last
			p.EndTime = m.samples[last].Timestamp
			p.Amount = m.samples[last].Mass - m.samples[p.StartIndex].Mass
			if math.Abs(f) > math.Abs(p.PeakFlow) {
				p.PeakFlow = f
			}
			return
		}
		m.endPour()
	}

	if pouring {
		m.pours = append(m.pours, Pour{
			StartIndex: last - 1,
			EndIndex:   last,
			StartTime:  m.samples[last-1].Timestamp,
			EndTime:    m.samples[last].Timestamp,
			Amount:     m.samples[last].Mass - m.samples[last-1].Mass,
			PeakFlow:   f,
			Active:     true,
		})
		m.current = len(m.pours) - 1
	}
}

// endPour closes the active pour and drops it when it was too short to be more than noise.
func (m *Meter) endPour() {
	p := &m.pours[m.current]
	p.Active = false
	if p.Duration() < m.minPour {
		m.pours = append(m.pours[:m.current], m.pours[m.current+1:]...)
	}
	m.current = -1
}

// Samples returns a copy of the current samples buffer.
func (m *Meter) Samples() []sample.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]sample.Sample(nil), m.samples...)
}

// Flow returns a copy of the flow buffer.
func (m *Meter) Flow() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.flow...)
}

// Pours returns completed pours and the active pour once it lasted the minimum duration.
func (m *Meter) Pours() []Pour {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pourList()
}

func (m *Meter) pourList() []Pour {
	out := make([]Pour, 0, len(m.pours))
	for _, p := range m.pours {
		if p.Active && p.Duration() < m.minPour {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Latest returns the newest sample.
func (m *Meter) Latest() (sample.Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.samples) == 0 {
		return sample.Sample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// OnUpdate registers a callback invoked after every sample. Callbacks receive copies and
// run on the processing goroutine, so they should return quickly.
func (m *Meter) OnUpdate(cb UpdateFunc) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// ResetShutdown allows callbacks again before starting a new measurement chain.
func (m *Meter) ResetShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = false
}

func (m *Meter) notifyCallbacks() {
	m.mu.RLock()
	samples := append([]sample.Sample(nil), m.samples...)
	flow := append([]float64(nil), m.flow...)
	pours := m.pourList()
	m.mu.RUnlock()

	m.cbMu.RLock()
	callbacks := append([]UpdateFunc(nil), m.callbacks...)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(samples, flow, pours)
		}
	}
}
