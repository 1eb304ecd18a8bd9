package meter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/sample"
)

func meterConfig(window float64, threshold float64, minPour time.Duration) *config.Config {
	cfg := config.Default()
	cfg.Meter.WindowSeconds = window
	cfg.Meter.FlowThreshold = threshold
	cfg.Meter.MinPourDuration = minPour
	return cfg
}

// feed adds n samples 100ms apart with mass(i).
func feed(m *Meter, start time.Time, n int, mass func(i int) float64) {
	for i := range n {
		m.Add(sample.Sample{
			Timestamp: start.Add(time.Duration(i) * 100 * time.Millisecond),
			Mass:      mass(i),
		})
	}
}

// ramp rises 5 g/s between samples from and to and is flat elsewhere.
func ramp(from, to int, rate float64) func(i int) float64 {
	return func(i int) float64 {
		i = max(from, min(i, to))
		return float64(i-from) * rate / 10
	}
}

func TestNew(t *testing.T) {
	m := New(config.Default())

	assert.NotNil(t, m)
	assert.Empty(t, m.Samples())
	assert.Empty(t, m.Flow())
	assert.Empty(t, m.Pours())
	_, ok := m.Latest()
	assert.False(t, ok)
}

func TestAdd_Basic(t *testing.T) {
	m := New(config.Default())

	s := sample.Sample{Timestamp: time.Now(), Mass: 12.5, Temperature: 24}
	m.Add(s)

	samples := m.Samples()
	require.Len(t, samples, 1)
	assert.Equal(t, s, samples[0])
	assert.Empty(t, m.Flow())

	latest, ok := m.Latest()
	assert.True(t, ok)
	assert.Equal(t, s, latest)
}

func TestAdd_Flow(t *testing.T) {
	m := New(config.Default())
	now := time.Now()

	m.Add(sample.Sample{Timestamp: now, Mass: 100})
	m.Add(sample.Sample{Timestamp: now.Add(500 * time.Millisecond), Mass: 101})
	m.Add(sample.Sample{Timestamp: now.Add(time.Second), Mass: 99})

	flow := m.Flow()
	require.Len(t, flow, 2)
	assert.InDelta(t, 2.0, flow[0], 1e-9)
	assert.InDelta(t, -4.0, flow[1], 1e-9)
}

func TestAdd_DuplicateTimestamp(t *testing.T) {
	m := New(config.Default())
	now := time.Now()

	m.Add(sample.Sample{Timestamp: now, Mass: 1})
	m.Add(sample.Sample{Timestamp: now.Add(time.Second), Mass: 2})
	m.Add(sample.Sample{Timestamp: now.Add(time.Second), Mass: 3})
	m.Add(sample.Sample{Timestamp: now.Add(500 * time.Millisecond), Mass: 4})

	samples := m.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, 2.0, samples[1].Mass)
	assert.Len(t, m.Flow(), 1)
}

func TestWindowTrimming(t *testing.T) {
	m := New(meterConfig(1, 1, time.Second))
	feed(m, time.Now(), 30, func(int) float64 { return 5 })

	assert.Len(t, m.Samples(), 10)
	assert.Len(t, m.Flow(), 9)
}

func TestPours(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		mass     func(i int) float64
		pours    int
		amount   float64
		duration time.Duration
		active   bool
	}{
		{
			name: "steady",
			n:    40,
			mass: func(int) float64 { return 250 },
		},
		{
			name:     "pour",
			n:        40,
			mass:     ramp(9, 29, 5),
			pours:    1,
			amount:   10,
			duration: 2 * time.Second,
		},
		{
			name:     "removal",
			n:        40,
			mass:     ramp(9, 29, -5),
			pours:    1,
			amount:   -10,
			duration: 2 * time.Second,
		},
		{
			name: "too short",
			n:    40,
			mass: ramp(9, 12, 5),
		},
		{
			name:     "ongoing",
			n:        30,
			mass:     ramp(9, 100, 5),
			pours:    1,
			amount:   10,
			duration: 2 * time.Second,
			active:   true,
		},
		{
			name: "ongoing but short",
			n:    15,
			mass: ramp(9, 100, 5),
		},
		{
			name: "below threshold",
			n:    40,
			mass: ramp(9, 29, 0.5),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(meterConfig(60, 1, time.Second))
			feed(m, time.Now(), tt.n, tt.mass)

			pours := m.Pours()
			require.Len(t, pours, tt.pours)
			if tt.pours == 0 {
				return
			}
			p := pours[0]
			assert.Equal(t, 9, p.StartIndex)
			assert.InDelta(t, tt.amount, p.Amount, 1e-9)
			assert.Equal(t, tt.duration, p.Duration())
			assert.Equal(t, tt.active, p.Active)
			assert.InDelta(t, tt.amount/tt.duration.Seconds(), p.Rate(), 1e-6)
			assert.InDelta(t, tt.amount/tt.duration.Seconds(), p.PeakFlow, 1e-6)
		})
	}
}

func TestPours_DirectionChange(t *testing.T) {
	m := New(meterConfig(60, 1, time.Second))
	feed(m, time.Now(), 60, func(i int) float64 {
		switch {
		case i < 20:
			return float64(i)
		case i < 40:
			return float64(40 - i)
		default:
			return 0
		}
	})

	pours := m.Pours()
	require.Len(t, pours, 2)
	assert.InDelta(t, 20, pours[0].Amount, 1e-9)
	assert.InDelta(t, -20, pours[1].Amount, 1e-9)
	assert.Equal(t, pours[0].EndIndex, pours[1].StartIndex)
}

func TestPours_ShiftWithWindow(t *testing.T) {
	m := New(meterConfig(1, 1, 500*time.Millisecond))
	start := time.Now()
	mass := ramp(0, 20, 5)

	feed(m, start, 26, mass)
	pours := m.Pours()
	require.Len(t, pours, 1)
	p := pours[0]
	samples := m.Samples()
	assert.False(t, p.Active)
	assert.Equal(t, 0, p.StartIndex)
	assert.Equal(t, samples[0].Timestamp, p.StartTime)
	assert.Equal(t, start.Add(2*time.Second), p.EndTime)
	assert.Equal(t, samples[p.EndIndex].Timestamp, p.EndTime)
	assert.InDelta(t, 2, p.Amount, 1e-9)

	// The pour leaves the window entirely.
	for i := 26; i < 32; i++ {
		m.Add(sample.Sample{Timestamp: start.Add(time.Duration(i) * 100 * time.Millisecond), Mass: mass(i)})
	}
	assert.Empty(t, m.Pours())
}
