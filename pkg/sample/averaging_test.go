package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/device"
)

func TestAverage(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		samples []Sample
		want    Sample
	}{
		{
			name: "empty",
			want: Sample{},
		},
		{
			name:    "single",
			samples: []Sample{{Timestamp: now, Mass: 5, Rate: 1, Tare: 2, Temperature: 20}},
			want:    Sample{Timestamp: now, Mass: 5, Rate: 1, Tare: 2, Temperature: 20},
		},
		{
			name: "keeps last timestamp and sensors",
			samples: []Sample{
				{Timestamp: now, Mass: 10, Rate: 2, Temperature: 20, Sensors: []float64{10}},
				{Timestamp: now.Add(time.Second), Mass: 20, Rate: 4, Temperature: 22, Sensors: []float64{20}, Flagged: true},
				{Timestamp: now.Add(2 * time.Second), Mass: 30, Rate: 6, Temperature: 24, Sensors: []float64{30}},
			},
			want: Sample{Timestamp: now.Add(2 * time.Second), Mass: 20, Rate: 4, Temperature: 22, Sensors: []float64{30}, Flagged: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Average(tt.samples))
		})
	}
}

func TestNewAveragingConverter_WindowSize(t *testing.T) {
	in := make(chan device.Reading, 10)
	out := NewAveragingConverter(config.Default(), 2, 10, nil)(in)

	now := time.Now()
	for i := range 4 {
		in <- reading(now.Add(time.Duration(i)*time.Millisecond), float32(100*(i+1)))
	}
	close(in)

	var samples []Sample
	for s := range out {
		samples = append(samples, s)
	}
	require.NotEmpty(t, samples)
	// The final flush averages the last two readings.
	last := samples[len(samples)-1]
	assert.InDelta(t, 350, last.Mass, 1e-6)
	assert.Equal(t, now.Add(3*time.Millisecond), last.Timestamp)
}

func TestNewAveragingConverter_Periodic(t *testing.T) {
	in := make(chan device.Reading, 10)
	out := NewAveragingConverter(config.Default(), 5, 10, nil)(in)

	in <- reading(time.Now(), 42)
	select {
	case s := <-out:
		assert.InDelta(t, 42, s.Mass, 1e-6)
	case <-time.After(time.Second):
		t.Fatal("no averaged sample within timeout")
	}
	close(in)
	for range out {
	}
}

func TestNewAveragingConverter_EmptyChannel(t *testing.T) {
	in := make(chan device.Reading)
	out := NewAveragingConverter(config.Default(), 3, 10, nil)(in)
	close(in)

	_, ok := <-out
	assert.False(t, ok, "Output channel should be closed")
}

func TestNewAveragingConverterForSamples_InvalidWindowSize(t *testing.T) {
	in := make(chan Sample, 5)
	out := NewAveragingConverterForSamples(0, 0, nil)(in)

	in <- Sample{Mass: 1}
	in <- Sample{Mass: 3}
	close(in)

	var last Sample
	for s := range out {
		last = s
	}
	// A window of one keeps only the newest sample.
	assert.InDelta(t, 3, last.Mass, 1e-9)
}
