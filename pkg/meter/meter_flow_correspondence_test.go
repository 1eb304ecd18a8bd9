package meter

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goscale/pkg/sample"
)

// Flow values must stay aligned with the samples they were computed from while the
// window slides.
func TestFlowCorrespondence(t *testing.T) {
	tests := []struct {
		name   string
		window float64
		n      int
	}{
		{"no trimming", 60, 200},
		{"short window", 0.5, 200},
		{"one second", 1, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rand.New(rand.NewPCG(1, 2))
			m := New(meterConfig(tt.window, 1, time.Second))

			ts := time.Now()
			mass := 0.0
			for range tt.n {
				ts = ts.Add(time.Duration(10+r.IntN(90)) * time.Millisecond)
				mass += r.Float64()*4 - 2
				m.Add(sample.Sample{Timestamp: ts, Mass: mass})

				samples := m.Samples()
				flow := m.Flow()
				require.Len(t, flow, len(samples)-1)
				for i, f := range flow {
					dt := samples[i+1].Timestamp.Sub(samples[i].Timestamp).Seconds()
					assert.InDelta(t, (samples[i+1].Mass-samples[i].Mass)/dt, f, 1e-9)
				}
				assert.LessOrEqual(t, samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Seconds(), tt.window)

				for _, p := range m.Pours() {
					require.GreaterOrEqual(t, p.StartIndex, 0)
					require.Less(t, p.EndIndex, len(samples))
					assert.Equal(t, samples[p.StartIndex].Timestamp, p.StartTime)
					assert.Equal(t, samples[p.EndIndex].Timestamp, p.EndTime)
					assert.InDelta(t, samples[p.EndIndex].Mass-samples[p.StartIndex].Mass, p.Amount, 1e-9)
				}
			}
		})
	}
}
