package filter

// ChannelConfig configures a filter chain.
type ChannelConfig struct {
	Min, Max   float32
	MedianSize int
	Alpha      float32
}

// Channel chains range rejection, a median and exponential smoothing.
type Channel struct {
	Threshold Threshold[float32]
	Median    *Median[float32]
	Smooth    Exponential
}

// NewChannel creates a filter chain.
func NewChannel(cfg ChannelConfig) *Channel {
	return &Channel{
		Threshold: NewThreshold(cfg.Min, cfg.Max),
		Median:    NewMedian[float32](cfg.MedianSize),
		Smooth:    NewExponential(cfg.Alpha),
	}
}

// Update feeds a raw sample. An out of range sample returns the previous smoothed value
// and false, leaving the median and smoother untouched.
func (c *Channel) Update(v float32) (float32, bool) {
	if !c.Threshold.Apply(v) {
		return c.Smooth.Value(), false
	}
	return c.Smooth.Update(c.Median.Push(v)), true
}

// Value returns the current smoothed value.
func (c *Channel) Value() float32 {
	return c.Smooth.Value()
}

// Reset clears all state.
func (c *Channel) Reset() {
	c.Threshold.Reset()
	c.Median.Reset()
	c.Smooth.Reset()
}
