package registry

import "math"

// Aggregate computes the statistical summary over device id's current
// window (spec §3). Returns (zero, false) if the device is unknown or its
// window is empty.
func (r *Registry) Aggregate(id string) (Aggregate, bool) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return Aggregate{}, false
	}

	d.mu.Lock()
	win := append([]sample(nil), d.window...)
	d.mu.Unlock()

	if len(win) == 0 {
		return Aggregate{}, false
	}
	return computeAggregate(id, win), true
}

// SampleCount returns the number of samples currently held for id (used by
// the Advisory Orchestrator's eligibility check, spec §4.4 step 2).
func (r *Registry) SampleCount(id string) int {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.window)
}

func computeAggregate(id string, win []sample) Aggregate {
	n := len(win)
	currentChannels := len(win[0].currents)
	tempChannels := len(win[0].temperatures)

	minTS, maxTS := win[0].ts, win[0].ts
	for _, s := range win[1:] {
		if s.ts < minTS {
			minTS = s.ts
		}
		if s.ts > maxTS {
			maxTS = s.ts
		}
	}

	currentMean, currentStd, currentMax := channelStatsMatrix(win, n, currentChannels, func(s sample, i int) float64 { return s.currents[i] })
	tempMean, tempStd, tempMax := channelStatsMatrix(win, n, tempChannels, func(s sample, i int) float64 { return s.temperatures[i] })

	vibX := singleChannelStats(win, func(s sample) float64 { return s.vibX })
	vibY := singleChannelStats(win, func(s sample) float64 { return s.vibY })
	vibZ := singleChannelStats(win, func(s sample) float64 { return s.vibZ })
	vibMag := singleChannelStats(win, func(s sample) float64 { return s.vibMagnitude })

	return Aggregate{
		DeviceID:        id,
		TimeWindowStart: minTS,
		TimeWindowEnd:   maxTS,
		SampleCount:     n,
		CurrentMean:     currentMean,
		CurrentStd:      currentStd,
		CurrentMax:      currentMax,
		Vibration: VibrationStats{
			X: vibX, Y: vibY, Z: vibZ, Magnitude: vibMag,
		},
		TemperatureMean: tempMean,
		TemperatureStd:  tempStd,
		TemperatureMax:  tempMax,
	}
}

// channelStatsMatrix computes mean/std/max for each of `channels` scalar
// channels across win, per spec §3: std=0 if n<2; max>=mean componentwise.
func channelStatsMatrix(win []sample, n, channels int, at func(sample, int) float64) (mean, std, max []float64) {
	mean = make([]float64, channels)
	std = make([]float64, channels)
	max = make([]float64, channels)

	for ch := 0; ch < channels; ch++ {
		var sum float64
		m := at(win[0], ch)
		for _, s := range win {
			v := at(s, ch)
			sum += v
			if v > m {
				m = v
			}
		}
		mu := sum / float64(n)

		var sq float64
		for _, s := range win {
			d := at(s, ch) - mu
			sq += d * d
		}
		sd := 0.0
		if n >= 2 {
			sd = math.Sqrt(math.Max(0, sq/float64(n)))
		}

		mean[ch] = mu
		std[ch] = sd
		max[ch] = m
	}
	return mean, std, max
}

func singleChannelStats(win []sample, at func(sample) float64) ChannelStats {
	n := len(win)
	var sum float64
	m := at(win[0])
	for _, s := range win {
		v := at(s)
		sum += v
		if v > m {
			m = v
		}
	}
	mu := sum / float64(n)
	var sq float64
	for _, s := range win {
		d := at(s) - mu
		sq += d * d
	}
	sd := 0.0
	if n >= 2 {
		sd = math.Sqrt(math.Max(0, sq/float64(n)))
	}
	return ChannelStats{Mean: mu, Std: sd, Max: m}
}
