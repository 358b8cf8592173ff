package core

import (
	"math"

	"github.com/audiolab/latmeter/internal/types"
)

// LatencyStats summarizes a collected sample series. The reported
// result uses the means; min/max/stddev go to logs and telemetry so a
// jittery loopback is distinguishable from a clean one.
type LatencyStats struct {
	Count      int     `json:"count"`
	FramesMean float64 `json:"frames_mean"`
	MSMean     float64 `json:"ms_mean"`
	MSMin      float64 `json:"ms_min"`
	MSMax      float64 `json:"ms_max"`
	MSStdDev   float64 `json:"ms_stddev"`
}

// CalculateLatencyStats computes per-series statistics.
func CalculateLatencyStats(samples []types.MeasurementSample) *LatencyStats {
	n := len(samples)
	if n == 0 {
		return &LatencyStats{}
	}

	var sumFrames, sumMS float64
	msMin := samples[0].Milliseconds
	msMax := samples[0].Milliseconds
	for _, s := range samples {
		sumFrames += s.Frames
		sumMS += s.Milliseconds
		if s.Milliseconds < msMin {
			msMin = s.Milliseconds
		}
		if s.Milliseconds > msMax {
			msMax = s.Milliseconds
		}
	}

	framesMean := sumFrames / float64(n)
	msMean := sumMS / float64(n)

	var sumSquares float64
	for _, s := range samples {
		d := s.Milliseconds - msMean
		sumSquares += d * d
	}
	stdDev := math.Sqrt(sumSquares / float64(n))

	return &LatencyStats{
		Count:      n,
		FramesMean: framesMean,
		MSMean:     msMean,
		MSMin:      msMin,
		MSMax:      msMax,
		MSStdDev:   stdDev,
	}
}
