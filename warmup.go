package mmalcam

import (
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Stability thresholds: relative FPS deviation and inter-frame jitter as a
// fraction of the nominal frame interval.
const (
	stableFPSDeviation = 0.15
	stableJitterRatio  = 0.20
)

// WarmupStats summarises frame-timing behaviour over a warmup run. Useful
// for deciding whether the camera has settled before real capture begins.
type WarmupStats struct {
	Samples   int
	Duration  time.Duration
	MeanFPS   float64
	StdDevFPS float64
	MinFPS    float64
	MaxFPS    float64
	JitterMS  float64
	IsStable  bool
}

// CalculateFPSStats derives timing statistics from consecutive frame
// timestamps. Needs at least two timestamps to form one interval.
func CalculateFPSStats(timestamps []time.Time, elapsed time.Duration) *WarmupStats {
	stats := &WarmupStats{
		Samples:  len(timestamps),
		Duration: elapsed,
	}
	if len(timestamps) < 2 {
		return stats
	}

	intervals := make([]float64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		d := timestamps[i].Sub(timestamps[i-1]).Seconds()
		if d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return stats
	}

	stats.MinFPS = math.Inf(1)
	var sum, sumSq float64
	for _, iv := range intervals {
		fps := 1.0 / iv
		sum += fps
		sumSq += fps * fps
		stats.MinFPS = math.Min(stats.MinFPS, fps)
		stats.MaxFPS = math.Max(stats.MaxFPS, fps)
	}
	n := float64(len(intervals))
	stats.MeanFPS = sum / n
	variance := sumSq/n - stats.MeanFPS*stats.MeanFPS
	if variance > 0 {
		stats.StdDevFPS = math.Sqrt(variance)
	}

	var jitterSum float64
	meanInterval := 1.0 / stats.MeanFPS
	for _, iv := range intervals {
		jitterSum += math.Abs(iv - meanInterval)
	}
	stats.JitterMS = jitterSum / n * 1000

	stats.IsStable = stats.MeanFPS > 0 &&
		stats.StdDevFPS/stats.MeanFPS <= stableFPSDeviation &&
		stats.JitterMS/1000 <= meanInterval*stableJitterRatio
	return stats
}

// Warmup pulls n frames into a scratch buffer and reports the observed
// frame timing. The frames are discarded; call it between Start and the
// first real Next.
func (c *Camera) Warmup(n int) (*WarmupStats, error) {
	if n < 2 {
		return nil, fmt.Errorf("mmalcam: warmup needs at least 2 frames, got %d", n)
	}

	scratch := make([]byte, c.frameSize)
	timestamps := make([]time.Time, 0, n)
	start := time.Now()
	for len(timestamps) < n {
		f, err := c.Next(scratch)
		if err != nil {
			return nil, fmt.Errorf("mmalcam: warmup interrupted after %d frames: %w",
				len(timestamps), err)
		}
		timestamps = append(timestamps, f.Timestamp)
	}

	stats := CalculateFPSStats(timestamps, time.Since(start))
	slog.Info("mmalcam: warmup complete",
		"session_id", c.sessionID,
		"samples", stats.Samples,
		"mean_fps", fmt.Sprintf("%.2f", stats.MeanFPS),
		"jitter_ms", fmt.Sprintf("%.2f", stats.JitterMS),
		"stable", stats.IsStable,
	)
	return stats, nil
}
