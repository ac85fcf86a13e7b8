package coordinator

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Timing summarises the inter-frame intervals of one camera.
type Timing struct {
	Frames         int
	MeanInterval   time.Duration
	StdDevInterval time.Duration
	// P95Interval is the 95th percentile interval; long tails point at
	// drain loop stalls.
	P95Interval time.Duration
	MeasuredFPS float64
}

// analyzeTiming computes interval statistics over frame timestamps in drain
// order. Fewer than two timestamps yield a zero Timing with Frames set.
func analyzeTiming(stamps []time.Time) Timing {
	t := Timing{Frames: len(stamps)}
	if len(stamps) < 2 {
		return t
	}

	intervals := make([]float64, len(stamps)-1)
	for i := 1; i < len(stamps); i++ {
		intervals[i-1] = stamps[i].Sub(stamps[i-1]).Seconds()
	}

	var mean, std float64
	if len(intervals) == 1 {
		mean = intervals[0]
	} else {
		mean, std = stat.MeanStdDev(intervals, nil)
	}
	sort.Float64s(intervals)
	p95 := stat.Quantile(0.95, stat.Empirical, intervals, nil)

	t.MeanInterval = seconds(mean)
	t.StdDevInterval = seconds(std)
	t.P95Interval = seconds(p95)
	if span := stamps[len(stamps)-1].Sub(stamps[0]).Seconds(); span > 0 {
		t.MeasuredFPS = float64(len(stamps)-1) / span
	}
	return t
}

// startSkew returns the absolute difference between the first frame of each
// camera, and false if either camera produced no frames.
func startSkew(a, b []time.Time) (time.Duration, bool) {
	if len(a) == 0 || len(b) == 0 {
		return 0, false
	}
	d := a[0].Sub(b[0])
	if d < 0 {
		d = -d
	}
	return d, true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
