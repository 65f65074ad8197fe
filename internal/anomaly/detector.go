package anomaly

import (
	"fmt"
)

// Detector checks consumption against the meter's historical normalcy band
type Detector struct {
	bandWidth                 float64
	minDataPointsForDetection int
	window                    int
}

// NewDetector creates a normalcy detector. bandWidth is the number of
// standard deviations either side of the mean that counts as normal.
func NewDetector(bandWidth float64, minDataPointsForDetection, window int) *Detector {
	if window <= 0 {
		window = 12
	}
	return &Detector{
		bandWidth:                 bandWidth,
		minDataPointsForDetection: minDataPointsForDetection,
		window:                    window,
	}
}

// CheckNormalcy compares consumption with the trailing periods in history
// (most recent first) and returns the flag and reason when it falls outside
// mean ± bandWidth·σ. Negative consumption is handled by the processor.
func (d *Detector) CheckNormalcy(consumption float64, history []float64) (string, string) {
	if len(history) > d.window {
		history = history[:d.window]
	}

	// Need enough historical data for a band
	if len(history) < d.minDataPointsForDetection {
		return "", ""
	}

	average := mean(history)
	sd := stdDev(history, average)
	upper := average + d.bandWidth*sd
	lower := average - d.bandWidth*sd

	if consumption > upper {
		return FlagHigh, fmt.Sprintf("consumption %.3f above normal range (%.3f - %.3f)", consumption, lower, upper)
	}
	if consumption < lower {
		return FlagLow, fmt.Sprintf("consumption %.3f below normal range (%.3f - %.3f)", consumption, lower, upper)
	}

	return "", ""
}
