package anomaly_test

import (
	"testing"

	"github.com/septivank/meter-reconciliation/internal/anomaly"
)

const (
	testBandWidth                 = 2.0
	testMinDataPointsForDetection = 3
	testWindow                    = 12
)

func TestCheckNormalcy_AboveBand(t *testing.T) {
	detector := anomaly.NewDetector(testBandWidth, testMinDataPointsForDetection, testWindow)

	historical := []float64{100, 105, 98, 102, 99}

	flag, reason := detector.CheckNormalcy(350, historical)

	if flag != anomaly.FlagHigh {
		t.Errorf("Expected flag %q, got %q", anomaly.FlagHigh, flag)
	}
	if reason == "" {
		t.Error("Expected reason for high consumption")
	}
}

func TestCheckNormalcy_BelowBand(t *testing.T) {
	detector := anomaly.NewDetector(testBandWidth, testMinDataPointsForDetection, testWindow)

	flag, _ := detector.CheckNormalcy(50, []float64{100, 105, 98, 102, 99})

	if flag != anomaly.FlagLow {
		t.Errorf("Expected flag %q, got %q", anomaly.FlagLow, flag)
	}
}

func TestCheckNormalcy_NormalValue(t *testing.T) {
	detector := anomaly.NewDetector(testBandWidth, testMinDataPointsForDetection, testWindow)

	flag, reason := detector.CheckNormalcy(103, []float64{100, 105, 98, 102, 99})

	if flag != "" {
		t.Errorf("Expected no flag, but got %q: %s", flag, reason)
	}
}

func TestCheckNormalcy_InsufficientData(t *testing.T) {
	detector := anomaly.NewDetector(testBandWidth, testMinDataPointsForDetection, testWindow)

	flag, _ := detector.CheckNormalcy(10000, []float64{100, 105})

	if flag != "" {
		t.Error("Expected no flag when there is not enough history")
	}
}

func TestCheckNormalcy_UsesTrailingWindow(t *testing.T) {
	detector := anomaly.NewDetector(testBandWidth, testMinDataPointsForDetection, testWindow)

	historical := make([]float64, 0, 20)
	for i := 0; i < testWindow; i++ {
		historical = append(historical, 100)
	}
	// older periods outside the window must not widen the band
	historical = append(historical, 1000, 5, 1000, 5)

	if flag, _ := detector.CheckNormalcy(100, historical); flag != "" {
		t.Errorf("Expected no flag for value equal to the window mean, got %q", flag)
	}
	if flag, _ := detector.CheckNormalcy(101, historical); flag != anomaly.FlagHigh {
		t.Errorf("Expected flag %q outside a zero-width band, got %q", anomaly.FlagHigh, flag)
	}
}
