// Package consumption turns two sequential meter readings into a billable
// consumption delta and tags the delta with basic anomaly flags.
package consumption

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places consumption is rounded to
const Precision = 3

// Anomaly tags produced by the calculator
const (
	FlagNegativeConsumption     = "negative_consumption"
	FlagPossibleTampering       = "possible_tampering"
	FlagZeroConsumptionExtended = "zero_consumption_extended"
	FlagHighConsumption         = "high_consumption"
	FlagPotentialLeak           = "potential_leak"
	FlagLargePercentageIncrease = "large_percentage_increase"
)

// Thresholds holds the tagging limits
type Thresholds struct {
	TamperingDrop       decimal.Decimal // consumption below -TamperingDrop tags possible tampering
	ZeroConsumptionDays int             // zero consumption over more days than this is tagged
	HighDailyUsage      decimal.Decimal
	LeakDailyUsage      decimal.Decimal
	LeakMinDays         int
	LargeIncreasePct    decimal.Decimal
}

// DefaultThresholds returns the standard utility thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		TamperingDrop:       decimal.NewFromInt(100),
		ZeroConsumptionDays: 30,
		HighDailyUsage:      decimal.NewFromInt(1000),
		LeakDailyUsage:      decimal.NewFromInt(500),
		LeakMinDays:         7,
		LargeIncreasePct:    decimal.NewFromInt(200),
	}
}

// Previous is the immediately preceding confirmed reading
type Previous struct {
	Value decimal.Decimal
	Date  time.Time
}

// Result is the outcome of a consumption calculation. A nil Consumption means
// there was no previous reading.
type Result struct {
	PreviousValue *decimal.Decimal
	PreviousDate  *time.Time
	Consumption   *decimal.Decimal
	DaysBetween   int
	DailyAverage  *decimal.Decimal
	PercentChange *decimal.Decimal
	AnomalyFlags  []string
}

// HasFlag reports whether the result carries flag
func (r Result) HasFlag(flag string) bool {
	for _, f := range r.AnomalyFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Calculator computes consumption with configurable thresholds
type Calculator struct {
	thresholds Thresholds
}

// NewCalculator creates a new calculator with the given thresholds
func NewCalculator(thresholds Thresholds) *Calculator {
	return &Calculator{thresholds: thresholds}
}

// Calculate computes the delta between current and previous. A first reading
// (previous == nil) is never anomalous.
func (c *Calculator) Calculate(currentValue decimal.Decimal, currentDate time.Time, previous *Previous) Result {
	result := Result{AnomalyFlags: []string{}}
	if previous == nil {
		return result
	}

	prevValue := previous.Value
	prevDate := previous.Date
	result.PreviousValue = &prevValue
	result.PreviousDate = &prevDate

	delta := currentValue.Sub(prevValue).Round(Precision)
	result.Consumption = &delta

	if delta.IsNegative() {
		result.AnomalyFlags = append(result.AnomalyFlags, FlagNegativeConsumption)
		if delta.LessThan(c.thresholds.TamperingDrop.Neg()) {
			result.AnomalyFlags = append(result.AnomalyFlags, FlagPossibleTampering)
		}
	}

	days := DaysBetween(prevDate, currentDate)
	result.DaysBetween = days

	if delta.IsZero() && days > c.thresholds.ZeroConsumptionDays {
		result.AnomalyFlags = append(result.AnomalyFlags, FlagZeroConsumptionExtended)
	}

	daily := delta.Div(decimal.NewFromInt(int64(days)))
	dailyRounded := daily.Round(Precision)
	result.DailyAverage = &dailyRounded

	if daily.GreaterThan(c.thresholds.HighDailyUsage) {
		result.AnomalyFlags = append(result.AnomalyFlags, FlagHighConsumption)
	}
	if daily.GreaterThan(c.thresholds.LeakDailyUsage) && days >= c.thresholds.LeakMinDays {
		result.AnomalyFlags = append(result.AnomalyFlags, FlagPotentialLeak)
	}

	if prevValue.IsPositive() {
		pct := currentValue.Sub(prevValue).Div(prevValue).Mul(decimal.NewFromInt(100))
		pctRounded := pct.Round(2)
		result.PercentChange = &pctRounded
		if pct.GreaterThan(c.thresholds.LargeIncreasePct) {
			result.AnomalyFlags = append(result.AnomalyFlags, FlagLargePercentageIncrease)
		}
	}

	return result
}

// DaysBetween returns the whole number of days between a and b, rounded up,
// never less than one.
func DaysBetween(a, b time.Time) int {
	diff := b.Sub(a)
	if diff < 0 {
		diff = -diff
	}
	days := int(math.Ceil(diff.Hours() / 24))
	if days < 1 {
		return 1
	}
	return days
}
