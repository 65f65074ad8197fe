package anomaly

import (
	"fmt"
	"math"
	"time"

	"github.com/septivank/meter-reconciliation/internal/consumption"
	"github.com/shopspring/decimal"
)

// HistoryPoint is one past confirmed reading of a customer meter
type HistoryPoint struct {
	ReadingDate time.Time
	Consumption float64
	DaysBetween int
}

// DailyUsage returns consumption per day for the point
func (h HistoryPoint) DailyUsage() float64 {
	days := h.DaysBetween
	if days < 1 {
		days = 1
	}
	return h.Consumption / float64(days)
}

// Input is the reading context evaluated by the rules
type Input struct {
	TenantID            string
	CustomerID          string
	MeterID             string
	ReadingValue        decimal.Decimal
	ReadingDate         time.Time
	PreviousValue       *decimal.Decimal
	PreviousDate        *time.Time
	Consumption         *decimal.Decimal
	PreviousConsumption *decimal.Decimal
}

// evalContext carries the reading plus its history, most recent first
type evalContext struct {
	in          Input
	consumption *float64
	days        int
	history     []HistoryPoint
	historyErr  error
}

func newEvalContext(in Input, history []HistoryPoint, historyErr error) *evalContext {
	ec := &evalContext{in: in, history: history, historyErr: historyErr, days: 1}
	if in.Consumption != nil {
		c := in.Consumption.InexactFloat64()
		ec.consumption = &c
	}
	if in.PreviousDate != nil {
		ec.days = consumption.DaysBetween(*in.PreviousDate, in.ReadingDate)
	}
	return ec
}

func (ec *evalContext) dailyUsage() float64 {
	return *ec.consumption / float64(ec.days)
}

// evaluation is the outcome of one rule. insufficient is set when the rule
// could not be evaluated for lack of data.
type evaluation struct {
	triggered    bool
	flag         string
	message      string
	details      map[string]any
	insufficient string
}

func notTriggered() evaluation { return evaluation{} }

func insufficientData(reason string) evaluation {
	return evaluation{insufficient: reason}
}

func triggered(flag, message string, details map[string]any) evaluation {
	return evaluation{triggered: true, flag: flag, message: message, details: details}
}

// evaluate dispatches on the rule's parameter type
func evaluate(rule Rule, ec *evalContext) evaluation {
	switch p := rule.Params.(type) {
	case ThresholdParams:
		return evalThreshold(p, ec)
	case PercentageChangeParams:
		return evalPercentageChange(p, ec)
	case NegativeConsumptionParams:
		return evalNegative(p, ec)
	case ZeroConsumptionParams:
		return evalZeroStreak(p, ec)
	case TimePatternParams:
		return evalTimePattern(p, ec)
	case StatisticalOutlierParams:
		return evalStatisticalOutlier(p, ec)
	case MeterRollbackParams:
		return evalRollback(p, ec)
	case LeakDetectionParams:
		return evalLeak(p, ec)
	default:
		return insufficientData(fmt.Sprintf("no evaluator for rule type %q", rule.Type))
	}
}

// needsHistory reports whether the rule reads the history window
func needsHistory(t RuleType) bool {
	switch t {
	case RuleZeroConsumption, RuleTimeBasedPattern, RuleStatisticalOutlier, RuleLeakDetection:
		return true
	default:
		return false
	}
}

func evalThreshold(p ThresholdParams, ec *evalContext) evaluation {
	if ec.consumption == nil {
		return insufficientData("no previous reading")
	}
	c := *ec.consumption
	if p.MaxConsumption != nil && c > *p.MaxConsumption {
		return triggered(FlagHigh,
			fmt.Sprintf("consumption %.3f exceeds maximum %.3f", c, *p.MaxConsumption),
			map[string]any{"consumption": c, "max_consumption": *p.MaxConsumption})
	}
	if p.MinConsumption != nil && c < *p.MinConsumption {
		return triggered(FlagLow,
			fmt.Sprintf("consumption %.3f below minimum %.3f", c, *p.MinConsumption),
			map[string]any{"consumption": c, "min_consumption": *p.MinConsumption})
	}
	return notTriggered()
}

func evalPercentageChange(p PercentageChangeParams, ec *evalContext) evaluation {
	if ec.consumption == nil {
		return insufficientData("no previous reading")
	}
	if ec.in.PreviousConsumption == nil {
		return insufficientData("previous reading has no consumption")
	}
	prev := ec.in.PreviousConsumption.InexactFloat64()
	if prev <= 0 {
		return insufficientData("previous consumption is not positive")
	}

	pct := (*ec.consumption - prev) / prev * 100
	details := map[string]any{"consumption": *ec.consumption, "previous_consumption": prev, "change_pct": round(pct, 2)}
	if pct > p.MaxIncreasePct {
		return triggered(FlagHigh,
			fmt.Sprintf("consumption increased %.1f%% over previous period (limit %.1f%%)", pct, p.MaxIncreasePct),
			details)
	}
	if p.MaxDecreasePct != nil && -pct > *p.MaxDecreasePct {
		return triggered(FlagLow,
			fmt.Sprintf("consumption decreased %.1f%% from previous period (limit %.1f%%)", -pct, *p.MaxDecreasePct),
			details)
	}
	return notTriggered()
}

func evalNegative(p NegativeConsumptionParams, ec *evalContext) evaluation {
	if ec.consumption == nil {
		return insufficientData("no previous reading")
	}
	if *ec.consumption < -p.Tolerance {
		return triggered(FlagNegative,
			fmt.Sprintf("negative consumption %.3f", *ec.consumption),
			map[string]any{"consumption": *ec.consumption, "tolerance": p.Tolerance})
	}
	return notTriggered()
}

// evalZeroStreak measures how long the meter has reported no consumption,
// walking back through history until the first reading that consumed.
func evalZeroStreak(p ZeroConsumptionParams, ec *evalContext) evaluation {
	if ec.consumption == nil || ec.in.PreviousDate == nil {
		return insufficientData("no previous reading")
	}
	if *ec.consumption != 0 {
		return notTriggered()
	}

	since := *ec.in.PreviousDate
	zeroReadings := 1
	for _, h := range ec.history {
		if h.ReadingDate.After(since) {
			continue
		}
		if h.Consumption != 0 {
			break
		}
		zeroReadings++
		since = h.ReadingDate.AddDate(0, 0, -h.DaysBetween)
	}

	days := consumption.DaysBetween(since, ec.in.ReadingDate)
	if days >= p.MinDays {
		return triggered(FlagLow,
			fmt.Sprintf("no consumption for %d days", days),
			map[string]any{"zero_days": days, "zero_readings": zeroReadings, "since": since.Format("2006-01-02")})
	}
	return notTriggered()
}

func evalTimePattern(p TimePatternParams, ec *evalContext) evaluation {
	if ec.consumption == nil {
		return insufficientData("no previous reading")
	}
	if ec.historyErr != nil {
		return insufficientData("history unavailable")
	}

	current := ec.dailyUsage()
	date := ec.in.ReadingDate

	var samples []float64
	for _, h := range ec.history {
		switch p.Period {
		case PeriodWeekly:
			if h.ReadingDate.Weekday() == date.Weekday() {
				samples = append(samples, h.DailyUsage())
			}
		case PeriodSeasonal:
			if h.ReadingDate.Month() == date.Month() && h.ReadingDate.Year() < date.Year() {
				samples = append(samples, h.DailyUsage())
			}
		}
	}

	minSamples := p.MinSamples
	if minSamples < 1 {
		minSamples = 1
	}
	if len(samples) < minSamples {
		return insufficientData(fmt.Sprintf("%d %s samples, need %d", len(samples), p.Period, minSamples))
	}

	baseline := mean(samples)
	if baseline <= 0 {
		return insufficientData("baseline usage is zero")
	}

	deviation := (current - baseline) / baseline * 100
	if math.Abs(deviation) > p.MaxDeviationPct {
		flag := FlagHigh
		if deviation < 0 {
			flag = FlagLow
		}
		return triggered(flag,
			fmt.Sprintf("daily usage %.3f deviates %.1f%% from %s baseline %.3f", current, deviation, p.Period, baseline),
			map[string]any{"daily_usage": round(current, 3), "baseline": round(baseline, 3), "deviation_pct": round(deviation, 2), "samples": len(samples)})
	}
	return notTriggered()
}

func evalStatisticalOutlier(p StatisticalOutlierParams, ec *evalContext) evaluation {
	if ec.consumption == nil {
		return insufficientData("no previous reading")
	}
	if ec.historyErr != nil {
		return insufficientData("history unavailable")
	}
	if len(ec.history) < p.MinHistory {
		return insufficientData(fmt.Sprintf("%d historical readings, need %d", len(ec.history), p.MinHistory))
	}

	values := make([]float64, len(ec.history))
	for i, h := range ec.history {
		values[i] = h.Consumption
	}
	m := mean(values)
	sd := stdDev(values, m)
	if sd == 0 {
		return notTriggered()
	}

	z := (*ec.consumption - m) / sd
	if math.Abs(z) > p.Threshold {
		flag := FlagHigh
		if z < 0 {
			flag = FlagLow
		}
		return triggered(flag,
			fmt.Sprintf("consumption %.3f is %.2f standard deviations from mean %.3f", *ec.consumption, math.Abs(z), m),
			map[string]any{"z_score": round(z, 3), "mean": round(m, 3), "std_dev": round(sd, 3), "samples": len(values)})
	}
	return notTriggered()
}

func evalRollback(p MeterRollbackParams, ec *evalContext) evaluation {
	if ec.in.PreviousValue == nil {
		return insufficientData("no previous reading")
	}
	prev := ec.in.PreviousValue.InexactFloat64()
	current := ec.in.ReadingValue.InexactFloat64()
	drop := prev - current
	if drop <= 0 || drop <= p.MinRollback {
		return notTriggered()
	}

	if p.RegisterMax > 0 && prev >= 0.9*p.RegisterMax && current <= 0.1*p.RegisterMax {
		return notTriggered()
	}

	return triggered(FlagNegative,
		fmt.Sprintf("meter reading rolled back by %.3f", drop),
		map[string]any{"previous_value": prev, "reading_value": current, "rollback": round(drop, 3)})
}

// evalLeak counts the streak of readings, newest first, whose daily usage
// stays above the minimum. The streak ends at the first reading below it.
func evalLeak(p LeakDetectionParams, ec *evalContext) evaluation {
	if ec.consumption == nil {
		return insufficientData("no previous reading")
	}
	if ec.historyErr != nil {
		return insufficientData("history unavailable")
	}

	window := make([]float64, 0, p.ConsecutiveDays)
	window = append(window, ec.dailyUsage())
	for _, h := range ec.history {
		if len(window) == p.ConsecutiveDays {
			break
		}
		window = append(window, h.DailyUsage())
	}
	if len(window) < p.ConsecutiveDays {
		return insufficientData(fmt.Sprintf("%d readings in window, need %d", len(window), p.ConsecutiveDays))
	}

	streak := 0
	for _, usage := range window {
		if usage <= p.MinDailyUsage {
			break
		}
		streak++
	}

	if streak*2 > p.ConsecutiveDays {
		return triggered(FlagHigh,
			fmt.Sprintf("daily usage above %.3f for %d of the last %d readings", p.MinDailyUsage, streak, p.ConsecutiveDays),
			map[string]any{"streak": streak, "window": p.ConsecutiveDays, "min_daily_usage": p.MinDailyUsage})
	}
	return notTriggered()
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev returns the population standard deviation
func stdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
