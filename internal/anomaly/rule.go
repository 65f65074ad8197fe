package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RuleType identifies the evaluation branch of a rule
type RuleType string

const (
	RuleConsumptionThreshold RuleType = "consumption_threshold"
	RulePercentageChange     RuleType = "percentage_change"
	RuleNegativeConsumption  RuleType = "negative_consumption"
	RuleZeroConsumption      RuleType = "zero_consumption"
	RuleTimeBasedPattern     RuleType = "time_based_pattern"
	RuleStatisticalOutlier   RuleType = "statistical_outlier"
	RuleMeterRollback        RuleType = "meter_rollback"
	RuleLeakDetection        RuleType = "leak_detection"
)

// RuleTypes lists every supported rule type
var RuleTypes = []RuleType{
	RuleConsumptionThreshold,
	RulePercentageChange,
	RuleNegativeConsumption,
	RuleZeroConsumption,
	RuleTimeBasedPattern,
	RuleStatisticalOutlier,
	RuleMeterRollback,
	RuleLeakDetection,
}

// Severity of a triggered rule
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// MaxScore caps the aggregate anomaly score
const MaxScore = 100

// Weight returns the score contribution of the severity
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 25
	case SeverityHigh:
		return 50
	case SeverityCritical:
		return 100
	default:
		return 0
	}
}

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	return s.Weight() > 0
}

// Summary anomaly flags persisted on a reading
const (
	FlagNegative = "negative"
	FlagLow      = "low"
	FlagHigh     = "high"
)

var (
	ErrUnknownRuleType = errors.New("unknown rule type")
	ErrInvalidParams   = errors.New("invalid rule parameters")
)

// Rule is a tenant-scoped anomaly rule
type Rule struct {
	ID        string
	TenantID  string
	Name      string
	Type      RuleType
	Severity  Severity
	Params    Params
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Params is the typed parameter set of one rule type. The concrete types in
// this file are the only implementations.
type Params interface {
	RuleType() RuleType
	validate() error
}

// ThresholdParams bounds consumption per reading
type ThresholdParams struct {
	MaxConsumption *float64 `json:"max_consumption,omitempty"`
	MinConsumption *float64 `json:"min_consumption,omitempty"`
}

func (ThresholdParams) RuleType() RuleType { return RuleConsumptionThreshold }

func (p ThresholdParams) validate() error {
	if p.MaxConsumption == nil && p.MinConsumption == nil {
		return fmt.Errorf("%w: max_consumption or min_consumption is required", ErrInvalidParams)
	}
	if p.MaxConsumption != nil && p.MinConsumption != nil && *p.MinConsumption > *p.MaxConsumption {
		return fmt.Errorf("%w: min_consumption exceeds max_consumption", ErrInvalidParams)
	}
	return nil
}

// PercentageChangeParams compares consumption with the previous period's consumption
type PercentageChangeParams struct {
	MaxIncreasePct float64  `json:"max_increase_pct"`
	MaxDecreasePct *float64 `json:"max_decrease_pct,omitempty"`
}

func (PercentageChangeParams) RuleType() RuleType { return RulePercentageChange }

func (p PercentageChangeParams) validate() error {
	if p.MaxIncreasePct <= 0 {
		return fmt.Errorf("%w: max_increase_pct must be positive", ErrInvalidParams)
	}
	return nil
}

// NegativeConsumptionParams flags consumption below -Tolerance
type NegativeConsumptionParams struct {
	Tolerance float64 `json:"tolerance"`
}

func (NegativeConsumptionParams) RuleType() RuleType { return RuleNegativeConsumption }

func (p NegativeConsumptionParams) validate() error {
	if p.Tolerance < 0 {
		return fmt.Errorf("%w: tolerance must not be negative", ErrInvalidParams)
	}
	return nil
}

// ZeroConsumptionParams flags zero consumption streaks lasting MinDays or more
type ZeroConsumptionParams struct {
	MinDays int `json:"min_days"`
}

func (ZeroConsumptionParams) RuleType() RuleType { return RuleZeroConsumption }

func (p ZeroConsumptionParams) validate() error {
	if p.MinDays < 1 {
		return fmt.Errorf("%w: min_days must be at least 1", ErrInvalidParams)
	}
	return nil
}

// Pattern periods for time based rules
const (
	PeriodWeekly   = "weekly"
	PeriodSeasonal = "seasonal"
)

// TimePatternParams compares daily usage with same-weekday or same-month history
type TimePatternParams struct {
	Period          string  `json:"period"`
	MaxDeviationPct float64 `json:"max_deviation_pct"`
	MinSamples      int     `json:"min_samples"`
}

func (TimePatternParams) RuleType() RuleType { return RuleTimeBasedPattern }

func (p TimePatternParams) validate() error {
	if p.Period != PeriodWeekly && p.Period != PeriodSeasonal {
		return fmt.Errorf("%w: period must be %q or %q", ErrInvalidParams, PeriodWeekly, PeriodSeasonal)
	}
	if p.MaxDeviationPct <= 0 {
		return fmt.Errorf("%w: max_deviation_pct must be positive", ErrInvalidParams)
	}
	return nil
}

// StatisticalOutlierParams flags z-scores above Threshold
type StatisticalOutlierParams struct {
	Threshold  float64 `json:"threshold"`
	MinHistory int     `json:"min_history"`
}

func (StatisticalOutlierParams) RuleType() RuleType { return RuleStatisticalOutlier }

func (p StatisticalOutlierParams) validate() error {
	if p.Threshold <= 0 {
		return fmt.Errorf("%w: threshold must be positive", ErrInvalidParams)
	}
	if p.MinHistory < 2 {
		return fmt.Errorf("%w: min_history must be at least 2", ErrInvalidParams)
	}
	return nil
}

// MeterRollbackParams flags register values moving backwards by more than
// MinRollback. A drop from near RegisterMax to near zero is treated as a
// register rollover when RegisterMax is set.
type MeterRollbackParams struct {
	MinRollback float64 `json:"min_rollback"`
	RegisterMax float64 `json:"register_max,omitempty"`
}

func (MeterRollbackParams) RuleType() RuleType { return RuleMeterRollback }

func (p MeterRollbackParams) validate() error {
	if p.MinRollback < 0 || p.RegisterMax < 0 {
		return fmt.Errorf("%w: min_rollback and register_max must not be negative", ErrInvalidParams)
	}
	return nil
}

// LeakDetectionParams flags sustained daily usage above MinDailyUsage
type LeakDetectionParams struct {
	ConsecutiveDays int     `json:"consecutive_days"`
	MinDailyUsage   float64 `json:"min_daily_usage"`
}

func (LeakDetectionParams) RuleType() RuleType { return RuleLeakDetection }

func (p LeakDetectionParams) validate() error {
	if p.ConsecutiveDays < 1 {
		return fmt.Errorf("%w: consecutive_days must be at least 1", ErrInvalidParams)
	}
	if p.MinDailyUsage <= 0 {
		return fmt.Errorf("%w: min_daily_usage must be positive", ErrInvalidParams)
	}
	return nil
}

// DefaultParams returns the parameter defaults for t
func DefaultParams(t RuleType) (Params, error) {
	switch t {
	case RuleConsumptionThreshold:
		return ThresholdParams{}, nil
	case RulePercentageChange:
		return PercentageChangeParams{MaxIncreasePct: 200}, nil
	case RuleNegativeConsumption:
		return NegativeConsumptionParams{}, nil
	case RuleZeroConsumption:
		return ZeroConsumptionParams{MinDays: 30}, nil
	case RuleTimeBasedPattern:
		return TimePatternParams{Period: PeriodWeekly, MaxDeviationPct: 50, MinSamples: 3}, nil
	case RuleStatisticalOutlier:
		return StatisticalOutlierParams{Threshold: 2, MinHistory: 10}, nil
	case RuleMeterRollback:
		return MeterRollbackParams{}, nil
	case RuleLeakDetection:
		return LeakDetectionParams{ConsecutiveDays: 7, MinDailyUsage: 100}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleType, t)
	}
}

// DefaultSeverity returns the severity used when a rule does not set one
func DefaultSeverity(t RuleType) Severity {
	switch t {
	case RuleMeterRollback:
		return SeverityCritical
	case RuleConsumptionThreshold, RuleNegativeConsumption, RuleLeakDetection:
		return SeverityHigh
	case RulePercentageChange, RuleStatisticalOutlier:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ParseParams decodes raw JSON parameters for t on top of the type's defaults
func ParseParams(t RuleType, raw []byte) (Params, error) {
	defaults, err := DefaultParams(t)
	if err != nil {
		return nil, err
	}

	var params Params
	switch p := defaults.(type) {
	case ThresholdParams:
		params, err = decodeInto(raw, p)
	case PercentageChangeParams:
		params, err = decodeInto(raw, p)
	case NegativeConsumptionParams:
		params, err = decodeInto(raw, p)
	case ZeroConsumptionParams:
		params, err = decodeInto(raw, p)
	case TimePatternParams:
		params, err = decodeInto(raw, p)
	case StatisticalOutlierParams:
		params, err = decodeInto(raw, p)
	case MeterRollbackParams:
		params, err = decodeInto(raw, p)
	case LeakDetectionParams:
		params, err = decodeInto(raw, p)
	}
	if err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return params, nil
}

func decodeInto[P Params](raw []byte, p P) (Params, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return p, nil
}

// MarshalParams encodes params for storage
func MarshalParams(p Params) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Validate checks the rule's type, severity and parameters
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidParams)
	}
	if _, err := DefaultParams(r.Type); err != nil {
		return err
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidParams, r.Severity)
	}
	if r.Params == nil {
		return fmt.Errorf("%w: parameters are required", ErrInvalidParams)
	}
	if r.Params.RuleType() != r.Type {
		return fmt.Errorf("%w: parameters of %s do not match rule type %s", ErrInvalidParams, r.Params.RuleType(), r.Type)
	}
	return r.Params.validate()
}

type ruleJSON struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Name       string          `json:"name"`
	RuleType   RuleType        `json:"rule_type"`
	Severity   Severity        `json:"severity,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at,omitempty"`
}

// MarshalJSON writes the rule with its typed parameters
func (r Rule) MarshalJSON() ([]byte, error) {
	params, err := MarshalParams(r.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ruleJSON{
		ID:         r.ID,
		TenantID:   r.TenantID,
		Name:       r.Name,
		RuleType:   r.Type,
		Severity:   r.Severity,
		Parameters: params,
		IsActive:   r.IsActive,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	})
}

// UnmarshalJSON reads the rule type first and decodes parameters for it
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	params, err := ParseParams(raw.RuleType, raw.Parameters)
	if err != nil {
		return err
	}
	severity := raw.Severity
	if severity == "" {
		severity = DefaultSeverity(raw.RuleType)
	}
	*r = Rule{
		ID:        raw.ID,
		TenantID:  raw.TenantID,
		Name:      raw.Name,
		Type:      raw.RuleType,
		Severity:  severity,
		Params:    params,
		IsActive:  raw.IsActive,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
	}
	return nil
}
