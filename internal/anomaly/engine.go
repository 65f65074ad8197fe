package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RuleStore loads the active rules of a tenant
type RuleStore interface {
	ActiveRules(ctx context.Context, tenantID string) ([]Rule, error)
}

// HistorySource loads confirmed readings of a meter strictly before a date,
// most recent first
type HistorySource interface {
	ConsumptionHistory(ctx context.Context, tenantID, customerID, meterID string, before time.Time, limit int) ([]HistoryPoint, error)
}

// TriggeredRule describes one rule that fired for a reading
type TriggeredRule struct {
	RuleID   string         `json:"rule_id"`
	RuleName string         `json:"rule_name"`
	RuleType RuleType       `json:"rule_type"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	Flag     string         `json:"flag"`
}

// CheckResult is the aggregate outcome of all active rules for one reading
type CheckResult struct {
	Passed         bool            `json:"passed"`
	TriggeredRules []TriggeredRule `json:"triggered_rules"`
	AnomalyScore   int             `json:"anomaly_score"`
	Notes          []string        `json:"notes,omitempty"`
}

// Flag returns the summary flag implied by the triggered rules:
// negative over high over low, empty when nothing fired.
func (r CheckResult) Flag() string {
	var high, low bool
	for _, t := range r.TriggeredRules {
		switch t.Flag {
		case FlagNegative:
			return FlagNegative
		case FlagHigh:
			high = true
		case FlagLow:
			low = true
		}
	}
	switch {
	case high:
		return FlagHigh
	case low:
		return FlagLow
	default:
		return ""
	}
}

// EngineConfig holds rules engine settings
type EngineConfig struct {
	CacheTTL     time.Duration
	HistoryLimit int
}

// DefaultEngineConfig returns a 5 minute rule cache and 36 periods of history
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{CacheTTL: 5 * time.Minute, HistoryLimit: 36}
}

// Engine evaluates tenant rules against readings
type Engine struct {
	store   RuleStore
	history HistorySource
	config  EngineConfig
	logger  *zap.Logger

	cache *cache.Cache
	group singleflight.Group

	mu           sync.Mutex
	globalEpoch  uint64
	tenantEpochs map[string]uint64
}

// NewEngine creates a rules engine
func NewEngine(store RuleStore, history HistorySource, config EngineConfig, logger *zap.Logger) *Engine {
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultEngineConfig().CacheTTL
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultEngineConfig().HistoryLimit
	}
	return &Engine{
		store:        store,
		history:      history,
		config:       config,
		logger:       logger,
		cache:        cache.New(config.CacheTTL, 2*config.CacheTTL),
		tenantEpochs: make(map[string]uint64),
	}
}

// Invalidate drops the cached rules of a tenant. Must be called after any
// rule mutation for that tenant.
func (e *Engine) Invalidate(tenantID string) {
	e.mu.Lock()
	e.tenantEpochs[tenantID]++
	e.mu.Unlock()
}

// InvalidateAll drops every cached rule set
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	e.globalEpoch++
	e.mu.Unlock()
	e.cache.Flush()
}

func (e *Engine) cacheKey(tenantID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("%s:%d:%d", tenantID, e.globalEpoch, e.tenantEpochs[tenantID])
}

// Rules returns the active rules of a tenant, cache first
func (e *Engine) Rules(ctx context.Context, tenantID string) ([]Rule, error) {
	key := e.cacheKey(tenantID)
	if cached, ok := e.cache.Get(key); ok {
		metrics.RecordRuleCacheLookup(true)
		return cached.([]Rule), nil
	}
	metrics.RecordRuleCacheLookup(false)

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		// a flight that finished after our miss may have filled the entry
		if cached, ok := e.cache.Get(key); ok {
			return cached, nil
		}
		rules, err := e.store.ActiveRules(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		e.cache.Set(key, rules, cache.DefaultExpiration)
		return rules, nil
	})
	if err != nil {
		return nil, apperr.Transient("load anomaly rules", err)
	}
	return v.([]Rule), nil
}

// CheckReading evaluates every active rule of the tenant against the reading.
// Rules that lack data are not triggered and leave a note instead.
func (e *Engine) CheckReading(ctx context.Context, in Input) (CheckResult, error) {
	rules, err := e.Rules(ctx, in.TenantID)
	if err != nil {
		return CheckResult{}, err
	}

	result := CheckResult{Passed: true, TriggeredRules: []TriggeredRule{}}

	var history []HistoryPoint
	var historyErr error
	if in.Consumption != nil && anyNeedsHistory(rules) {
		history, historyErr = e.history.ConsumptionHistory(ctx, in.TenantID, in.CustomerID, in.MeterID, in.ReadingDate, e.config.HistoryLimit)
		if historyErr != nil {
			e.logger.Warn("failed to load consumption history",
				zap.String("tenant_id", in.TenantID),
				zap.String("meter_id", in.MeterID),
				zap.Error(historyErr))
			result.Notes = append(result.Notes, "consumption history unavailable")
		}
	}

	ec := newEvalContext(in, history, historyErr)
	score := 0
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		ev := evaluate(rule, ec)
		if ev.insufficient != "" {
			result.Notes = append(result.Notes, fmt.Sprintf("%s: %s", rule.Name, ev.insufficient))
			continue
		}
		if !ev.triggered {
			continue
		}

		result.TriggeredRules = append(result.TriggeredRules, TriggeredRule{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			RuleType: rule.Type,
			Severity: rule.Severity,
			Message:  ev.message,
			Details:  ev.details,
			Flag:     ev.flag,
		})
		score += rule.Severity.Weight()
		metrics.AnomalyRulesTriggeredTotal.WithLabelValues(string(rule.Type), string(rule.Severity)).Inc()
	}

	if score > MaxScore {
		score = MaxScore
	}
	result.AnomalyScore = score
	result.Passed = len(result.TriggeredRules) == 0

	return result, nil
}

func anyNeedsHistory(rules []Rule) bool {
	for _, r := range rules {
		if r.IsActive && needsHistory(r.Type) {
			return true
		}
	}
	return false
}
