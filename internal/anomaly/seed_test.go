package anomaly

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
tenants:
  - tenant_id: water-co
    rules:
      - name: Monthly cap
        rule_type: consumption_threshold
        severity: high
        parameters:
          max_consumption: 1000
      - name: Leak watch
        rule_type: leak_detection
        is_active: false
  - tenant_id: power-co
    rules:
      - name: Rollback
        rule_type: meter_rollback
        parameters:
          register_max: 99999
`

func TestLoadSeed(t *testing.T) {
	rules, err := LoadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.Len(t, rules["water-co"], 2)
	require.Len(t, rules["power-co"], 1)

	capRule := rules["water-co"][0]
	assert.Equal(t, "water-co", capRule.TenantID)
	assert.True(t, capRule.IsActive)
	assert.Equal(t, 1000.0, *capRule.Params.(ThresholdParams).MaxConsumption)

	leak := rules["water-co"][1]
	assert.False(t, leak.IsActive)
	assert.Equal(t, SeverityHigh, leak.Severity)
	assert.Equal(t, LeakDetectionParams{ConsecutiveDays: 7, MinDailyUsage: 100}, leak.Params)

	rollback := rules["power-co"][0]
	assert.Equal(t, SeverityCritical, rollback.Severity)
	assert.Equal(t, MeterRollbackParams{RegisterMax: 99999}, rollback.Params)
}

func TestLoadSeed_InvalidRule(t *testing.T) {
	_, err := LoadSeed(strings.NewReader(`
tenants:
  - tenant_id: water-co
    rules:
      - name: Broken
        rule_type: consumption_threshold
`))

	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestLoadSeed_Empty(t *testing.T) {
	rules, err := LoadSeed(strings.NewReader(""))

	require.NoError(t, err)
	assert.Empty(t, rules)
}
