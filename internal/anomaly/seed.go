package anomaly

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML layout of a rule seed file
type SeedFile struct {
	Tenants []SeedTenant `yaml:"tenants"`
}

// SeedTenant lists the rules of one tenant
type SeedTenant struct {
	TenantID string     `yaml:"tenant_id"`
	Rules    []SeedRule `yaml:"rules"`
}

// SeedRule is one rule entry. IsActive defaults to true.
type SeedRule struct {
	Name       string         `yaml:"name"`
	RuleType   RuleType       `yaml:"rule_type"`
	Severity   Severity       `yaml:"severity"`
	IsActive   *bool          `yaml:"is_active"`
	Parameters map[string]any `yaml:"parameters"`
}

// LoadSeed parses a seed file into validated rules grouped by tenant
func LoadSeed(r io.Reader) (map[string][]Rule, error) {
	var file SeedFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if err == io.EOF {
			return map[string][]Rule{}, nil
		}
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}

	out := make(map[string][]Rule, len(file.Tenants))
	for _, tenant := range file.Tenants {
		if tenant.TenantID == "" {
			return nil, fmt.Errorf("seed tenant without tenant_id")
		}
		for i, sr := range tenant.Rules {
			rule, err := sr.toRule(tenant.TenantID)
			if err != nil {
				return nil, fmt.Errorf("tenant %s rule %d (%s): %w", tenant.TenantID, i, sr.Name, err)
			}
			out[tenant.TenantID] = append(out[tenant.TenantID], rule)
		}
	}
	return out, nil
}

func (sr SeedRule) toRule(tenantID string) (Rule, error) {
	var raw []byte
	if len(sr.Parameters) > 0 {
		b, err := json.Marshal(sr.Parameters)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		raw = b
	}

	params, err := ParseParams(sr.RuleType, raw)
	if err != nil {
		return Rule{}, err
	}

	severity := sr.Severity
	if severity == "" {
		severity = DefaultSeverity(sr.RuleType)
	}
	active := true
	if sr.IsActive != nil {
		active = *sr.IsActive
	}

	rule := Rule{
		TenantID: tenantID,
		Name:     sr.Name,
		Type:     sr.RuleType,
		Severity: severity,
		Params:   params,
		IsActive: active,
	}
	return rule, rule.Validate()
}
