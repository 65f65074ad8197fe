package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/septivank/meter-reconciliation/internal/anomaly"
	"github.com/septivank/meter-reconciliation/internal/db"
	"github.com/septivank/meter-reconciliation/internal/metrics"
	"go.uber.org/zap"
)

const ruleColumns = `id, tenant_id, name, rule_type, severity, parameters, is_active, created_at, updated_at`

func scanRuleRow(row pgx.Row) (*db.AnomalyRule, error) {
	var rr db.AnomalyRule
	err := row.Scan(
		&rr.ID,
		&rr.TenantID,
		&rr.Name,
		&rr.RuleType,
		&rr.Severity,
		&rr.Parameters,
		&rr.IsActive,
		&rr.CreatedAt,
		&rr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rr, nil
}

// ruleFromRow decodes the stored parameters into the rule type's struct
func ruleFromRow(rr *db.AnomalyRule) (anomaly.Rule, error) {
	ruleType := anomaly.RuleType(rr.RuleType)
	params, err := anomaly.ParseParams(ruleType, rr.Parameters)
	if err != nil {
		return anomaly.Rule{}, err
	}
	return anomaly.Rule{
		ID:        rr.ID.String(),
		TenantID:  rr.TenantID,
		Name:      rr.Name,
		Type:      ruleType,
		Severity:  anomaly.Severity(rr.Severity),
		Params:    params,
		IsActive:  rr.IsActive,
		CreatedAt: rr.CreatedAt,
		UpdatedAt: rr.UpdatedAt,
	}, nil
}

// ListRules returns every rule of a tenant ordered by creation
func (r *Repository) ListRules(ctx context.Context, tenantID string) ([]anomaly.Rule, error) {
	return r.queryRules(ctx, "select_rules", `
		SELECT `+ruleColumns+`
		FROM anomaly_rules
		WHERE tenant_id = $1
		ORDER BY created_at, id
	`, tenantID)
}

// ActiveRules returns the active rules of a tenant. Rows whose parameters no
// longer decode are skipped and logged.
func (r *Repository) ActiveRules(ctx context.Context, tenantID string) ([]anomaly.Rule, error) {
	return r.queryRules(ctx, "select_active_rules", `
		SELECT `+ruleColumns+`
		FROM anomaly_rules
		WHERE tenant_id = $1 AND is_active
		ORDER BY created_at, id
	`, tenantID)
}

func (r *Repository) queryRules(ctx context.Context, queryType, query string, tenantID string) (rules []anomaly.Rule, err error) {
	defer func(start time.Time) { metrics.RecordDBQuery(queryType, "anomaly_rules", start, err) }(time.Now())

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, dbError("query rules", err)
	}
	defer rows.Close()

	for rows.Next() {
		rr, err := scanRuleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rule, err := ruleFromRow(rr)
		if err != nil {
			r.logger.Warn("skipping undecodable rule",
				zap.String("tenant_id", tenantID),
				zap.String("rule_id", rr.ID.String()),
				zap.Error(err),
			)
			continue
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate rules", err)
	}
	return rules, nil
}

// GetRule returns one rule of a tenant, or ErrNotFound
func (r *Repository) GetRule(ctx context.Context, tenantID, ruleID string) (rule anomaly.Rule, err error) {
	defer func(start time.Time) { metrics.RecordDBQuery("select_rule", "anomaly_rules", start, err) }(time.Now())

	id, err := uuid.Parse(ruleID)
	if err != nil {
		return anomaly.Rule{}, ErrNotFound
	}

	rr, err := scanRuleRow(r.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM anomaly_rules
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return anomaly.Rule{}, ErrNotFound
	}
	if err != nil {
		return anomaly.Rule{}, dbError("query rule", err)
	}
	return ruleFromRow(rr)
}

// CreateRule validates and stores a rule, filling in its ID and timestamps
func (r *Repository) CreateRule(ctx context.Context, rule *anomaly.Rule) (err error) {
	defer func(start time.Time) { metrics.RecordDBQuery("insert", "anomaly_rules", start, err) }(time.Now())

	if err := rule.Validate(); err != nil {
		return err
	}
	params, err := anomaly.MarshalParams(rule.Params)
	if err != nil {
		return fmt.Errorf("failed to encode rule parameters: %w", err)
	}

	rr, err := scanRuleRow(r.pool.QueryRow(ctx, `
		INSERT INTO anomaly_rules (tenant_id, name, rule_type, severity, parameters, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+ruleColumns,
		rule.TenantID, rule.Name, string(rule.Type), string(rule.Severity), params, rule.IsActive,
	))
	if err != nil {
		return dbError("insert rule", err)
	}

	rule.ID = rr.ID.String()
	rule.CreatedAt = rr.CreatedAt
	rule.UpdatedAt = rr.UpdatedAt
	return nil
}

// UpdateRule replaces the name, type, severity, parameters and active flag of
// an existing rule
func (r *Repository) UpdateRule(ctx context.Context, rule *anomaly.Rule) (err error) {
	defer func(start time.Time) { metrics.RecordDBQuery("update", "anomaly_rules", start, err) }(time.Now())

	id, err := uuid.Parse(rule.ID)
	if err != nil {
		return ErrNotFound
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	params, err := anomaly.MarshalParams(rule.Params)
	if err != nil {
		return fmt.Errorf("failed to encode rule parameters: %w", err)
	}

	rr, err := scanRuleRow(r.pool.QueryRow(ctx, `
		UPDATE anomaly_rules
		SET name = $3, rule_type = $4, severity = $5, parameters = $6, is_active = $7, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+ruleColumns,
		rule.TenantID, id, rule.Name, string(rule.Type), string(rule.Severity), params, rule.IsActive,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return dbError("update rule", err)
	}

	rule.CreatedAt = rr.CreatedAt
	rule.UpdatedAt = rr.UpdatedAt
	return nil
}

// DeleteRule removes a rule, returning ErrNotFound when it does not exist
func (r *Repository) DeleteRule(ctx context.Context, tenantID, ruleID string) (err error) {
	defer func(start time.Time) { metrics.RecordDBQuery("delete", "anomaly_rules", start, err) }(time.Now())

	id, err := uuid.Parse(ruleID)
	if err != nil {
		return ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM anomaly_rules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return dbError("delete rule", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceTenantRules deletes every rule of a tenant and inserts rules in one
// transaction
func (r *Repository) ReplaceTenantRules(ctx context.Context, tenantID string, rules []anomaly.Rule) error {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM anomaly_rules WHERE tenant_id = $1`, tenantID); err != nil {
		return dbError("delete tenant rules", err)
	}
	for i := range rules {
		rule := rules[i]
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		params, err := anomaly.MarshalParams(rule.Params)
		if err != nil {
			return fmt.Errorf("failed to encode rule parameters: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO anomaly_rules (tenant_id, name, rule_type, severity, parameters, is_active)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, tenantID, rule.Name, string(rule.Type), string(rule.Severity), params, rule.IsActive); err != nil {
			return dbError("insert rule", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return dbError("commit tenant rules", err)
	}
	return nil
}
