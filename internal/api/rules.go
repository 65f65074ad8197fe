package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/septivank/meter-reconciliation/internal/anomaly"
	"github.com/septivank/meter-reconciliation/internal/repository"
	"go.uber.org/zap"
)

func (s *Server) listRules(c echo.Context) error {
	rules, err := s.deps.Rules.ListRules(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return s.ruleError(err)
	}
	if rules == nil {
		rules = []anomaly.Rule{}
	}
	return c.JSON(http.StatusOK, rules)
}

func (s *Server) getRule(c echo.Context) error {
	rule, err := s.deps.Rules.GetRule(c.Request().Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		return s.ruleError(err)
	}
	return c.JSON(http.StatusOK, rule)
}

func (s *Server) createRule(c echo.Context) error {
	tenantID := c.Param("tenant")
	rule, err := decodeRule(c)
	if err != nil {
		return err
	}
	rule.TenantID = tenantID

	if err := s.deps.Rules.CreateRule(c.Request().Context(), &rule); err != nil {
		return s.ruleError(err)
	}
	s.deps.Cache.Invalidate(tenantID)

	s.deps.Logger.Info("anomaly rule created",
		zap.String("tenant_id", tenantID),
		zap.String("rule_id", rule.ID),
		zap.String("rule_type", string(rule.Type)),
	)
	return c.JSON(http.StatusCreated, rule)
}

func (s *Server) updateRule(c echo.Context) error {
	tenantID := c.Param("tenant")
	rule, err := decodeRule(c)
	if err != nil {
		return err
	}
	rule.TenantID = tenantID
	rule.ID = c.Param("id")

	if err := s.deps.Rules.UpdateRule(c.Request().Context(), &rule); err != nil {
		return s.ruleError(err)
	}
	s.deps.Cache.Invalidate(tenantID)
	return c.JSON(http.StatusOK, rule)
}

func (s *Server) deleteRule(c echo.Context) error {
	tenantID := c.Param("tenant")
	if err := s.deps.Rules.DeleteRule(c.Request().Context(), tenantID, c.Param("id")); err != nil {
		return s.ruleError(err)
	}
	s.deps.Cache.Invalidate(tenantID)
	return c.NoContent(http.StatusNoContent)
}

// decodeRule reads a rule body. Omitted is_active defaults to true.
func decodeRule(c echo.Context) (anomaly.Rule, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		return anomaly.Rule{}, echo.NewHTTPError(http.StatusBadRequest, "invalid rule body")
	}

	var rule anomaly.Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return anomaly.Rule{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var flags struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.Unmarshal(raw, &flags); err == nil && flags.IsActive == nil {
		rule.IsActive = true
	}
	return rule, nil
}

func (s *Server) ruleError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "rule not found")
	case errors.Is(err, anomaly.ErrInvalidParams), errors.Is(err, anomaly.ErrUnknownRuleType):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.deps.Logger.Error("rule storage failed", zap.Error(err))
		return storageHTTPError(err)
	}
}
