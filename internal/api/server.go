// Package api serves the reading sync endpoint, tenant rule administration,
// health and metrics over echo.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/septivank/meter-reconciliation/internal/anomaly"
	"github.com/septivank/meter-reconciliation/internal/db"
	"github.com/septivank/meter-reconciliation/internal/reading"
	"github.com/septivank/meter-reconciliation/internal/service"
	"github.com/septivank/meter-reconciliation/internal/validator"
	"github.com/septivank/meter-reconciliation/internal/wire"
	"go.uber.org/zap"
)

// ReadingProcessor processes uploaded readings
type ReadingProcessor interface {
	ProcessBatch(ctx context.Context, tenantID string, readings []reading.NewReading, opts service.Options) []service.BatchResult
}

// ReadingLookup finds stored readings and recorded sync batches
type ReadingLookup interface {
	FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*db.Reading, error)
	GetSyncBatch(ctx context.Context, tenantID, idempotencyKey string) (*db.SyncBatch, error)
	SaveSyncBatch(ctx context.Context, batch *db.SyncBatch) (bool, error)
}

// RuleRepository stores tenant anomaly rules
type RuleRepository interface {
	ListRules(ctx context.Context, tenantID string) ([]anomaly.Rule, error)
	GetRule(ctx context.Context, tenantID, ruleID string) (anomaly.Rule, error)
	CreateRule(ctx context.Context, rule *anomaly.Rule) error
	UpdateRule(ctx context.Context, rule *anomaly.Rule) error
	DeleteRule(ctx context.Context, tenantID, ruleID string) error
}

// RuleCache is invalidated after every rule mutation
type RuleCache interface {
	Invalidate(tenantID string)
}

// TokenVerifier checks bearer tokens. Issuing and refreshing tokens happens
// elsewhere.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) error
}

// ErrInvalidToken is returned by verifiers for unknown tokens
var ErrInvalidToken = errors.New("invalid token")

// StaticTokenVerifier accepts a fixed set of tokens
type StaticTokenVerifier struct {
	tokens []string
}

// NewStaticTokenVerifier creates a verifier for tokens
func NewStaticTokenVerifier(tokens ...string) *StaticTokenVerifier {
	return &StaticTokenVerifier{tokens: tokens}
}

// Verify implements TokenVerifier
func (v *StaticTokenVerifier) Verify(ctx context.Context, token string) error {
	for _, t := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return nil
		}
	}
	return ErrInvalidToken
}

// Pinger reports backend health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the server. Verifier and Health may be nil.
type Deps struct {
	Processor ReadingProcessor
	Readings  ReadingLookup
	Rules     RuleRepository
	Cache     RuleCache
	Validator *validator.Validator
	Verifier  TokenVerifier
	Health    Pinger
	Logger    *zap.Logger
}

// Server is the worker HTTP API
type Server struct {
	Echo *echo.Echo
	deps Deps
}

// NewServer builds the echo instance with routes and middleware
func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{Echo: e, deps: deps}
	s.configureMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) configureMiddleware() {
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(middleware.RequestID())
	s.Echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/health"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.deps.Logger.Info("http request", fields...)
			return nil
		},
	}))
}

func (s *Server) registerRoutes() {
	s.Echo.GET("/health", s.health)
	s.Echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.Echo.POST(wire.SyncPath, s.syncReadings, s.authenticate)

	rules := s.Echo.Group("/tenants/:tenant/rules", s.authenticate)
	rules.GET("", s.listRules)
	rules.POST("", s.createRule)
	rules.GET("/:id", s.getRule)
	rules.PUT("/:id", s.updateRule)
	rules.DELETE("/:id", s.deleteRule)
}

// authenticate checks the bearer token when a verifier is configured
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.deps.Verifier == nil {
			return next(c)
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		if err := s.deps.Verifier.Verify(c.Request().Context(), token); err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
		}
		return next(c)
	}
}

func (s *Server) health(c echo.Context) error {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	err := s.Echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}
