package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/septivank/meter-reconciliation/internal/anomaly"
	"github.com/septivank/meter-reconciliation/internal/consumption"
	"github.com/septivank/meter-reconciliation/internal/db"
	"github.com/septivank/meter-reconciliation/internal/logging"
	"github.com/septivank/meter-reconciliation/internal/metrics"
	"github.com/septivank/meter-reconciliation/internal/mq"
	"github.com/septivank/meter-reconciliation/internal/reading"
	"github.com/septivank/meter-reconciliation/internal/validator"
	"github.com/septivank/meter-reconciliation/tools/timeparser"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReadingStore is the persistence the processor needs. WithMeterLock runs fn
// in a transaction that holds a lock on the customer meter shared by every
// worker process, committing when fn returns nil.
type ReadingStore interface {
	ConsumptionHistory(ctx context.Context, tenantID, customerID, meterID string, before time.Time, limit int) ([]anomaly.HistoryPoint, error)
	WithMeterLock(ctx context.Context, tenantID, customerID, meterID string, fn func(ctx context.Context, tx db.ChainStore) error) error
}

// AnomalyChecker evaluates tenant rules against a reading
type AnomalyChecker interface {
	CheckReading(ctx context.Context, in anomaly.Input) (anomaly.CheckResult, error)
}

// EventPublisher announces stored readings to downstream consumers
type EventPublisher interface {
	PublishReadingAccepted(ctx context.Context, event mq.ReadingAcceptedEvent) error
}

// Options controls a processing call
type Options struct {
	SkipAnomalyCheck         bool
	SkipConsumptionCalc      bool
	AllowNegativeConsumption bool
	Source                   string
}

// Config holds processor settings
type Config struct {
	NormalcyWindow int // trailing periods fed to the normalcy check
	Concurrency    int // meter chains processed in parallel by ProcessBatch
}

// DefaultConfig returns 12 normalcy periods and 4 parallel chains
func DefaultConfig() Config {
	return Config{NormalcyWindow: 12, Concurrency: 4}
}

// ProcessedReading is the outcome of processing one reading
type ProcessedReading struct {
	Reading     *db.Reading
	Consumption consumption.Result
	Check       *anomaly.CheckResult
	Reasons     []string
	Warnings    []string
	Duplicate   bool // the idempotency key was already stored; Reading is the stored row
}

// BatchResult is the outcome of one batch entry, in input order
type BatchResult struct {
	Index     int
	Processed *ProcessedReading
	Err       error
}

// ProcessorService turns captured readings into persisted readings with
// consumption and an anomaly flag
type ProcessorService struct {
	store      ReadingStore
	checker    AnomalyChecker
	detector   *anomaly.Detector
	calculator *consumption.Calculator
	validator  *validator.Validator
	publisher  EventPublisher
	cfg        Config
	logger     *zap.Logger
	chains     *keyedMutex
}

// NewProcessorService creates a new processor service. publisher may be nil.
func NewProcessorService(
	store ReadingStore,
	checker AnomalyChecker,
	detector *anomaly.Detector,
	calculator *consumption.Calculator,
	validator *validator.Validator,
	publisher EventPublisher,
	cfg Config,
	logger *zap.Logger,
) *ProcessorService {
	if cfg.NormalcyWindow <= 0 {
		cfg.NormalcyWindow = DefaultConfig().NormalcyWindow
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &ProcessorService{
		store:      store,
		checker:    checker,
		detector:   detector,
		calculator: calculator,
		validator:  validator,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
		chains:     newKeyedMutex(),
	}
}

func chainKey(tenantID string, r reading.NewReading) string {
	return tenantID + "/" + r.MeterKey()
}

func normaliseOptions(opts Options) (Options, error) {
	if opts.Source == "" {
		opts.Source = reading.SourceAPI
	}
	if !reading.ValidSource(opts.Source) {
		return opts, fmt.Errorf("unknown reading source %q", opts.Source)
	}
	return opts, nil
}

// Process validates, derives consumption for, scores and stores one reading
func (s *ProcessorService) Process(ctx context.Context, tenantID string, r reading.NewReading, opts Options) (*ProcessedReading, error) {
	opts, err := normaliseOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := s.validate(r, opts); err != nil {
		return nil, err
	}

	unlock := s.chains.Lock(chainKey(tenantID, r))
	defer unlock()

	return s.processLocked(ctx, tenantID, r, opts, logging.WithTenant(s.logger, tenantID))
}

// ProcessBatch processes readings grouped per customer meter. Each group is
// ordered by reading date and stored one reading at a time, so a reading's
// previous is the group's preceding reading even when the batch arrived out
// of order. Results are in input order and one failure never stops the
// others.
func (s *ProcessorService) ProcessBatch(ctx context.Context, tenantID string, readings []reading.NewReading, opts Options) []BatchResult {
	results := make([]BatchResult, len(readings))
	for i := range results {
		results[i].Index = i
	}

	opts, err := normaliseOptions(opts)
	if err != nil {
		for i := range results {
			results[i].Err = err
		}
		return results
	}

	var order []string
	groups := make(map[string][]int)
	for i, r := range readings {
		key := chainKey(tenantID, r)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	logger := logging.WithTenant(s.logger, tenantID)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, key := range order {
		key, idx := key, groups[key]
		g.Go(func() error {
			s.processChain(gctx, tenantID, key, readings, idx, opts, results, logger)
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("batch processed",
		zap.Int("readings", len(readings)),
		zap.Int("chains", len(order)),
		zap.String("source", opts.Source),
	)
	return results
}

func (s *ProcessorService) processChain(
	ctx context.Context,
	tenantID, key string,
	readings []reading.NewReading,
	idx []int,
	opts Options,
	results []BatchResult,
	logger *zap.Logger,
) {
	sorted := append([]int(nil), idx...)
	sort.SliceStable(sorted, func(a, b int) bool {
		return readings[sorted[a]].Date.Before(readings[sorted[b]].Date)
	})

	var valid []int
	for _, i := range sorted {
		if err := s.validate(readings[i], opts); err != nil {
			results[i].Err = err
			continue
		}
		valid = append(valid, i)
	}
	if len(valid) == 0 {
		return
	}

	unlock := s.chains.Lock(key)
	defer unlock()

	for _, i := range valid {
		out, err := s.processLocked(ctx, tenantID, readings[i], opts, logger)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Processed = out
	}
}

// processLocked resolves the previous reading and stores r in one
// meter-locked transaction, then announces the committed reading. Each
// reading commits before the next one of its chain is scored, so history
// queries see the chain's earlier readings.
func (s *ProcessorService) processLocked(ctx context.Context, tenantID string, r reading.NewReading, opts Options, logger *zap.Logger) (*ProcessedReading, error) {
	var out *ProcessedReading
	err := s.store.WithMeterLock(ctx, tenantID, r.CustomerID, r.MeterID, func(ctx context.Context, tx db.ChainStore) error {
		var previous *db.Reading
		if !opts.SkipConsumptionCalc {
			p, err := tx.PreviousReading(ctx, tenantID, r.CustomerID, r.MeterID, r.Date)
			if err != nil {
				return fmt.Errorf("failed to load previous reading: %w", err)
			}
			previous = p
		}

		o, err := s.processOne(ctx, tx, tenantID, r, previous, opts, logger)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Duplicate {
		logger.Info("reading already stored",
			zap.String("reading_id", out.Reading.ID.String()),
			zap.String("meter_id", r.MeterID),
		)
		return out, nil
	}

	metrics.RecordProcessedReading(opts.Source, out.Reading.AnomalyFlag)
	s.publish(ctx, out.Reading, out, logger)

	logger.Debug("reading processed",
		zap.String("reading_id", out.Reading.ID.String()),
		zap.String("customer_id", r.CustomerID),
		zap.String("meter_id", r.MeterID),
	)
	return out, nil
}

func (s *ProcessorService) validate(r reading.NewReading, opts Options) error {
	if err := s.validator.ValidateReading(r); err != nil {
		reason := "invalid"
		if ve, ok := validator.AsValidationError(err); ok {
			reason = ve.Field
		}
		metrics.ReadingsRejectedTotal.WithLabelValues(opts.Source, reason).Inc()
		return err
	}
	return nil
}

// processOne runs the calculator, the rules engine and the normalcy check for
// a validated reading and stores it through tx. The summary flag resolves as negative
// (unless allowed), then the rules engine flag, then the normalcy flag.
func (s *ProcessorService) processOne(
	ctx context.Context,
	tx db.ChainStore,
	tenantID string,
	r reading.NewReading,
	previous *db.Reading,
	opts Options,
	logger *zap.Logger,
) (*ProcessedReading, error) {
	out := &ProcessedReading{Reasons: []string{}, Warnings: []string{}}

	var prev *consumption.Previous
	if previous != nil {
		prev = &consumption.Previous{Value: previous.ReadingValue, Date: previous.ReadingDate}
	}
	if !opts.SkipConsumptionCalc {
		out.Consumption = s.calculator.Calculate(r.Value, r.Date, prev)
	} else {
		out.Consumption = consumption.Result{AnomalyFlags: []string{}}
	}
	delta := out.Consumption.Consumption

	var flag string
	if delta != nil && delta.IsNegative() {
		if opts.AllowNegativeConsumption {
			out.Warnings = append(out.Warnings, fmt.Sprintf("negative consumption %s allowed", delta.StringFixed(consumption.Precision)))
		} else {
			flag = anomaly.FlagNegative
			out.Reasons = append(out.Reasons, fmt.Sprintf("negative consumption %s", delta.StringFixed(consumption.Precision)))
		}
	}

	if !opts.SkipAnomalyCheck {
		in := anomaly.Input{
			TenantID:     tenantID,
			CustomerID:   r.CustomerID,
			MeterID:      r.MeterID,
			ReadingValue: r.Value,
			ReadingDate:  r.Date,
			Consumption:  delta,
		}
		if previous != nil {
			in.PreviousValue = &previous.ReadingValue
			in.PreviousDate = &previous.ReadingDate
			in.PreviousConsumption = previous.Consumption
		}

		check, err := s.checker.CheckReading(ctx, in)
		if err != nil {
			logger.Warn("anomaly rules unavailable", zap.String("meter_id", r.MeterID), zap.Error(err))
			out.Warnings = append(out.Warnings, "anomaly rules unavailable")
		} else {
			out.Check = &check
			for _, t := range check.TriggeredRules {
				out.Reasons = append(out.Reasons, t.Message)
			}
			out.Warnings = append(out.Warnings, check.Notes...)
			if flag == "" {
				flag = check.Flag()
			}
		}

		if delta != nil {
			normalFlag, reason, warning := s.checkNormalcy(ctx, tenantID, r, delta.InexactFloat64())
			if warning != "" {
				out.Warnings = append(out.Warnings, warning)
			}
			if reason != "" {
				out.Reasons = append(out.Reasons, reason)
			}
			if flag == "" {
				flag = normalFlag
			}
		}
	}

	rd, err := s.buildRecord(tenantID, r, previous, out, flag, opts)
	if err != nil {
		return nil, err
	}

	stored, inserted, err := tx.InsertReading(ctx, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to store reading: %w", err)
	}
	out.Reading = stored
	out.Duplicate = !inserted
	return out, nil
}

func (s *ProcessorService) checkNormalcy(ctx context.Context, tenantID string, r reading.NewReading, value float64) (flag, reason, warning string) {
	points, err := s.store.ConsumptionHistory(ctx, tenantID, r.CustomerID, r.MeterID, r.Date, s.cfg.NormalcyWindow)
	if err != nil {
		s.logger.Warn("failed to load history for normalcy check", zap.String("meter_id", r.MeterID), zap.Error(err))
		return "", "", "consumption history unavailable for normalcy check"
	}
	history := make([]float64, len(points))
	for i, p := range points {
		history[i] = p.Consumption
	}
	flag, reason = s.detector.CheckNormalcy(value, history)
	return flag, reason, ""
}

func (s *ProcessorService) buildRecord(
	tenantID string,
	r reading.NewReading,
	previous *db.Reading,
	out *ProcessedReading,
	flag string,
	opts Options,
) (*db.Reading, error) {
	metadata := make(map[string]any, len(r.Metadata)+5)
	for k, v := range r.Metadata {
		metadata[k] = v
	}
	metadata["anomaly_reasons"] = out.Reasons
	metadata["warnings"] = out.Warnings
	metadata["consumption_flags"] = out.Consumption.AnomalyFlags
	if out.Check != nil {
		metadata["anomaly_score"] = out.Check.AnomalyScore
		metadata["triggered_rules"] = out.Check.TriggeredRules
	}
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reading metadata: %w", err)
	}

	rd := &db.Reading{
		TenantID:     tenantID,
		CustomerID:   r.CustomerID,
		MeterID:      r.MeterID,
		ReadingValue: r.Value,
		ReadingDate:  r.Date,
		Consumption:  out.Consumption.Consumption,
		Source:       opts.Source,
		Metadata:     rawMetadata,
	}
	if previous != nil && !opts.SkipConsumptionCalc {
		id := previous.ID
		rd.PreviousReadingID = &id
		days := out.Consumption.DaysBetween
		rd.DaysBetween = &days
	}
	if flag != "" {
		rd.AnomalyFlag = &flag
	}
	if r.IdempotencyKey != "" {
		key := r.IdempotencyKey
		rd.IdempotencyKey = &key
	}
	if r.Notes != "" {
		notes := r.Notes
		rd.Notes = &notes
	}
	return rd, nil
}

func (s *ProcessorService) publish(ctx context.Context, rd *db.Reading, out *ProcessedReading, logger *zap.Logger) {
	if s.publisher == nil {
		return
	}
	event := mq.ReadingAcceptedEvent{
		ReadingID:    rd.ID.String(),
		TenantID:     rd.TenantID,
		CustomerID:   rd.CustomerID,
		MeterID:      rd.MeterID,
		ReadingValue: rd.ReadingValue.String(),
		ReadingDate:  timeparser.FormatReadingDate(rd.ReadingDate),
		DaysBetween:  rd.DaysBetween,
		AnomalyFlag:  rd.AnomalyFlag,
		Source:       rd.Source,
		Reasons:      out.Reasons,
	}
	if rd.Consumption != nil {
		c := rd.Consumption.StringFixed(consumption.Precision)
		event.Consumption = &c
	}
	if out.Check != nil {
		event.AnomalyScore = out.Check.AnomalyScore
	}
	if err := s.publisher.PublishReadingAccepted(ctx, event); err != nil {
		// The reading is stored; a lost event is logged, not returned.
		logger.Error("failed to publish reading event",
			zap.Error(err),
			zap.String("reading_id", event.ReadingID),
		)
	}
}
