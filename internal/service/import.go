package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/logging"
	"github.com/septivank/meter-reconciliation/internal/reading"
	"github.com/septivank/meter-reconciliation/internal/validator"
	"go.uber.org/zap"
)

// ImportMessage is a bulk reading import received from RabbitMQ
type ImportMessage struct {
	RequestID  string          `json:"request_id"`
	TenantID   string          `json:"tenant_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Options    ImportOptions   `json:"options"`
	Readings   []ImportReading `json:"readings"`
}

// ImportOptions are the processing switches an import may set
type ImportOptions struct {
	SkipAnomalyCheck         bool `json:"skip_anomaly_check"`
	AllowNegativeConsumption bool `json:"allow_negative_consumption"`
}

// ImportReading is one row of an import; value and date are still text
type ImportReading struct {
	CustomerID     string         `json:"customer_id"`
	MeterID        string         `json:"meter_id"`
	ReadingValue   string         `json:"reading_value"`
	ReadingDate    string         `json:"reading_date"`
	Notes          string         `json:"notes"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

// ImportSummary counts the outcome of one import message
type ImportSummary struct {
	Accepted   int
	Duplicates int
	Rejected   int
	Failed     int
}

// ProcessMessage handles an import message from the ingest queue. Rows that
// fail validation are logged and skipped. A storage failure of any row fails
// the message so it can be redelivered; rows without an idempotency key get
// one derived from the request id so redelivery does not store them twice.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	_, err := s.ProcessImport(ctx, body)
	return err
}

// ProcessImport is ProcessMessage returning the per-row counts
func (s *ProcessorService) ProcessImport(ctx context.Context, body []byte) (ImportSummary, error) {
	var summary ImportSummary

	var msg ImportMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return summary, apperr.New(apperr.CategoryValidation, "decode import message", err)
	}
	if msg.TenantID == "" {
		return summary, apperr.New(apperr.CategoryValidation, "decode import message", fmt.Errorf("tenant_id is required"))
	}

	logger := logging.WithTenant(logging.WithRequestID(s.logger, msg.RequestID), msg.TenantID)
	logger.Info("processing import message", zap.Int("rows", len(msg.Readings)))

	readings := make([]reading.NewReading, 0, len(msg.Readings))
	for i, row := range msg.Readings {
		r, err := s.validator.ParseReading(validator.RawReading{
			CustomerID: row.CustomerID,
			MeterID:    row.MeterID,
			Value:      row.ReadingValue,
			Date:       row.ReadingDate,
			Notes:      row.Notes,
		})
		if err != nil {
			summary.Rejected++
			logger.Warn("import row rejected", zap.Int("row", i), zap.Error(err))
			continue
		}
		r.IdempotencyKey = row.IdempotencyKey
		if r.IdempotencyKey == "" && msg.RequestID != "" {
			r.IdempotencyKey = fmt.Sprintf("import:%s:%d", msg.RequestID, i)
		}
		r.Metadata = row.Metadata
		readings = append(readings, r)
	}

	results := s.ProcessBatch(ctx, msg.TenantID, readings, Options{
		SkipAnomalyCheck:         msg.Options.SkipAnomalyCheck,
		AllowNegativeConsumption: msg.Options.AllowNegativeConsumption,
		Source:                   reading.SourceImport,
	})

	var firstErr error
	for _, res := range results {
		switch {
		case res.Err != nil && apperr.CategoryOf(res.Err) == apperr.CategoryValidation:
			summary.Rejected++
		case res.Err != nil:
			summary.Failed++
			if firstErr == nil {
				firstErr = res.Err
			}
		case res.Processed.Duplicate:
			summary.Duplicates++
		default:
			summary.Accepted++
		}
	}

	logger.Info("import message processed",
		zap.Int("accepted", summary.Accepted),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("rejected", summary.Rejected),
		zap.Int("failed", summary.Failed),
	)

	if firstErr != nil {
		return summary, fmt.Errorf("import %s: %d rows failed: %w", msg.RequestID, summary.Failed, firstErr)
	}
	return summary, nil
}
