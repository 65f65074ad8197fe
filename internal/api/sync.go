package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/db"
	"github.com/septivank/meter-reconciliation/internal/logging"
	"github.com/septivank/meter-reconciliation/internal/metrics"
	"github.com/septivank/meter-reconciliation/internal/reading"
	"github.com/septivank/meter-reconciliation/internal/repository"
	"github.com/septivank/meter-reconciliation/internal/service"
	"github.com/septivank/meter-reconciliation/internal/validator"
	"github.com/septivank/meter-reconciliation/internal/wire"
	"go.uber.org/zap"
)

// syncReadings accepts one offline batch. A batch key that was already
// answered in full is replayed as 409 with the recorded response. Items whose
// idempotency key is already stored succeed with the existing server id.
func (s *Server) syncReadings(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID := c.Request().Header.Get(wire.HeaderTenantID)
	if tenantID == "" {
		metrics.SyncBatchesReceivedTotal.WithLabelValues("invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "missing "+wire.HeaderTenantID+" header")
	}
	batchKey := c.Request().Header.Get(wire.HeaderIdempotencyKey)
	if batchKey == "" {
		metrics.SyncBatchesReceivedTotal.WithLabelValues("invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "missing "+wire.HeaderIdempotencyKey+" header")
	}

	var req wire.SyncRequest
	if err := c.Bind(&req); err != nil {
		metrics.SyncBatchesReceivedTotal.WithLabelValues("invalid").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sync request body")
	}

	logger := logging.WithBatchID(logging.WithTenant(s.deps.Logger, tenantID), batchKey)

	recorded, err := s.deps.Readings.GetSyncBatch(ctx, tenantID, batchKey)
	switch {
	case err == nil:
		metrics.SyncBatchesReceivedTotal.WithLabelValues("replayed").Inc()
		logger.Info("replayed sync batch", zap.String("client_batch_id", recorded.ClientBatchID))
		return c.JSONBlob(http.StatusConflict, recorded.Response)
	case !errors.Is(err, repository.ErrNotFound):
		logger.Error("failed to look up sync batch", zap.Error(err))
		return storageHTTPError(err)
	}

	resp := wire.SyncResponse{
		ClientBatchID: req.ClientBatchID,
		Results:       make([]wire.SyncItemResult, len(req.Items)),
	}

	var (
		pending    []reading.NewReading
		pendingIdx []int
	)
	for i, item := range req.Items {
		resp.Results[i].ClientID = item.ClientID

		r, err := s.parseItem(item)
		if err != nil {
			resp.Results[i].Error = err.Error()
			resp.Results[i].Status = http.StatusUnprocessableEntity
			continue
		}

		if item.IdempotencyKey != "" {
			existing, err := s.deps.Readings.FindByIdempotencyKey(ctx, tenantID, item.IdempotencyKey)
			if err == nil {
				resp.Results[i].Success = true
				resp.Results[i].ServerID = existing.ID.String()
				resp.Results[i].Status = http.StatusConflict
				continue
			}
			if !errors.Is(err, repository.ErrNotFound) {
				resp.Results[i].Error = "temporarily unavailable"
				resp.Results[i].Status = http.StatusServiceUnavailable
				logger.Warn("failed to check item idempotency key", zap.String("client_id", item.ClientID), zap.Error(err))
				continue
			}
		}

		pending = append(pending, r)
		pendingIdx = append(pendingIdx, i)
	}

	if len(pending) > 0 {
		results := s.deps.Processor.ProcessBatch(ctx, tenantID, pending, service.Options{Source: reading.SourceOffline})
		for j, res := range results {
			out := &resp.Results[pendingIdx[j]]
			if res.Err != nil {
				out.Error = res.Err.Error()
				out.Status = itemStatus(res.Err)
				continue
			}
			out.Success = true
			out.ServerID = res.Processed.Reading.ID.String()
			if res.Processed.Duplicate {
				out.Status = http.StatusConflict
			}
		}
	}

	resp.Success = true
	for _, r := range resp.Results {
		if !r.Success {
			resp.Success = false
			break
		}
	}

	// Only fully applied batches are recorded. A replay of a partial batch
	// must reach the items that failed.
	if resp.Success {
		body, err := json.Marshal(resp)
		if err == nil {
			_, err = s.deps.Readings.SaveSyncBatch(ctx, &db.SyncBatch{
				TenantID:       tenantID,
				IdempotencyKey: batchKey,
				ClientBatchID:  req.ClientBatchID,
				Response:       body,
			})
		}
		if err != nil {
			logger.Warn("failed to record sync batch", zap.Error(err))
		}
		metrics.SyncBatchesReceivedTotal.WithLabelValues("accepted").Inc()
	} else {
		metrics.SyncBatchesReceivedTotal.WithLabelValues("partial").Inc()
	}

	logger.Info("sync batch processed",
		zap.String("client_batch_id", req.ClientBatchID),
		zap.Int("items", len(req.Items)),
		zap.Bool("success", resp.Success),
	)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) parseItem(item wire.SyncItem) (reading.NewReading, error) {
	r, err := s.deps.Validator.ParseReading(validator.RawReading{
		CustomerID: item.CustomerID,
		MeterID:    item.MeterID,
		Value:      item.ReadingValue,
		Date:       item.ReadingDate,
		Notes:      item.Notes,
	})
	if err != nil {
		return reading.NewReading{}, err
	}

	metadata := make(map[string]any, len(item.Metadata)+3)
	for k, v := range item.Metadata {
		metadata[k] = v
	}
	metadata["client_id"] = item.ClientID
	if !item.UpdatedAt.IsZero() {
		metadata["client_updated_at"] = item.UpdatedAt
	}
	if len(item.PhotoData) > 0 {
		metadata["photo_attached"] = true
		metadata["photo_mime_type"] = strings.TrimSpace(item.PhotoMimeType)
		metadata["photo_bytes"] = len(item.PhotoData)
	}

	r.IdempotencyKey = item.IdempotencyKey
	r.Metadata = metadata
	return r, nil
}

// itemStatus maps a processing error to the status reported for the item
func itemStatus(err error) int {
	switch apperr.CategoryOf(err) {
	case apperr.CategoryValidation:
		return http.StatusUnprocessableEntity
	case apperr.CategoryTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func storageHTTPError(err error) error {
	if apperr.IsRetryable(err) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "storage error")
}
