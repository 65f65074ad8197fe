// Package syncer drains the offline queue to the server in idempotent
// batches, one pass at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/logging"
	"github.com/septivank/meter-reconciliation/internal/metrics"
	"github.com/septivank/meter-reconciliation/internal/offline"
	"github.com/septivank/meter-reconciliation/internal/retry"
	"github.com/septivank/meter-reconciliation/internal/wire"
	"github.com/septivank/meter-reconciliation/tools/timeparser"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by Sync after Close
var ErrClosed = errors.New("sync manager closed")

// Queue is the part of the offline store the manager mutates
type Queue interface {
	ListPending(ctx context.Context, tenantID string) ([]offline.Item, error)
	MarkSynced(ctx context.Context, clientID, serverID string) error
	IncrementAttempt(ctx context.Context, clientID, errMsg string) (int, error)
	MarkFailed(ctx context.Context, clientID, errMsg string) error
	Photo(ctx context.Context, photoID string) (*offline.PhotoBlob, error)
}

// Item outcome statuses
const (
	ItemSynced  = "synced"
	ItemPending = "pending"
	ItemFailed  = "failed"
)

// ItemOutcome is the result of one queued reading in a pass
type ItemOutcome struct {
	ClientID string
	Seq      uint
	Status   string
	ServerID string
	Attempts int
	Error    string
}

// Outcome summarises a sync pass. Items are in enqueue order.
type Outcome struct {
	Synced    int
	Failed    int
	Pending   int
	Errors    []string
	Items     []ItemOutcome
	Cancelled bool
}

// Progress is a snapshot published after each batch
type Progress struct {
	TenantID   string
	Batch      int
	Batches    int
	Processed  int
	Total      int
	Synced     int
	Failed     int
	Done       bool
	Cancelled  bool
	Error      string
	OccurredAt time.Time
}

// Config holds sync settings
type Config struct {
	BatchSize     int
	MaxRetries    int
	NetworkPolicy retry.Policy
}

// DefaultConfig returns batches of 10, 3 item attempts and the default backoff
func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		MaxRetries:    3,
		NetworkPolicy: retry.DefaultPolicy(),
	}
}

// Manager runs sync passes
type Manager struct {
	queue     Queue
	transport Transport
	tokens    TokenProvider
	config    Config
	logger    *zap.Logger

	group  singleflight.Group
	passMu sync.Mutex

	mu          sync.Mutex
	cancelPass  context.CancelFunc
	timer       *time.Timer
	subscribers []chan Progress
	closed      bool
	scheduled   sync.WaitGroup
}

// NewManager creates a sync manager
func NewManager(queue Queue, transport Transport, tokens TokenProvider, config Config, logger *zap.Logger) *Manager {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.NetworkPolicy.MaxAttempts <= 0 {
		config.NetworkPolicy.MaxAttempts = 1
	}
	return &Manager{
		queue:     queue,
		transport: transport,
		tokens:    tokens,
		config:    config,
		logger:    logger,
	}
}

// Sync runs a pass for the tenant. Calls made while a pass for the same
// tenant is in flight share its outcome; passes for different tenants run
// one after another.
func (m *Manager) Sync(ctx context.Context, tenantID string) (Outcome, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return Outcome{}, ErrClosed
	}

	v, err, shared := m.group.Do(tenantID, func() (interface{}, error) {
		m.passMu.Lock()
		defer m.passMu.Unlock()
		return m.runPass(ctx, tenantID)
	})
	if shared {
		m.logger.Debug("sync call joined in-flight pass", zap.String("tenant_id", tenantID))
	}
	outcome, _ := v.(Outcome)
	return outcome, err
}

// Cancel aborts the in-flight pass. Items without a definitive response stay pending.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelPass != nil {
		m.cancelPass()
	}
	if m.timer != nil && m.timer.Stop() {
		m.scheduled.Done()
	}
	m.timer = nil
}

// Schedule runs a pass for the tenant after delay, replacing any pending schedule
func (m *Manager) Schedule(tenantID string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.timer != nil {
		if m.timer.Stop() {
			m.scheduled.Done()
		}
	}
	m.scheduled.Add(1)
	m.timer = time.AfterFunc(delay, func() {
		defer m.scheduled.Done()
		if _, err := m.Sync(context.Background(), tenantID); err != nil {
			m.logger.Warn("scheduled sync failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	})
}

// Subscribe returns a channel of progress snapshots. Slow subscribers miss
// snapshots rather than blocking the pass. The channel is closed by Close.
func (m *Manager) Subscribe(buffer int) <-chan Progress {
	ch := make(chan Progress, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch
	}
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Close cancels any pass, waits for scheduled passes and closes subscriber channels
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.cancelPass != nil {
		m.cancelPass()
	}
	if m.timer != nil && m.timer.Stop() {
		m.scheduled.Done()
	}
	m.timer = nil
	m.mu.Unlock()

	m.scheduled.Wait()
	// a running pass holds passMu until it returns
	m.passMu.Lock()
	m.passMu.Unlock()

	m.mu.Lock()
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
	m.mu.Unlock()
}

func (m *Manager) publish(p Progress) {
	p.OccurredAt = time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- p:
		default:
		}
	}
}

type passState struct {
	tenantID string
	outcome  Outcome
	storeErr error
	token    string
	logger   *zap.Logger
}

func (m *Manager) runPass(parent context.Context, tenantID string) (Outcome, error) {
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return Outcome{}, ErrClosed
	}
	m.cancelPass = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.cancelPass = nil
		m.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	defer func() { metrics.SyncPassDuration.Observe(time.Since(start).Seconds()) }()

	items, err := m.queue.ListPending(ctx, tenantID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to list pending readings: %w", err)
	}
	if len(items) == 0 {
		m.publish(Progress{TenantID: tenantID, Done: true})
		return Outcome{Items: []ItemOutcome{}}, nil
	}

	state := &passState{
		tenantID: tenantID,
		outcome:  Outcome{Items: make([]ItemOutcome, 0, len(items))},
		logger:   logging.WithTenant(m.logger, tenantID),
	}

	state.token, err = m.tokens.Token(ctx)
	if err != nil {
		return m.abort(state, items, fmt.Errorf("%w: %v", ErrTokenRefresh, err))
	}

	batches := (len(items) + m.config.BatchSize - 1) / m.config.BatchSize
	var passErr error
	for b := 0; b < batches; b++ {
		lo := b * m.config.BatchSize
		hi := lo + m.config.BatchSize
		if hi > len(items) {
			hi = len(items)
		}

		if ctx.Err() != nil {
			state.outcome.Cancelled = true
			m.leavePending(state, items[lo:], "sync cancelled")
			break
		}

		if err := m.syncBatch(ctx, state, items[lo:hi]); err != nil {
			if errors.Is(err, ErrTokenRefresh) || errors.Is(err, ErrUnauthorized) {
				passErr = err
				state.outcome.Errors = append(state.outcome.Errors, err.Error())
				m.leavePending(state, items[lo:], "authentication failed")
				break
			}
		}

		m.publish(Progress{
			TenantID:  tenantID,
			Batch:     b + 1,
			Batches:   batches,
			Processed: len(state.outcome.Items),
			Total:     len(items),
			Synced:    state.outcome.Synced,
			Failed:    state.outcome.Failed,
		})
	}

	sort.SliceStable(state.outcome.Items, func(i, j int) bool {
		return state.outcome.Items[i].Seq < state.outcome.Items[j].Seq
	})

	final := Progress{
		TenantID:  tenantID,
		Batch:     batches,
		Batches:   batches,
		Processed: len(items),
		Total:     len(items),
		Synced:    state.outcome.Synced,
		Failed:    state.outcome.Failed,
		Done:      true,
		Cancelled: state.outcome.Cancelled,
	}
	if passErr == nil && state.storeErr != nil {
		passErr = state.storeErr
	}
	if passErr != nil {
		final.Error = passErr.Error()
	}
	m.publish(final)

	state.logger.Info("sync pass finished",
		zap.Int("synced", state.outcome.Synced),
		zap.Int("failed", state.outcome.Failed),
		zap.Int("pending", state.outcome.Pending),
		zap.Bool("cancelled", state.outcome.Cancelled),
		zap.Duration("duration", time.Since(start)))

	return state.outcome, passErr
}

// abort ends a pass before any upload, leaving every item pending
func (m *Manager) abort(state *passState, items []offline.Item, err error) (Outcome, error) {
	state.outcome.Errors = append(state.outcome.Errors, err.Error())
	m.leavePending(state, items, err.Error())
	m.publish(Progress{TenantID: state.tenantID, Total: len(items), Done: true, Error: err.Error()})
	state.logger.Warn("sync pass aborted", zap.Error(err))
	return state.outcome, err
}

func (m *Manager) leavePending(state *passState, items []offline.Item, reason string) {
	for _, item := range items {
		state.outcome.Pending++
		state.outcome.Items = append(state.outcome.Items, ItemOutcome{
			ClientID: item.ClientID,
			Seq:      item.Seq,
			Status:   ItemPending,
			Attempts: item.SyncAttempts,
			Error:    reason,
		})
	}
}

func (m *Manager) buildBatch(ctx context.Context, state *passState, items []offline.Item) wire.SyncRequest {
	batch := wire.SyncRequest{
		ClientBatchID: uuid.NewString(),
		Items:         make([]wire.SyncItem, 0, len(items)),
	}
	for _, item := range items {
		wi := wire.SyncItem{
			ClientID:       item.ClientID,
			IdempotencyKey: item.IdempotencyKey,
			CustomerID:     item.Reading.CustomerID,
			MeterID:        item.Reading.MeterID,
			ReadingValue:   item.Reading.Value.String(),
			ReadingDate:    timeparser.FormatReadingDate(item.Reading.Date),
			Notes:          item.Reading.Notes,
			Metadata:       item.Reading.Metadata,
			UpdatedAt:      item.UpdatedAt,
		}
		if item.PhotoID != nil {
			photo, err := m.queue.Photo(ctx, *item.PhotoID)
			if err != nil {
				state.logger.Warn("uploading reading without photo",
					zap.String("client_id", item.ClientID),
					zap.Error(err))
			} else {
				wi.PhotoData = photo.Content
				wi.PhotoMimeType = photo.MimeType
			}
		}
		batch.Items = append(batch.Items, wi)
	}
	return batch
}

// syncBatch uploads one batch and resolves every item in it. The batch id
// doubles as the Idempotency-Key and is reused across network retries.
func (m *Manager) syncBatch(ctx context.Context, state *passState, items []offline.Item) error {
	batch := m.buildBatch(ctx, state, items)
	logger := logging.WithBatchID(state.logger, batch.ClientBatchID)

	refreshed := false
	var resp *wire.SyncResponse
	err := retry.Do(ctx, m.config.NetworkPolicy, func(ctx context.Context, attempt int) error {
		r, err := m.transport.Upload(ctx, state.token, batch)
		if errors.Is(err, ErrUnauthorized) && !refreshed {
			refreshed = true
			logger.Info("access token rejected, refreshing")
			token, refreshErr := m.tokens.Refresh(ctx)
			if refreshErr != nil {
				return refreshErr
			}
			state.token = token
			r, err = m.transport.Upload(ctx, state.token, batch)
		}
		if err != nil && apperr.IsRetryable(err) {
			logger.Warn("batch upload failed", zap.Int("attempt", attempt+1), zap.Error(err))
		}
		resp = r
		return err
	})

	switch {
	case err == nil:
		metrics.SyncBatchesSentTotal.WithLabelValues("accepted").Inc()
		m.resolveResults(ctx, state, items, resp)
		return nil

	case ctx.Err() != nil:
		// no definitive answer, leave state untouched
		state.outcome.Cancelled = true
		m.leavePending(state, items, "sync cancelled")
		metrics.SyncBatchesSentTotal.WithLabelValues("cancelled").Inc()
		return ctx.Err()

	case errors.Is(err, ErrTokenRefresh) || errors.Is(err, ErrUnauthorized):
		metrics.SyncBatchesSentTotal.WithLabelValues("unauthorized").Inc()
		logger.Warn("sync aborted on authentication failure", zap.Error(err))
		return err

	case apperr.CategoryOf(err) == apperr.CategoryConflict:
		metrics.SyncBatchesSentTotal.WithLabelValues("conflict").Inc()
		logger.Info("batch already applied, marking items synced")
		var conflict *ConflictError
		if errors.As(err, &conflict) && conflict.Response != nil {
			m.resolveReplay(ctx, state, items, conflict.Response)
			return nil
		}
		for _, item := range items {
			m.markSynced(ctx, state, item, "")
		}
		return nil

	default:
		metrics.SyncBatchesSentTotal.WithLabelValues("failed").Inc()
		state.outcome.Errors = append(state.outcome.Errors, err.Error())
		for _, item := range items {
			m.recordFailure(ctx, state, item, err.Error())
		}
		return err
	}
}

func (m *Manager) resolveResults(ctx context.Context, state *passState, items []offline.Item, resp *wire.SyncResponse) {
	results := make(map[string]wire.SyncItemResult, len(resp.Results))
	for _, r := range resp.Results {
		results[r.ClientID] = r
	}

	for _, item := range items {
		r, ok := results[item.ClientID]
		switch {
		case !ok:
			m.recordFailure(ctx, state, item, "no result returned for item")
		case r.Success:
			m.markSynced(ctx, state, item, r.ServerID)
		case r.Status == 409:
			m.markSynced(ctx, state, item, r.ServerID)
		default:
			msg := r.Error
			if msg == "" {
				msg = "rejected by server"
			}
			m.recordFailure(ctx, state, item, msg)
		}
	}
}

// resolveReplay applies the stored answer of an already applied batch. Every
// item of the batch is synced; the replay only contributes server ids.
func (m *Manager) resolveReplay(ctx context.Context, state *passState, items []offline.Item, resp *wire.SyncResponse) {
	serverIDs := make(map[string]string, len(resp.Results))
	for _, r := range resp.Results {
		serverIDs[r.ClientID] = r.ServerID
	}
	for _, item := range items {
		m.markSynced(ctx, state, item, serverIDs[item.ClientID])
	}
}

func (m *Manager) markSynced(ctx context.Context, state *passState, item offline.Item, serverID string) {
	if err := m.queue.MarkSynced(ctx, item.ClientID, serverID); err != nil {
		m.storageFailure(state, item, err)
		return
	}
	metrics.SyncItemsTotal.WithLabelValues(ItemSynced).Inc()
	state.outcome.Synced++
	state.outcome.Items = append(state.outcome.Items, ItemOutcome{
		ClientID: item.ClientID,
		Seq:      item.Seq,
		Status:   ItemSynced,
		ServerID: serverID,
		Attempts: item.SyncAttempts,
	})
}

// recordFailure counts an attempt and moves the item to failed once the
// retry budget is spent
func (m *Manager) recordFailure(ctx context.Context, state *passState, item offline.Item, msg string) {
	attempts, err := m.queue.IncrementAttempt(ctx, item.ClientID, msg)
	if err != nil {
		m.storageFailure(state, item, err)
		return
	}

	status := ItemPending
	if attempts >= m.config.MaxRetries {
		if err := m.queue.MarkFailed(ctx, item.ClientID, msg); err != nil {
			m.storageFailure(state, item, err)
			return
		}
		status = ItemFailed
		state.outcome.Failed++
		state.logger.Warn("reading failed permanently",
			zap.String("client_id", item.ClientID),
			zap.Int("attempts", attempts),
			zap.String("error", msg))
	} else {
		state.outcome.Pending++
	}
	metrics.SyncItemsTotal.WithLabelValues(status).Inc()

	state.outcome.Items = append(state.outcome.Items, ItemOutcome{
		ClientID: item.ClientID,
		Seq:      item.Seq,
		Status:   status,
		Attempts: attempts,
		Error:    msg,
	})
}

func (m *Manager) storageFailure(state *passState, item offline.Item, err error) {
	state.logger.Error("failed to update queued reading", zap.String("client_id", item.ClientID), zap.Error(err))
	if state.storeErr == nil {
		state.storeErr = err
	}
	state.outcome.Pending++
	state.outcome.Errors = append(state.outcome.Errors, err.Error())
	state.outcome.Items = append(state.outcome.Items, ItemOutcome{
		ClientID: item.ClientID,
		Seq:      item.Seq,
		Status:   ItemPending,
		Attempts: item.SyncAttempts,
		Error:    err.Error(),
	})
}
