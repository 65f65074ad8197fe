package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-reconciliation/internal/anomaly"
	"github.com/septivank/meter-reconciliation/internal/apperr"
	"github.com/septivank/meter-reconciliation/internal/clock"
	"github.com/septivank/meter-reconciliation/internal/db"
	"github.com/septivank/meter-reconciliation/internal/reading"
	"github.com/septivank/meter-reconciliation/internal/repository"
	"github.com/septivank/meter-reconciliation/internal/service"
	"github.com/septivank/meter-reconciliation/internal/syncer"
	"github.com/septivank/meter-reconciliation/internal/validator"
	"github.com/septivank/meter-reconciliation/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProcessor struct {
	mu       sync.Mutex
	calls    [][]reading.NewReading
	failures map[string]error // by customer id
}

func (p *fakeProcessor) ProcessBatch(ctx context.Context, tenantID string, readings []reading.NewReading, opts service.Options) []service.BatchResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, readings)

	results := make([]service.BatchResult, len(readings))
	for i, r := range readings {
		results[i].Index = i
		if err := p.failures[r.CustomerID]; err != nil {
			results[i].Err = err
			continue
		}
		results[i].Processed = &service.ProcessedReading{
			Reading: &db.Reading{ID: uuid.New(), TenantID: tenantID, CustomerID: r.CustomerID, Source: opts.Source},
		}
	}
	return results
}

type fakeLookup struct {
	mu       sync.Mutex
	readings map[string]*db.Reading
	batches  map[string]*db.SyncBatch
	err      error
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{readings: map[string]*db.Reading{}, batches: map[string]*db.SyncBatch{}}
}

func (f *fakeLookup) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*db.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rd, ok := f.readings[tenantID+"/"+key]; ok {
		return rd, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeLookup) GetSyncBatch(ctx context.Context, tenantID, key string) (*db.SyncBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if b, ok := f.batches[tenantID+"/"+key]; ok {
		return b, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeLookup) SaveSyncBatch(ctx context.Context, batch *db.SyncBatch) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := batch.TenantID + "/" + batch.IdempotencyKey
	if _, ok := f.batches[key]; ok {
		return false, nil
	}
	f.batches[key] = batch
	return true, nil
}

type fakeRules struct {
	rules map[string]anomaly.Rule
}

func (f *fakeRules) ListRules(ctx context.Context, tenantID string) ([]anomaly.Rule, error) {
	var out []anomaly.Rule
	for _, r := range f.rules {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRules) GetRule(ctx context.Context, tenantID, ruleID string) (anomaly.Rule, error) {
	r, ok := f.rules[ruleID]
	if !ok || r.TenantID != tenantID {
		return anomaly.Rule{}, repository.ErrNotFound
	}
	return r, nil
}

func (f *fakeRules) CreateRule(ctx context.Context, rule *anomaly.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.ID = uuid.NewString()
	f.rules[rule.ID] = *rule
	return nil
}

func (f *fakeRules) UpdateRule(ctx context.Context, rule *anomaly.Rule) error {
	if _, err := f.GetRule(ctx, rule.TenantID, rule.ID); err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	f.rules[rule.ID] = *rule
	return nil
}

func (f *fakeRules) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	if _, err := f.GetRule(ctx, tenantID, ruleID); err != nil {
		return err
	}
	delete(f.rules, ruleID)
	return nil
}

type countingCache struct {
	invalidated []string
}

func (c *countingCache) Invalidate(tenantID string) {
	c.invalidated = append(c.invalidated, tenantID)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type harness struct {
	processor *fakeProcessor
	lookup    *fakeLookup
	rules     *fakeRules
	cache     *countingCache
	server    *Server
}

func newHarness(t *testing.T, verifier TokenVerifier) *harness {
	t.Helper()
	h := &harness{
		processor: &fakeProcessor{failures: map[string]error{}},
		lookup:    newFakeLookup(),
		rules:     &fakeRules{rules: map[string]anomaly.Rule{}},
		cache:     &countingCache{},
	}
	h.server = NewServer(Deps{
		Processor: h.processor,
		Readings:  h.lookup,
		Rules:     h.rules,
		Cache:     h.cache,
		Validator: validator.NewValidator(clock.NewFake(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))),
		Verifier:  verifier,
		Logger:    zap.NewNop(),
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Echo.ServeHTTP(rec, req)
	return rec
}

func syncHeaders(batchKey string) map[string]string {
	return map[string]string{
		wire.HeaderTenantID:       "tenant-a",
		wire.HeaderIdempotencyKey: batchKey,
	}
}

func item(clientID, customer, value, date string) wire.SyncItem {
	return wire.SyncItem{
		ClientID:       clientID,
		IdempotencyKey: "key-" + clientID,
		CustomerID:     customer,
		MeterID:        "meter-1",
		ReadingValue:   value,
		ReadingDate:    date,
		UpdatedAt:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func decodeSync(t *testing.T, rec *httptest.ResponseRecorder) wire.SyncResponse {
	t.Helper()
	var resp wire.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSyncAcceptsBatchAndReplaysAsConflict(t *testing.T) {
	h := newHarness(t, nil)
	req := wire.SyncRequest{ClientBatchID: "batch-1", Items: []wire.SyncItem{
		item("c1", "cust-1", "1000", "2024-01-01"),
		item("c2", "cust-2", "250.5", "2024-01-02"),
	}}

	rec := h.do(t, http.MethodPost, wire.SyncPath, req, syncHeaders("batch-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeSync(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "batch-1", resp.ClientBatchID)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "c1", resp.Results[0].ClientID)
	assert.Equal(t, "c2", resp.Results[1].ClientID)
	assert.NotEmpty(t, resp.Results[0].ServerID)

	require.Len(t, h.processor.calls, 1)
	sent := h.processor.calls[0]
	require.Len(t, sent, 2)
	assert.Equal(t, "key-c1", sent[0].IdempotencyKey)
	assert.Equal(t, "c1", sent[0].Metadata["client_id"])

	replay := h.do(t, http.MethodPost, wire.SyncPath, req, syncHeaders("batch-1"))
	assert.Equal(t, http.StatusConflict, replay.Code)
	assert.JSONEq(t, rec.Body.String(), replay.Body.String())
	assert.Len(t, h.processor.calls, 1)
}

func TestSyncRequiresHeaders(t *testing.T) {
	h := newHarness(t, nil)
	req := wire.SyncRequest{ClientBatchID: "b"}

	rec := h.do(t, http.MethodPost, wire.SyncPath, req, map[string]string{wire.HeaderIdempotencyKey: "b"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, wire.SyncPath, req, map[string]string{wire.HeaderTenantID: "tenant-a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncItemAlreadyStored(t *testing.T) {
	h := newHarness(t, nil)
	existing := &db.Reading{ID: uuid.New()}
	h.lookup.readings["tenant-a/key-c1"] = existing

	req := wire.SyncRequest{ClientBatchID: "batch-2", Items: []wire.SyncItem{
		item("c1", "cust-1", "1000", "2024-01-01"),
		item("c2", "cust-1", "1100", "2024-02-01"),
	}}
	rec := h.do(t, http.MethodPost, wire.SyncPath, req, syncHeaders("batch-2"))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeSync(t, rec)

	assert.True(t, resp.Results[0].Success)
	assert.Equal(t, existing.ID.String(), resp.Results[0].ServerID)
	assert.Equal(t, http.StatusConflict, resp.Results[0].Status)
	require.Len(t, h.processor.calls, 1)
	require.Len(t, h.processor.calls[0], 1)
	assert.Equal(t, "key-c2", h.processor.calls[0][0].IdempotencyKey)
}

func TestSyncPartialBatchIsNotRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.processor.failures["cust-2"] = apperr.Transient("insert reading", errors.New("connection reset"))

	req := wire.SyncRequest{ClientBatchID: "batch-3", Items: []wire.SyncItem{
		item("c1", "cust-1", "1000", "2024-01-01"),
		item("c2", "cust-2", "1000", "2024-01-01"),
		item("c3", "cust-3", "not-a-number", "2024-01-01"),
	}}
	rec := h.do(t, http.MethodPost, wire.SyncPath, req, syncHeaders("batch-3"))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeSync(t, rec)

	assert.False(t, resp.Success)
	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[1].Success)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Results[1].Status)
	assert.False(t, resp.Results[2].Success)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Results[2].Status)
	assert.Contains(t, resp.Results[2].Error, "reading_value")
	assert.Empty(t, h.lookup.batches)

	rec = h.do(t, http.MethodPost, wire.SyncPath, req, syncHeaders("batch-3"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, h.processor.calls, 2)
}

func TestSyncLedgerUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.lookup.err = apperr.Transient("query sync batch", errors.New("timeout"))

	rec := h.do(t, http.MethodPost, wire.SyncPath, wire.SyncRequest{ClientBatchID: "b"}, syncHeaders("b"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t, NewStaticTokenVerifier("good-token"))
	req := wire.SyncRequest{ClientBatchID: "b", Items: []wire.SyncItem{item("c1", "cust-1", "1000", "2024-01-01")}}

	rec := h.do(t, http.MethodPost, wire.SyncPath, req, syncHeaders("b"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	headers := syncHeaders("b")
	headers["Authorization"] = "Bearer wrong"
	rec = h.do(t, http.MethodPost, wire.SyncPath, req, headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	headers["Authorization"] = "Bearer good-token"
	rec = h.do(t, http.MethodPost, wire.SyncPath, req, headers)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, h.processor.calls, 1)
}

func TestRuleCRUDInvalidatesCache(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/tenants/tenant-a/rules", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/tenants/tenant-a/rules", map[string]any{
		"name":       "monthly cap",
		"rule_type":  "consumption_threshold",
		"parameters": map[string]any{"max_consumption": 5000},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created anomaly.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "tenant-a", created.TenantID)
	assert.True(t, created.IsActive)
	assert.Equal(t, anomaly.SeverityHigh, created.Severity)
	assert.Equal(t, []string{"tenant-a"}, h.cache.invalidated)

	rec = h.do(t, http.MethodPut, "/tenants/tenant-a/rules/"+created.ID, map[string]any{
		"name":       "monthly cap",
		"rule_type":  "consumption_threshold",
		"severity":   "critical",
		"is_active":  false,
		"parameters": map[string]any{"max_consumption": 8000},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, h.rules.rules[created.ID].IsActive)
	assert.Equal(t, anomaly.SeverityCritical, h.rules.rules[created.ID].Severity)

	rec = h.do(t, http.MethodGet, "/tenants/tenant-a/rules/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/tenants/tenant-a/rules/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"tenant-a", "tenant-a", "tenant-a"}, h.cache.invalidated)

	rec = h.do(t, http.MethodDelete, "/tenants/tenant-a/rules/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, h.cache.invalidated, 3)
}

func TestRuleValidationErrors(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/tenants/tenant-a/rules", map[string]any{
		"name":      "mystery",
		"rule_type": "moon_phase",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/tenants/tenant-a/rules", map[string]any{
		"name":       "bad threshold",
		"rule_type":  "consumption_threshold",
		"parameters": map[string]any{"min_consumption": 10, "max_consumption": 5},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/tenants/tenant-a/rules", strings.NewReader("{"))
	out := httptest.NewRecorder()
	h.server.Echo.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
	assert.Empty(t, h.cache.invalidated)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.server.deps.Health = fakePinger{err: errors.New("db down")}
	rec = h.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPTransportAgainstServer(t *testing.T) {
	h := newHarness(t, NewStaticTokenVerifier("token-1"))
	srv := httptest.NewServer(h.server.Echo)
	t.Cleanup(srv.Close)

	transport := syncer.NewHTTPTransport(srv.Client(), srv.URL, "tenant-a")
	batch := wire.SyncRequest{ClientBatchID: uuid.NewString(), Items: []wire.SyncItem{item("c1", "cust-1", "1000", "2024-01-01")}}

	resp, err := transport.Upload(context.Background(), "token-1", batch)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	_, err = transport.Upload(context.Background(), "token-1", batch)
	require.Error(t, err)
	assert.Equal(t, apperr.CategoryConflict, apperr.CategoryOf(err))
	var conflict *syncer.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.NotNil(t, conflict.Response)
	require.Len(t, conflict.Response.Results, 1)
	assert.Equal(t, resp.Results[0].ServerID, conflict.Response.Results[0].ServerID)

	_, err = transport.Upload(context.Background(), "expired", batch)
	assert.ErrorIs(t, err, syncer.ErrUnauthorized)
}
