package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/config"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/scheduler"
	mirror "github.com/surfdude29/tweets-2-bsky-sub001/internal/sync"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeController struct {
	queued    []string
	cancelled []string
	checkErr  error
}

func (c *fakeController) Status(context.Context) (scheduler.Status, error) {
	return scheduler.Status{
		State:           "running",
		CurrentAccounts: []string{"alice.bsky.social"},
		NextCheckTime:   now,
	}, nil
}

func (c *fakeController) QueueBackfill(_ context.Context, account string, limit int) (string, error) {
	if account != "alice.bsky.social" {
		return "", scheduler.ErrUnknownAccount
	}
	c.queued = append(c.queued, account)
	return "req-1", nil
}

func (c *fakeController) CancelBackfill(_ context.Context, account, requestID string) error {
	if requestID == "missing" {
		return scheduler.ErrBackfillNotFound
	}
	c.cancelled = append(c.cancelled, account+"/"+requestID)
	return nil
}

func (c *fakeController) RunIncrementalCheck(context.Context, string) (mirror.Stats, error) {
	if c.checkErr != nil {
		return mirror.Stats{}, c.checkErr
	}
	return mirror.Stats{Fetched: 3, Migrated: 2, Skipped: 1}, nil
}

type fakeStore struct {
	records []*models.DeliveryRecord
	limit   int
}

func (s *fakeStore) RecentDeliveries(_ context.Context, limit int) ([]*models.DeliveryRecord, error) {
	s.limit = limit
	if limit < len(s.records) {
		return s.records[:limit], nil
	}
	return s.records, nil
}

func (s *fakeStore) SearchCandidates(context.Context, int) ([]*models.DeliveryRecord, error) {
	return s.records, nil
}

func (s *fakeStore) CountDeliveries(context.Context) (map[models.DeliveryStatus]int, error) {
	return map[models.DeliveryStatus]int{models.StatusMigrated: len(s.records)}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeController, *fakeStore) {
	t.Helper()
	ctl := &fakeController{}
	store := &fakeStore{records: []*models.DeliveryRecord{
		{SourceID: "2", DestinationAccount: "alice.bsky.social", Status: models.StatusMigrated, SourceText: "sunset over the bay", CreatedAt: now.Add(-time.Hour)},
		{SourceID: "1", DestinationAccount: "alice.bsky.social", Status: models.StatusMigrated, SourceText: "morning coffee", CreatedAt: now.Add(-2 * time.Hour)},
	}}
	srv := NewServer(&config.Config{ListenAddr: ":0"}, ctl, store)
	srv.handler.now = func() time.Time { return now }
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, ctl, store
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStatus(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body StatusResponse
	decode(t, resp, &body)
	assert.Equal(t, "running", body.Scheduler.State)
	assert.Equal(t, []string{"alice.bsky.social"}, body.Scheduler.CurrentAccounts)
	assert.Equal(t, 2, body.Deliveries[models.StatusMigrated])
}

func TestRecentDeliveries(t *testing.T) {
	ts, _, store := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/deliveries/recent?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []models.DeliveryRecord
	decode(t, resp, &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].SourceID)

	do(t, http.MethodGet, ts.URL+"/api/deliveries/recent?limit=100000", "")
	assert.Equal(t, maxListLimit, store.limit)

	resp = do(t, http.MethodGet, ts.URL+"/api/deliveries/recent?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchDeliveries(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/api/deliveries/search?q=coffee", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results []struct {
		Record models.DeliveryRecord `json:"record"`
		Score  float64               `json:"score"`
	}
	decode(t, resp, &results)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].Record.SourceID)
	assert.Positive(t, results[0].Score)

	resp = do(t, http.MethodGet, ts.URL+"/api/deliveries/search", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueBackfill(t *testing.T) {
	ts, ctl, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/backfills", `{"account":"alice.bsky.social","limit":50}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "req-1", body["request_id"])
	assert.Equal(t, []string{"alice.bsky.social"}, ctl.queued)

	resp = do(t, http.MethodPost, ts.URL+"/api/backfills", `{"account":"nobody.bsky.social"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/backfills", `{"account":"alice.bsky.social","limit":-1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/backfills", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelBackfill(t *testing.T) {
	ts, ctl, _ := newTestServer(t)

	resp := do(t, http.MethodDelete, ts.URL+"/api/backfills/alice.bsky.social?request_id=req-1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"alice.bsky.social/req-1"}, ctl.cancelled)

	resp = do(t, http.MethodDelete, ts.URL+"/api/backfills/alice.bsky.social?request_id=missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheck(t *testing.T) {
	ts, ctl, _ := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/accounts/alice.bsky.social/check", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats mirror.Stats
	decode(t, resp, &stats)
	assert.Equal(t, 2, stats.Migrated)

	ctl.checkErr = scheduler.ErrAccountBusy
	resp = do(t, http.MethodPost, ts.URL+"/api/accounts/alice.bsky.social/check", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	do(t, http.MethodGet, ts.URL+"/api/status", "")
	resp = do(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tweets2bsky_http_requests_total{method="GET",route="/api/status",status="200"}`)
}
