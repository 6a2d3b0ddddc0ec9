package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robertlestak/contract-txcache/internal/aggregate"
	"github.com/robertlestak/contract-txcache/internal/scheduler"
	"github.com/robertlestak/contract-txcache/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeEngine struct {
	mu        sync.Mutex
	busy      bool
	refreshes int
	backfills []aggregate.Range
	overrides map[string]int64
}

func (f *fakeEngine) Snapshot() *schema.Snapshot {
	s := schema.NewSnapshot()
	s.DailyTotals["2025-08-14"] = 7
	s.DailyStatus["2025-08-14"] = schema.StatusCurrent
	s.TotalTransactions = 10
	s.ObservedTotal = 7
	s.Drift = 3
	return s
}

func (f *fakeEngine) Status() scheduler.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return scheduler.Status{Running: f.busy}
}

func (f *fakeEngine) StartRefresh() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return scheduler.ErrAlreadyRunning
	}
	f.refreshes++
	return nil
}

func (f *fakeEngine) StartBackfill(r aggregate.Range) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backfills = append(f.backfills, r)
	return nil
}

func (f *fakeEngine) Override(ctx context.Context, day string, total int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overrides == nil {
		f.overrides = map[string]int64{}
	}
	f.overrides[day] = total
	return nil
}

func newServer(e *fakeEngine) http.Handler {
	s := &Server{
		Engine:     e,
		AdminToken: "secret",
		CORS:       CORSOptions{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST"}},
	}
	return s.Handler()
}

func do(h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSnapshotJSONAndCSV(t *testing.T) {
	h := newServer(&fakeEngine{})

	rr := do(h, "GET", "/snapshot", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var snap schema.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, int64(7), snap.DailyTotals["2025-08-14"])

	rr = do(h, "GET", "/snapshot?format=csv", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rr.Body.String(), "day,month,total,status\n"))
}

func TestRefreshCoalesces(t *testing.T) {
	e := &fakeEngine{}
	h := newServer(e)

	rr := do(h, "POST", "/refresh", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)

	e.busy = true
	rr = do(h, "POST", "/refresh", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "already_running")
	assert.Equal(t, 1, e.refreshes)
}

func TestPublicRefreshIsRateLimited(t *testing.T) {
	e := &fakeEngine{}
	s := &Server{
		Engine:       e,
		AdminToken:   "secret",
		RefreshLimit: rate.NewLimiter(rate.Every(time.Hour), 1),
	}
	h := s.Handler()

	assert.Equal(t, http.StatusAccepted, do(h, "POST", "/refresh", "").Code)
	rr := do(h, "POST", "/refresh", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "rate_limited")

	// admins are not throttled
	assert.Equal(t, http.StatusAccepted, do(h, "POST", "/force-update", "secret").Code)
	assert.Equal(t, 2, e.refreshes)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	e := &fakeEngine{}
	h := newServer(e)

	assert.Equal(t, http.StatusUnauthorized, do(h, "POST", "/force-update", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, "POST", "/force-update", "wrong").Code)
	assert.Equal(t, http.StatusAccepted, do(h, "POST", "/force-update", "secret").Code)
	assert.Equal(t, 1, e.refreshes)

	assert.Equal(t, http.StatusUnauthorized, do(h, "POST", "/backfill?from=2025-08-01&to=2025-08-02", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/backfill?from=2025-08-02&to=2025-08-01", "secret").Code)
	assert.Equal(t, http.StatusAccepted, do(h, "POST", "/backfill?from=2025-08-01&to=2025-08-02", "secret").Code)
	require.Len(t, e.backfills, 1)
	assert.Equal(t, aggregate.Range{From: "2025-08-01", To: "2025-08-02"}, e.backfills[0])

	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/override?day=2025-08-01&total=x", "secret").Code)
	assert.Equal(t, http.StatusOK, do(h, "POST", "/override?day=2025-08-01&total=12", "secret").Code)
	assert.Equal(t, int64(12), e.overrides["2025-08-01"])
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	s := &Server{Engine: &fakeEngine{}}
	rr := do(s.Handler(), "POST", "/force-update", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStatusSurfacesDrift(t *testing.T) {
	rr := do(newServer(&fakeEngine{}), "GET", "/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["drift"])
	assert.Equal(t, false, body["running"])
}
