/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Account, purchase and item lifecycle over HTTP
- Error mapping (400 violations, 404, 409, 422)
- Emission usage and quota enforcement
- Club subscriptions and the sweep endpoint
- Demo scenarios, health and metrics
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/club"
	"github.com/warp/points-ledger/emission"
	"github.com/warp/points-ledger/loyalty"
	"github.com/warp/points-ledger/loyalty/store"
	"github.com/warp/points-ledger/observability"
	"github.com/warp/points-ledger/purchase"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// 12:00 in Sao Paulo.
var fixedNow = time.Date(2025, time.June, 10, 15, 0, 0, 0, time.UTC)

type testServer struct {
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	cal := loyalty.DefaultCalendar()
	now := func() time.Time { return fixedNow }
	metrics := observability.NewMetrics()

	engine, err := emission.NewEngine(mem, mem, emission.Config{Calendar: cal, Metrics: metrics, Now: now})
	require.NoError(t, err)

	h := api.NewHandler(api.Deps{
		Ledger:    purchase.NewService(mem, nil, purchase.WithClock(now), purchase.WithMetrics(metrics)),
		Emissions: engine,
		Clubs:     club.NewService(mem, mem, cal, nil),
		Sweeper:   club.NewSweeper(mem, club.SweeperConfig{Calendar: cal, Metrics: metrics}),
		Store:     mem,
		Calendar:  cal,
		Now:       now,
	})
	return &testServer{router: api.NewRouter(h, nil, metrics.Handler())}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createAccount(t *testing.T) api.AccountDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/accounts", api.CreateAccountRequest{TeamID: "team-a", Name: "Ana"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.AccountDTO](t, rec)
}

func (s *testServer) createPurchase(t *testing.T, accountID string) api.PurchaseDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/accounts/"+accountID+"/purchases", api.CreatePurchaseRequest{Title: "June desk"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.PurchaseDTO](t, rec)
}

func (s *testServer) addItem(t *testing.T, purchaseID string, item map[string]any) api.ItemDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/purchases/"+purchaseID+"/items", item)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.ItemDTO](t, rec)
}

func itemPath(purchaseID, itemID, action string) string {
	return "/api/purchases/" + purchaseID + "/items/" + itemID + "/" + action
}

// =============================================================================
// LEDGER TESTS
// =============================================================================

func TestAPI_BuyAndTransferFlow(t *testing.T) {
	// GIVEN: An account with an open purchase
	s := newTestServer(t)
	acc := s.createAccount(t)
	assert.Equal(t, map[string]int64{"LATAM": 0, "SMILES": 0, "LIVELO": 0, "ESFERA": 0}, acc.Balances)
	p := s.createPurchase(t, acc.ID)

	// WHEN: LIVELO points are bought and half transferred to SMILES with 100% bonus
	buy := s.addItem(t, p.ID, map[string]any{
		"type": "POINTS_BUY", "program_to": "LIVELO", "points_base": 100000, "amount_cents": 350000,
	})
	assert.Equal(t, "PENDING", buy.Status)
	assert.Equal(t, "3500", buy.AmountBRL.String())
	rec := s.do(t, http.MethodPost, itemPath(p.ID, buy.ID, "release"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	transfer := s.addItem(t, p.ID, map[string]any{
		"type": "TRANSFER", "program_from": "LIVELO", "program_to": "SMILES", "points_base": 50000,
		"bonus_mode": "PERCENT", "bonus_value": 100, "transfer_mode": "POINTS_ONLY",
	})
	assert.Equal(t, int64(100000), transfer.PointsFinal)
	rec = s.do(t, http.MethodPost, itemPath(p.ID, transfer.ID, "release"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	released := decode[api.ItemDTO](t, rec)

	// THEN: Balances moved and the item is frozen
	assert.Equal(t, "RELEASED", released.Status)
	assert.NotNil(t, released.ReleasedAt)
	rec = s.do(t, http.MethodGet, "/api/accounts/"+acc.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	after := decode[api.AccountDTO](t, rec)
	assert.Equal(t, int64(50000), after.Balances["LIVELO"])
	assert.Equal(t, int64(100000), after.Balances["SMILES"])

	rec = s.do(t, http.MethodPut, "/api/purchases/"+p.ID+"/items/"+transfer.ID, map[string]any{
		"type": "TRANSFER", "program_from": "LIVELO", "program_to": "SMILES", "points_base": 1, "transfer_mode": "POINTS_ONLY",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// AND: The purchase lists both items
	rec = s.do(t, http.MethodGet, "/api/purchases/"+p.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[api.PurchaseDTO](t, rec).Items, 2)
}

func TestAPI_ReleaseIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	acc := s.createAccount(t)
	p := s.createPurchase(t, acc.ID)
	buy := s.addItem(t, p.ID, map[string]any{"type": "POINTS_BUY", "program_to": "LATAM", "points_base": 1000})

	for range 2 {
		rec := s.do(t, http.MethodPost, itemPath(p.ID, buy.ID, "release"), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodGet, "/api/accounts/"+acc.ID, nil)
	assert.Equal(t, int64(1000), decode[api.AccountDTO](t, rec).Balances["LATAM"])
}

func TestAPI_ValidationListsEveryViolation(t *testing.T) {
	s := newTestServer(t)
	acc := s.createAccount(t)
	p := s.createPurchase(t, acc.ID)

	rec := s.do(t, http.MethodPost, "/api/purchases/"+p.ID+"/items", map[string]any{"type": "TRANSFER"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "VALIDATION", resp.Code)
	fields := make([]string, len(resp.Violations))
	for i, v := range resp.Violations {
		fields[i] = v.Field
	}
	assert.Contains(t, fields, "program_from")
	assert.Contains(t, fields, "program_to")
	assert.Contains(t, fields, "points_base")
}

func TestAPI_InsufficientBalance(t *testing.T) {
	// GIVEN: A transfer out of an empty program
	s := newTestServer(t)
	acc := s.createAccount(t)
	p := s.createPurchase(t, acc.ID)
	transfer := s.addItem(t, p.ID, map[string]any{
		"type": "TRANSFER", "program_from": "ESFERA", "program_to": "LATAM", "points_base": 10, "transfer_mode": "POINTS_ONLY",
	})

	// WHEN: It is released
	rec := s.do(t, http.MethodPost, itemPath(p.ID, transfer.ID, "release"), nil)

	// THEN: 422 with the shortage, and the item stays pending
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "INSUFFICIENT_BALANCE", resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ESFERA", details["program"])
	assert.EqualValues(t, 10, details["requested"])

	rec = s.do(t, http.MethodGet, "/api/purchases/"+p.ID, nil)
	assert.Equal(t, "PENDING", decode[api.PurchaseDTO](t, rec).Items[0].Status)
}

func TestAPI_NotFoundAndBadInput(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/accounts/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[api.ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/purchases/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader("{not json"))
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestAPI_ClosedPurchaseRejectsItems(t *testing.T) {
	s := newTestServer(t)
	acc := s.createAccount(t)
	p := s.createPurchase(t, acc.ID)

	rec := s.do(t, http.MethodPost, "/api/purchases/"+p.ID+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CLOSED", decode[api.PurchaseDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/purchases/"+p.ID+"/items", map[string]any{"type": "CLUB", "amount_cents": 4990})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", decode[api.ErrorResponse](t, rec).Code)
}

func TestAPI_CancelPendingItem(t *testing.T) {
	s := newTestServer(t)
	acc := s.createAccount(t)
	p := s.createPurchase(t, acc.ID)
	fee := s.addItem(t, p.ID, map[string]any{"type": "EXTRA_COST", "amount_cents": 1299})

	rec := s.do(t, http.MethodPost, itemPath(p.ID, fee.ID, "cancel"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELED", decode[api.ItemDTO](t, rec).Status)
	rec = s.do(t, http.MethodPost, itemPath(p.ID, fee.ID, "release"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// EMISSION TESTS
// =============================================================================

func TestAPI_EmissionUsageAndEnforcement(t *testing.T) {
	// GIVEN: 24 LATAM passengers in the rolling window
	s := newTestServer(t)
	acc := s.createAccount(t)
	base := "/api/accounts/" + acc.ID + "/emissions"
	rec := s.do(t, http.MethodPost, base, map[string]any{"program": "LATAM", "issued_at": "2025-01-15", "passengers": 24})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ev := decode[api.EmissionDTO](t, rec)

	// WHEN: Usage is queried
	rec = s.do(t, http.MethodGet, base+"/usage?program=LATAM&date=2025-06-10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decode[api.UsageDTO](t, rec)

	// THEN: One passenger is left
	assert.Equal(t, int64(24), usage.Used)
	assert.Equal(t, int64(1), usage.Remaining)
	assert.Equal(t, "2024-06-11", usage.WindowStart)
	assert.Equal(t, "2025-06-11", usage.WindowEnd)

	// WHEN: Two more are recorded with enforcement
	rec = s.do(t, http.MethodPost, base, map[string]any{"program": "LATAM", "issued_at": "2025-06-10", "passengers": 2, "enforce": true})

	// THEN: The quota blocks it
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "QUOTA_EXCEEDED", decode[api.ErrorResponse](t, rec).Code)

	// WHEN: The old event is corrected down
	rec = s.do(t, http.MethodPatch, "/api/emissions/"+ev.ID, map[string]any{"passengers": 20})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The list reflects it
	rec = s.do(t, http.MethodGet, base+"?program=LATAM&date=2025-06-10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[api.EmissionListResponse](t, rec)
	assert.Equal(t, int64(20), list.Usage.Used)
	require.Len(t, list.Events, 1)

	rec = s.do(t, http.MethodDelete, "/api/emissions/"+ev.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodDelete, "/api/emissions/"+ev.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_UsageForAllPrograms(t *testing.T) {
	s := newTestServer(t)
	acc := s.createAccount(t)

	rec := s.do(t, http.MethodGet, "/api/accounts/"+acc.ID+"/emissions/usage", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]api.UsageDTO](t, rec)
	require.Len(t, all, 4)
	assert.Equal(t, "2025-06-10", all[0].CandidateDate)
	assert.True(t, all[2].Unbounded)

	rec = s.do(t, http.MethodGet, "/api/accounts/"+acc.ID+"/emissions/usage/all?date=2025-12-31", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all = decode[[]api.UsageDTO](t, rec)
	require.Len(t, all, 4)
	assert.Equal(t, "2025-12-31", all[1].CandidateDate)
}

func TestAPI_UsageOfUnknownAccount(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/accounts/ghost/emissions/usage?program=LATAM", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/accounts/ghost/emissions/usage/all", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/accounts/ghost/emissions?program=SMILES", nil).Code)
}

func TestAPI_EmissionBadQuery(t *testing.T) {
	s := newTestServer(t)
	acc := s.createAccount(t)
	base := "/api/accounts/" + acc.ID + "/emissions"

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, base+"/usage?program=AZUL", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, base+"/usage?date=10/06/2025", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, base, nil).Code)
}

// =============================================================================
// CLUB TESTS
// =============================================================================

func TestAPI_SubscriptionLifecycle(t *testing.T) {
	// GIVEN: A LATAM subscription due on the 10th
	s := newTestServer(t)
	acc := s.createAccount(t)
	base := "/api/accounts/" + acc.ID + "/subscriptions"
	rec := s.do(t, http.MethodPost, base, map[string]any{"program": "LATAM", "subscribed_at": "2025-04-10", "renewal_day": 10})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-05-10", decode[api.SubscriptionDTO](t, rec).NextDueAt)

	// WHEN: Its status is evaluated today
	rec = s.do(t, http.MethodGet, base+"/LATAM/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[api.SubscriptionStatusDTO](t, rec)

	// THEN: The dates say canceled but nothing was written yet
	assert.Equal(t, "2025-06-10", status.Today)
	assert.Equal(t, "CANCELED", status.Candidate)
	assert.Equal(t, "CANCELED", status.Applied)
	assert.Equal(t, "ACTIVE", status.Subscription.Status)
	assert.Equal(t, "2025-05-21", status.CancelAt)

	// WHEN: The sweep runs for the team
	rec = s.do(t, http.MethodPost, "/api/club/sweep", map[string]any{"scope": "team-a"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[api.SweepResponse](t, rec).Changed)

	// THEN: It is canceled and cannot be renewed
	rec = s.do(t, http.MethodGet, base+"/LATAM", nil)
	assert.Equal(t, "CANCELED", decode[api.SubscriptionDTO](t, rec).Status)
	rec = s.do(t, http.MethodPost, base+"/LATAM/renew", map[string]any{"renewed_at": "2025-06-10"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_SetStatusAndRenew(t *testing.T) {
	s := newTestServer(t)
	acc := s.createAccount(t)
	base := "/api/accounts/" + acc.ID + "/subscriptions"
	rec := s.do(t, http.MethodPost, base, map[string]any{"program": "ESFERA", "subscribed_at": "2025-01-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPut, base+"/ESFERA/status", map[string]any{"status": "paused"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "PAUSED", decode[api.SubscriptionDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, base+"/ESFERA/renew", map[string]any{"renewed_at": "2025-06-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ACTIVE", decode[api.SubscriptionDTO](t, rec).Status)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, base+"/ESFERA/status", map[string]any{"status": "FROZEN"}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, base+"/AZUL", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, base+"/SMILES", nil).Code)

	rec = s.do(t, http.MethodGet, base, nil)
	assert.Len(t, decode[[]api.SubscriptionDTO](t, rec), 1)
}

// =============================================================================
// SCENARIO TESTS
// =============================================================================

func TestAPI_LoadScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.ScenarioDTO](t, rec), 3)

	t.Run("transfer-desk", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "transfer-desk"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		loaded := decode[api.LoadScenarioResponse](t, rec)
		require.Len(t, loaded.Accounts, 1)

		rec = s.do(t, http.MethodGet, "/api/accounts/"+loaded.Accounts[0], nil)
		acc := decode[api.AccountDTO](t, rec)
		assert.Equal(t, int64(50000), acc.Balances["LIVELO"])
		assert.Equal(t, int64(100000), acc.Balances["SMILES"])
	})

	t.Run("latam-quota", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "latam-quota"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		id := decode[api.LoadScenarioResponse](t, rec).Accounts[0]

		rec = s.do(t, http.MethodGet, "/api/accounts/"+id+"/emissions/usage", nil)
		all := decode[[]api.UsageDTO](t, rec)
		assert.Equal(t, int64(1), all[0].Remaining)
		assert.Equal(t, int64(0), all[1].Remaining)

		rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
		assert.Equal(t, "latam-quota", decode[api.ScenarioDTO](t, rec).ID)
	})

	t.Run("club-lapse", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "club-lapse"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Len(t, decode[api.LoadScenarioResponse](t, rec).Accounts, 5)

		rec = s.do(t, http.MethodPost, "/api/club/sweep", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[api.SweepResponse](t, rec)
		assert.Equal(t, 3, resp.Changed)
		require.Len(t, resp.Scopes, 1)
		assert.Equal(t, map[string]int{"CANCELED": 1, "PAUSED": 2}, resp.Scopes[0].ByStatus)
	})

	t.Run("unknown", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "nope"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("reset", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/scenarios/reset", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
		assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
	})
}

// =============================================================================
// OPERATIONS TESTS
// =============================================================================

func TestAPI_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	acc := s.createAccount(t)
	s.do(t, http.MethodGet, "/api/accounts/"+acc.ID+"/emissions/usage?program=SMILES", nil)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_emission_usage_queries_total")
}
