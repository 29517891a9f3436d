/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario creates accounts and drives the engines
	through their public operations, so the seeded data obeys the same
	rules as production traffic.

AVAILABLE SCENARIOS:

	transfer-desk: Points bought on LIVELO and transferred to SMILES with bonus
	latam-quota:   LATAM passengers one short of the rolling limit
	club-lapse:    Memberships in every club state, ready for a sweep

HOW SCENARIOS WORK:
 1. Reset database (clear all data and the usage cache)
 2. Create accounts under team "demo"
 3. Drive purchases, emissions or subscriptions relative to today

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "latam-quota"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, today)
 3. Register it in scenarioLoaders

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/club"
	"github.com/warp/points-ledger/emission"
	"github.com/warp/points-ledger/loyalty"
	"github.com/warp/points-ledger/purchase"
)

// DemoTeam owns every account a scenario creates.
const DemoTeam loyalty.TeamID = "demo"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "transfer-desk",
		Name:        "Transfer Desk",
		Description: "Buy LIVELO points, transfer to SMILES with a 100% bonus, one adjustment left pending",
		Category:    "ledger",
	},
	{
		ID:          "latam-quota",
		Name:        "LATAM Quota",
		Description: "24 of 25 LATAM passengers used in the rolling year, SMILES full for the calendar year",
		Category:    "emission",
	},
	{
		ID:          "club-lapse",
		Name:        "Club Lapse",
		Description: "Subscriptions due, past grace and expired; run the sweep to downgrade them",
		Category:    "club",
	},
}

type scenarioLoader func(h *Handler, ctx context.Context, today loyalty.Date) ([]loyalty.AccountID, error)

var scenarioLoaders = map[string]scenarioLoader{
	"transfer-desk": (*Handler).loadTransferDeskScenario,
	"latam-quota":   (*Handler).loadLatamQuotaScenario,
	"club-lapse":    (*Handler).loadClubLapseScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	today := h.calendar.DateOf(h.now())
	accounts, err := load(h, ctx, today)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	resp := LoadScenarioResponse{Scenario: req.ScenarioID, Accounts: make([]string, len(accounts))}
	for i, id := range accounts {
		resp.Accounts[i] = string(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadTransferDeskScenario(ctx context.Context, _ loyalty.Date) ([]loyalty.AccountID, error) {
	acc, err := h.ledger.CreateAccount(ctx, DemoTeam, "Transfer desk")
	if err != nil {
		return nil, err
	}
	p, err := h.ledger.CreatePurchase(ctx, acc.ID, "LIVELO to SMILES with bonus")
	if err != nil {
		return nil, err
	}

	// 100,000 LIVELO bought, 50,000 moved to SMILES doubled by the promo.
	drafts := []struct {
		draft   purchase.Draft
		release bool
	}{
		{purchase.Draft{
			Type:        string(loyalty.ItemPointsBuy),
			Title:       "Buy LIVELO",
			ProgramTo:   "LIVELO",
			PointsBase:  decimal.NewFromInt(100_000),
			AmountCents: decimal.NewFromInt(350_000),
		}, true},
		{purchase.Draft{
			Type:         string(loyalty.ItemTransfer),
			Title:        "LIVELO to SMILES",
			ProgramFrom:  "LIVELO",
			ProgramTo:    "SMILES",
			PointsBase:   decimal.NewFromInt(50_000),
			BonusMode:    string(loyalty.BonusPercent),
			BonusValue:   decimal.NewFromInt(100),
			TransferMode: string(loyalty.TransferPointsOnly),
		}, true},
		{purchase.Draft{
			Type:        string(loyalty.ItemExtraCost),
			Title:       "Boarding fees",
			AmountCents: decimal.NewFromInt(12_990),
		}, true},
		{purchase.Draft{
			Type:       string(loyalty.ItemAdjustment),
			Title:      "Goodwill credit",
			ProgramTo:  "SMILES",
			PointsBase: decimal.NewFromInt(2_500),
		}, false},
	}
	for _, d := range drafts {
		item, err := h.ledger.CreateItem(ctx, p.ID, d.draft)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", d.draft.Title, err)
		}
		if !d.release {
			continue
		}
		if _, err := h.ledger.ReleaseItem(ctx, p.ID, item.ID); err != nil {
			return nil, fmt.Errorf("release %s: %w", d.draft.Title, err)
		}
	}
	return []loyalty.AccountID{acc.ID}, nil
}

func (h *Handler) loadLatamQuotaScenario(ctx context.Context, today loyalty.Date) ([]loyalty.AccountID, error) {
	acc, err := h.ledger.CreateAccount(ctx, DemoTeam, "Frequent flyer")
	if err != nil {
		return nil, err
	}

	events := []emission.RecordRequest{
		// One day outside the rolling window.
		{Program: loyalty.ProgramLatam, IssuedAt: today.AddDays(-365), Passengers: 10, Note: "outside window"},
		{Program: loyalty.ProgramLatam, IssuedAt: today.AddDays(-300), Passengers: 20},
		{Program: loyalty.ProgramLatam, IssuedAt: today.AddDays(-10), Passengers: 4},
		{Program: loyalty.ProgramSmiles, IssuedAt: loyalty.StartOfYear(today.Year()), Passengers: 25},
	}
	for _, ev := range events {
		ev.AccountID = acc.ID
		ev.Source = "scenario"
		if _, err := h.emissions.Record(ctx, ev); err != nil {
			return nil, fmt.Errorf("record %s emission: %w", ev.Program, err)
		}
	}
	return []loyalty.AccountID{acc.ID}, nil
}

func (h *Handler) loadClubLapseScenario(ctx context.Context, today loyalty.Date) ([]loyalty.AccountID, error) {
	members := []struct {
		name       string
		program    loyalty.Program
		subscribed loyalty.Date
	}{
		// Due about a month ago: past the 10-day grace, cancels on sweep.
		{"Lapsed LATAM member", loyalty.ProgramLatam, today.AddDays(-70)},
		// Due a few weeks ago: inside the 60-day grace, pauses on sweep.
		{"Late SMILES member", loyalty.ProgramSmiles, today.AddDays(-50)},
		// Fixed 30-day term ran out: pauses on sweep.
		{"Expired LIVELO member", loyalty.ProgramLivelo, today.AddDays(-31)},
		// Managed by hand, the sweep leaves it alone.
		{"ESFERA member", loyalty.ProgramEsfera, today.AddDays(-400)},
		// Subscribed this week, stays active.
		{"New SMILES member", loyalty.ProgramSmiles, today.AddDays(-3)},
	}

	ids := make([]loyalty.AccountID, 0, len(members))
	for _, m := range members {
		acc, err := h.ledger.CreateAccount(ctx, DemoTeam, m.name)
		if err != nil {
			return nil, err
		}
		_, err = h.clubs.Subscribe(ctx, club.SubscribeRequest{
			AccountID:    acc.ID,
			Program:      m.program,
			SubscribedAt: m.subscribed,
			RenewalDay:   m.subscribed.Day(),
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", m.name, err)
		}
		ids = append(ids, acc.ID)
	}
	return ids, nil
}
