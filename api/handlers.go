/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the ledger engines via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the purchase, emission and club
  packages.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                                 Create account
    GET    /api/accounts/{id}                            Account with balances
    GET    /api/accounts/{id}/purchases                  List purchases
    POST   /api/accounts/{id}/purchases                  Open a purchase

  Purchases and items:
    GET    /api/purchases/{id}                           Purchase with items
    POST   /api/purchases/{id}/close                     Close purchase
    POST   /api/purchases/{id}/cancel                    Cancel purchase
    POST   /api/purchases/{id}/items                     Add item
    PUT    /api/purchases/{id}/items/{itemID}            Edit pending item
    POST   /api/purchases/{id}/items/{itemID}/release    Release item
    POST   /api/purchases/{id}/items/{itemID}/cancel     Cancel item

  Emissions:
    GET    /api/accounts/{id}/emissions?program=&date=   Events in the window
    POST   /api/accounts/{id}/emissions                  Record emission
    GET    /api/accounts/{id}/emissions/usage?program=&date=
    GET    /api/accounts/{id}/emissions/usage/all?date=  Usage of every program
    PATCH  /api/emissions/{id}                           Correct passengers
    DELETE /api/emissions/{id}                           Remove event

  Club subscriptions:
    GET    /api/accounts/{id}/subscriptions              List
    POST   /api/accounts/{id}/subscriptions              Subscribe
    GET    /api/accounts/{id}/subscriptions/{program}    Get
    POST   /api/accounts/{id}/subscriptions/{program}/renew
    GET    /api/accounts/{id}/subscriptions/{program}/status?date=
    PUT    /api/accounts/{id}/subscriptions/{program}/status
    POST   /api/club/sweep                               Run the sweep now

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    POST   /api/scenarios/load         Load a demo scenario

REQUEST FLOW:
  1. Parse HTTP request
  2. Decode path, query and body into domain values
  3. Call the engine
  4. Serialize response
  5. Map errors with writeDomainError

ERROR HANDLING:
  - 400: Validation errors, with every violation listed
  - 404: Record not found
  - 409: Lifecycle state forbids the operation, or a concurrent write won
  - 422: Insufficient balance, quota exceeded
  - 500: Internal errors (logged, details hidden)

SECURITY NOTE:
  There is no authentication. Scope checks are by team ID only.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/points-ledger/club"
	"github.com/warp/points-ledger/emission"
	"github.com/warp/points-ledger/loyalty"
	"github.com/warp/points-ledger/purchase"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter wipes the backing store. Both store implementations provide it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Deps are the engines a Handler serves.
type Deps struct {
	Ledger           *purchase.Service
	Emissions        *emission.Engine
	Clubs            *club.Service
	Sweeper          *club.Sweeper
	Store            Resetter
	Logger           *zap.Logger
	Calendar         loyalty.Calendar
	SweepConcurrency int
	Now              func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	ledger    *purchase.Service
	emissions *emission.Engine
	clubs     *club.Service
	sweeper   *club.Sweeper
	store     Resetter
	logger    *zap.Logger
	calendar  loyalty.Calendar

	sweepConcurrency int
	now              func() time.Time

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the given engines.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Calendar.Location == nil {
		d.Calendar = loyalty.DefaultCalendar()
	}
	if d.SweepConcurrency < 1 {
		d.SweepConcurrency = 1
	}
	return &Handler{
		ledger:           d.Ledger,
		emissions:        d.Emissions,
		clubs:            d.Clubs,
		sweeper:          d.Sweeper,
		store:            d.Store,
		logger:           d.Logger,
		calendar:         d.Calendar,
		sweepConcurrency: d.SweepConcurrency,
		now:              d.Now,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount creates an account with zero balances.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acc, err := h.ledger.CreateAccount(r.Context(), loyalty.TeamID(req.TeamID), req.Name)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acc))
}

// GetAccount returns an account and its balances.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.ledger.GetAccount(r.Context(), accountID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// ListPurchases returns the purchases of an account, newest first.
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.ledger.ListPurchases(r.Context(), accountID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]PurchaseDTO, len(purchases))
	for i, p := range purchases {
		dtos[i] = toPurchaseDTO(p, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePurchase opens a purchase on an account.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.ledger.CreatePurchase(r.Context(), accountID(r), req.Title)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseDTO(p, nil))
}

// GetPurchase returns a purchase with its items.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	p, items, err := h.ledger.GetPurchase(r.Context(), purchaseID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTO(p, items))
}

// ClosePurchase moves an OPEN purchase to CLOSED.
func (h *Handler) ClosePurchase(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.ClosePurchase(r.Context(), purchaseID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTO(p, nil))
}

// CancelPurchase cancels a purchase and its pending items.
func (h *Handler) CancelPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.CancelPurchase(r.Context(), purchaseID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTO(p, nil))
}

// =============================================================================
// ITEM HANDLERS
// =============================================================================

// CreateItem validates a draft and adds it to an open purchase as PENDING.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var draft purchase.Draft
	if !decodeBody(w, r, &draft) {
		return
	}

	item, err := h.ledger.CreateItem(r.Context(), purchaseID(r), draft)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

// UpdateItem replaces the fields of a PENDING item.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var draft purchase.Draft
	if !decodeBody(w, r, &draft) {
		return
	}

	item, err := h.ledger.UpdateItem(r.Context(), purchaseID(r), itemID(r), draft)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// ReleaseItem applies the item's movements to the account balances.
// Releasing an already released item returns it unchanged.
func (h *Handler) ReleaseItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.ledger.ReleaseItem(r.Context(), purchaseID(r), itemID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// CancelItem cancels a PENDING item.
func (h *Handler) CancelItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.ledger.CancelItem(r.Context(), purchaseID(r), itemID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

// =============================================================================
// EMISSION HANDLERS
// =============================================================================

// GetUsage reports quota usage for one program, or for all programs when
// the program query parameter is omitted.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	program, candidate, ok := h.usageQuery(w, r)
	if !ok {
		return
	}
	if program.IsNone() {
		h.writeAllUsage(w, r, candidate)
		return
	}

	usage, err := h.emissions.GetUsage(r.Context(), accountID(r), program, candidate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageDTO(usage))
}

// GetAllUsage reports quota usage for every program. A program query
// parameter is ignored.
func (h *Handler) GetAllUsage(w http.ResponseWriter, r *http.Request) {
	candidate, ok := queryDate(w, r)
	if !ok {
		return
	}
	h.writeAllUsage(w, r, candidate)
}

func (h *Handler) writeAllUsage(w http.ResponseWriter, r *http.Request, candidate loyalty.Date) {
	all, err := h.emissions.GetAllUsage(r.Context(), accountID(r), candidate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]UsageDTO, len(all))
	for i, u := range all {
		dtos[i] = toUsageDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListEmissions returns the events counted in the window of a program.
func (h *Handler) ListEmissions(w http.ResponseWriter, r *http.Request) {
	program, candidate, ok := h.usageQuery(w, r)
	if !ok {
		return
	}
	if program.IsNone() {
		writeError(w, http.StatusBadRequest, "program query parameter is required", nil)
		return
	}

	ctx := r.Context()
	events, _, err := h.emissions.List(ctx, accountID(r), program, candidate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	usage, err := h.emissions.GetUsage(ctx, accountID(r), program, candidate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := EmissionListResponse{Usage: toUsageDTO(usage), Events: make([]EmissionDTO, len(events))}
	for i, ev := range events {
		resp.Events[i] = toEmissionDTO(ev)
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecordEmission appends an emission event. With enforce set the quota is
// checked first and a request that does not fit is rejected.
func (h *Handler) RecordEmission(w http.ResponseWriter, r *http.Request) {
	var req RecordEmissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	program, err := loyalty.ParseProgram(req.Program)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid program", err)
		return
	}

	ctx := r.Context()
	ev, err := h.emissions.Record(ctx, emission.RecordRequest{
		AccountID:  accountID(r),
		Program:    program,
		IssuedAt:   req.IssuedAt,
		Passengers: req.Passengers,
		Source:     req.Source,
		Note:       req.Note,
		Enforce:    req.Enforce,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmissionDTO(ev))
}

// CorrectEmission changes the passenger count of an event.
func (h *Handler) CorrectEmission(w http.ResponseWriter, r *http.Request) {
	var req CorrectEmissionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ev, err := h.emissions.Correct(r.Context(), loyalty.EmissionID(chi.URLParam(r, "id")), req.Passengers, req.Note)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmissionDTO(ev))
}

// DeleteEmission removes an event.
func (h *Handler) DeleteEmission(w http.ResponseWriter, r *http.Request) {
	if err := h.emissions.Delete(r.Context(), loyalty.EmissionID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) usageQuery(w http.ResponseWriter, r *http.Request) (loyalty.Program, loyalty.Date, bool) {
	q := r.URL.Query()
	program, err := loyalty.ParseProgram(q.Get("program"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid program", err)
		return loyalty.ProgramNone, loyalty.Date{}, false
	}
	candidate, ok := queryDate(w, r)
	return program, candidate, ok
}

// =============================================================================
// CLUB HANDLERS
// =============================================================================

// ListSubscriptions returns the club memberships of an account.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.clubs.List(r.Context(), accountID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]SubscriptionDTO, len(subs))
	for i, s := range subs {
		dtos[i] = toSubscriptionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Subscribe starts (or restarts) a club membership.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	program, err := loyalty.ParseProgram(req.Program)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid program", err)
		return
	}

	sub, err := h.clubs.Subscribe(r.Context(), club.SubscribeRequest{
		AccountID:    accountID(r),
		Program:      program,
		SubscribedAt: req.SubscribedAt,
		RenewalDay:   req.RenewalDay,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubscriptionDTO(sub))
}

// GetSubscription returns one membership.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	program, ok := pathProgram(w, r)
	if !ok {
		return
	}

	sub, err := h.clubs.Get(r.Context(), accountID(r), program)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(sub))
}

// RenewSubscription records a fee payment.
func (h *Handler) RenewSubscription(w http.ResponseWriter, r *http.Request) {
	program, ok := pathProgram(w, r)
	if !ok {
		return
	}
	var req RenewRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sub, err := h.clubs.Renew(r.Context(), accountID(r), program, req.RenewedAt)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(sub))
}

// SetSubscriptionStatus sets a status by hand, for programs the automaton
// does not manage and for operator corrections.
func (h *Handler) SetSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	program, ok := pathProgram(w, r)
	if !ok {
		return
	}
	var req SetStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := club.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status", err)
		return
	}

	sub, err := h.clubs.SetStatus(r.Context(), accountID(r), program, status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionDTO(sub))
}

// GetSubscriptionStatus evaluates a membership without writing anything.
func (h *Handler) GetSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	program, ok := pathProgram(w, r)
	if !ok {
		return
	}
	today, ok := queryDate(w, r)
	if !ok {
		return
	}
	if today.IsZero() {
		today = h.calendar.DateOf(h.now())
	}

	sub, eval, err := h.clubs.Status(r.Context(), accountID(r), program, today)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionStatusDTO{
		Subscription: toSubscriptionDTO(sub),
		Today:        today.String(),
		Candidate:    string(eval.Candidate),
		Applied:      string(club.Advance(sub.Status, eval.Candidate)),
		NextDueAt:    formatDatePtr(eval.NextDue),
		InactiveAt:   formatDatePtr(eval.InactiveAt),
		CancelAt:     formatDatePtr(eval.CancelAt),
	})
}

// RunSweep runs the club sweep for one scope, or for every scope.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	now := h.now()
	if req.Now != nil {
		now = *req.Now
	}

	var results []club.SweepResult
	if req.Scope != "" {
		res, err := h.sweeper.Sweep(r.Context(), loyalty.TeamID(req.Scope), now)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		results = append(results, res)
	} else {
		all, err := h.sweeper.SweepAll(r.Context(), now, h.sweepConcurrency)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		results = all
	}

	resp := SweepResponse{Scopes: make([]SweepScopeDTO, len(results))}
	for i, res := range results {
		resp.Scopes[i] = toSweepScopeDTO(res)
		resp.Changed += res.Changed
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ADMIN
// =============================================================================

// ResetDatabase wipes every table and the usage cache.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	if h.store == nil {
		return errors.New("store does not support reset")
	}
	if err := h.store.Reset(ctx); err != nil {
		return err
	}
	h.emissions.Purge()

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func accountID(r *http.Request) loyalty.AccountID {
	return loyalty.AccountID(chi.URLParam(r, "id"))
}

func purchaseID(r *http.Request) loyalty.PurchaseID {
	return loyalty.PurchaseID(chi.URLParam(r, "id"))
}

func itemID(r *http.Request) loyalty.ItemID {
	return loyalty.ItemID(chi.URLParam(r, "itemID"))
}

func pathProgram(w http.ResponseWriter, r *http.Request) (loyalty.Program, bool) {
	program, err := loyalty.ParseProgram(chi.URLParam(r, "program"))
	if err != nil || program.IsNone() {
		writeError(w, http.StatusBadRequest, "Invalid program", err)
		return loyalty.ProgramNone, false
	}
	return program, true
}

// queryDate reads the optional date query parameter. Absent means zero,
// which the engines read as today.
func queryDate(w http.ResponseWriter, r *http.Request) (loyalty.Date, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("date"))
	if raw == "" {
		return loyalty.Date{}, true
	}
	d, err := loyalty.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return loyalty.Date{}, false
	}
	return d, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors onto status codes. Anything not
// recognized is logged and answered with a generic 500.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr  *loyalty.ValidationError
		ib    *loyalty.InsufficientBalanceError
		quota *loyalty.QuotaExceededError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:      "Validation failed",
			Code:       "VALIDATION",
			Violations: verr.Violations,
		})
	case loyalty.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.As(err, &ib):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "Insufficient balance",
			Code:  "INSUFFICIENT_BALANCE",
			Details: map[string]any{
				"program":   ib.Program.String(),
				"available": ib.Available,
				"requested": ib.Requested,
			},
		})
	case errors.As(err, &quota):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "Emission quota exceeded",
			Code:  "QUOTA_EXCEEDED",
			Details: map[string]any{
				"program":      quota.Program.String(),
				"window_start": quota.Window.Start.String(),
				"window_end":   quota.Window.End.String(),
				"limit":        quota.Limit,
				"used":         quota.Used,
				"requested":    quota.Requested,
			},
		})
	case errors.Is(err, loyalty.ErrInvalidState):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "INVALID_STATE"})
	case loyalty.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Concurrent modification, retry", Code: "CONFLICT"})
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Code: "INTERNAL"})
	}
}
