/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Accounts:      AccountDTO, CreateAccountRequest
  Purchases:     PurchaseDTO, CreatePurchaseRequest, ItemDTO
                 (item bodies decode straight into purchase.Draft)
  Emissions:     EmissionDTO, UsageDTO, RecordEmissionRequest,
                 CorrectEmissionRequest
  Subscriptions: SubscriptionDTO, SubscribeRequest, RenewRequest,
                 SetStatusRequest, SubscriptionStatusDTO
  Sweep:         SweepRequest, SweepResponse
  Scenarios:     ScenarioDTO, LoadScenarioRequest

CONVENTIONS:
  - Dates are YYYY-MM-DD, instants RFC 3339 UTC
  - Programs and statuses are upper-case names
  - Money is carried in cents and mirrored as a decimal BRL string

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/club"
	"github.com/warp/points-ledger/emission"
	"github.com/warp/points-ledger/loyalty"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	ID        string           `json:"id"`
	TeamID    string           `json:"team_id"`
	Name      string           `json:"name"`
	Balances  map[string]int64 `json:"balances"`
	Version   int64            `json:"version"`
	CreatedAt string           `json:"created_at,omitempty"`
	UpdatedAt string           `json:"updated_at,omitempty"`
}

type CreateAccountRequest struct {
	TeamID string `json:"team_id"`
	Name   string `json:"name"`
}

// =============================================================================
// PURCHASES
// =============================================================================

type PurchaseDTO struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	TeamID    string    `json:"team_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt string    `json:"created_at,omitempty"`
	UpdatedAt string    `json:"updated_at,omitempty"`
	Items     []ItemDTO `json:"items,omitempty"`
}

type CreatePurchaseRequest struct {
	Title string `json:"title"`
}

type ItemDTO struct {
	ID                      string          `json:"id"`
	PurchaseID              string          `json:"purchase_id"`
	Type                    string          `json:"type"`
	Status                  string          `json:"status"`
	Title                   string          `json:"title"`
	Details                 string          `json:"details,omitempty"`
	ProgramFrom             string          `json:"program_from,omitempty"`
	ProgramTo               string          `json:"program_to,omitempty"`
	PointsBase              int64           `json:"points_base"`
	BonusMode               string          `json:"bonus_mode,omitempty"`
	BonusValue              int64           `json:"bonus_value"`
	PointsFinal             int64           `json:"points_final"`
	TransferMode            string          `json:"transfer_mode,omitempty"`
	PointsDebitedFromOrigin int64           `json:"points_debited_from_origin"`
	AmountCents             int64           `json:"amount_cents"`
	AmountBRL               decimal.Decimal `json:"amount_brl"`
	CreatedAt               string          `json:"created_at,omitempty"`
	UpdatedAt               string          `json:"updated_at,omitempty"`
	ReleasedAt              *string         `json:"released_at,omitempty"`
	CanceledAt              *string         `json:"canceled_at,omitempty"`
}

// =============================================================================
// EMISSIONS
// =============================================================================

type EmissionDTO struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	Program    string `json:"program"`
	IssuedAt   string `json:"issued_at"`
	Passengers int64  `json:"passengers"`
	Source     string `json:"source"`
	Note       string `json:"note,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

type RecordEmissionRequest struct {
	Program    string       `json:"program"`
	IssuedAt   loyalty.Date `json:"issued_at"`
	Passengers int64        `json:"passengers"`
	Source     string       `json:"source"`
	Note       string       `json:"note"`

	// Enforce rejects the event when it would exceed the quota.
	Enforce bool `json:"enforce"`
}

type CorrectEmissionRequest struct {
	Passengers int64  `json:"passengers"`
	Note       string `json:"note"`
}

type UsageDTO struct {
	AccountID     string `json:"account_id"`
	Program       string `json:"program"`
	CandidateDate string `json:"candidate_date"`
	WindowStart   string `json:"window_start"`
	WindowEnd     string `json:"window_end"`
	Limit         int64  `json:"limit"`
	Used          int64  `json:"used"`
	Remaining     int64  `json:"remaining"`
	Unbounded     bool   `json:"unbounded"`
}

type EmissionListResponse struct {
	Usage  UsageDTO      `json:"usage"`
	Events []EmissionDTO `json:"events"`
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

type SubscriptionDTO struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	TeamID        string `json:"team_id"`
	Program       string `json:"program"`
	Status        string `json:"status"`
	SubscribedAt  string `json:"subscribed_at"`
	LastRenewedAt string `json:"last_renewed_at,omitempty"`
	RenewalDay    int    `json:"renewal_day"`
	NextDueAt     string `json:"next_due_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

type SubscribeRequest struct {
	Program      string       `json:"program"`
	SubscribedAt loyalty.Date `json:"subscribed_at"`
	RenewalDay   int          `json:"renewal_day"`
}

type RenewRequest struct {
	RenewedAt loyalty.Date `json:"renewed_at"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

// SubscriptionStatusDTO is what the automaton would decide today.
type SubscriptionStatusDTO struct {
	Subscription SubscriptionDTO `json:"subscription"`
	Today        string          `json:"today"`
	Candidate    string          `json:"candidate"`
	Applied      string          `json:"applied"`
	NextDueAt    string          `json:"next_due_at,omitempty"`
	InactiveAt   string          `json:"inactive_at,omitempty"`
	CancelAt     string          `json:"cancel_at,omitempty"`
}

// =============================================================================
// SWEEP
// =============================================================================

type SweepRequest struct {
	// Scope limits the sweep to one team; empty sweeps every team.
	Scope string `json:"scope"`

	// Now overrides the evaluation instant, for backfills.
	Now *time.Time `json:"now,omitempty"`
}

type SweepResponse struct {
	Scopes  []SweepScopeDTO `json:"scopes"`
	Changed int             `json:"changed"`
}

type SweepScopeDTO struct {
	Scope    string         `json:"scope"`
	Today    string         `json:"today"`
	Scanned  int            `json:"scanned"`
	Changed  int            `json:"changed"`
	Skipped  int            `json:"skipped"`
	ByStatus map[string]int `json:"by_status,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"` // "ledger", "emission" or "club"
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Scenario string   `json:"scenario"`
	Accounts []string `json:"accounts"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error      string              `json:"error"`
	Code       string              `json:"code,omitempty"`
	Details    any                 `json:"details,omitempty"`
	Violations []loyalty.Violation `json:"violations,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatInstantPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatInstant(*t)
	return &s
}

func formatDatePtr(d *loyalty.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func programName(p loyalty.Program) string {
	if !p.Valid() {
		return ""
	}
	return p.String()
}

func toAccountDTO(a loyalty.Account) AccountDTO {
	return AccountDTO{
		ID:        string(a.ID),
		TeamID:    string(a.TeamID),
		Name:      a.Name,
		Balances:  a.Balances.Map(),
		Version:   a.Version,
		CreatedAt: formatInstant(a.CreatedAt),
		UpdatedAt: formatInstant(a.UpdatedAt),
	}
}

func toPurchaseDTO(p loyalty.Purchase, items []loyalty.Item) PurchaseDTO {
	dto := PurchaseDTO{
		ID:        string(p.ID),
		AccountID: string(p.AccountID),
		TeamID:    string(p.TeamID),
		Title:     p.Title,
		Status:    string(p.Status),
		CreatedAt: formatInstant(p.CreatedAt),
		UpdatedAt: formatInstant(p.UpdatedAt),
	}
	for _, it := range items {
		dto.Items = append(dto.Items, toItemDTO(it))
	}
	return dto
}

func toItemDTO(it loyalty.Item) ItemDTO {
	return ItemDTO{
		ID:                      string(it.ID),
		PurchaseID:              string(it.PurchaseID),
		Type:                    string(it.Type),
		Status:                  string(it.Status),
		Title:                   it.Title,
		Details:                 it.Details,
		ProgramFrom:             programName(it.ProgramFrom),
		ProgramTo:               programName(it.ProgramTo),
		PointsBase:              it.PointsBase,
		BonusMode:               string(it.BonusMode),
		BonusValue:              it.BonusValue,
		PointsFinal:             it.PointsFinal,
		TransferMode:            string(it.TransferMode),
		PointsDebitedFromOrigin: it.PointsDebitedFromOrigin,
		AmountCents:             it.AmountCents,
		AmountBRL:               decimal.New(it.AmountCents, -2),
		CreatedAt:               formatInstant(it.CreatedAt),
		UpdatedAt:               formatInstant(it.UpdatedAt),
		ReleasedAt:              formatInstantPtr(it.ReleasedAt),
		CanceledAt:              formatInstantPtr(it.CanceledAt),
	}
}

func toEmissionDTO(ev loyalty.EmissionEvent) EmissionDTO {
	return EmissionDTO{
		ID:         string(ev.ID),
		AccountID:  string(ev.AccountID),
		Program:    ev.Program.String(),
		IssuedAt:   ev.IssuedAt.String(),
		Passengers: ev.PassengersCount,
		Source:     ev.Source,
		Note:       ev.Note,
		CreatedAt:  formatInstant(ev.CreatedAt),
	}
}

func toUsageDTO(u emission.Usage) UsageDTO {
	return UsageDTO{
		AccountID:     string(u.AccountID),
		Program:       u.Program.String(),
		CandidateDate: u.CandidateOn.String(),
		WindowStart:   u.Window.Start.String(),
		WindowEnd:     u.Window.End.String(),
		Limit:         u.Limit,
		Used:          u.Used,
		Remaining:     u.Remaining,
		Unbounded:     u.Unbounded,
	}
}

func toSubscriptionDTO(s club.Subscription) SubscriptionDTO {
	return SubscriptionDTO{
		ID:            s.ID,
		AccountID:     string(s.AccountID),
		TeamID:        string(s.TeamID),
		Program:       s.Program.String(),
		Status:        string(s.Status),
		SubscribedAt:  s.SubscribedAt.String(),
		LastRenewedAt: formatDatePtr(s.LastRenewedAt),
		RenewalDay:    s.RenewalDay,
		NextDueAt:     formatDatePtr(s.NextDueAt),
		UpdatedAt:     formatInstant(s.UpdatedAt),
	}
}

func toSweepScopeDTO(r club.SweepResult) SweepScopeDTO {
	dto := SweepScopeDTO{
		Scope:   string(r.Scope),
		Today:   r.Today.String(),
		Scanned: r.Scanned,
		Changed: r.Changed,
		Skipped: r.Skipped,
	}
	if len(r.ByStatus) > 0 {
		dto.ByStatus = make(map[string]int, len(r.ByStatus))
		for st, n := range r.ByStatus {
			dto.ByStatus[string(st)] = n
		}
	}
	return dto
}
