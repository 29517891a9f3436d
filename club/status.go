/*
Package club runs the lifecycle of paid loyalty-club memberships.

PURPOSE:
  A club subscription grants bonus eligibility on one program while it is
  ACTIVE. Subscriptions lapse when they are not renewed in time. This
  package computes, from dates alone, which status a subscription should
  have today, and a sweep that persists the downgrades.

STATES:
  ACTIVE (0) -> PAUSED (1) -> CANCELED (2)

  Severity only grows through the automaton. Re-activation happens only
  through an explicit Renew or SetStatus call. CANCELED is terminal for
  the automaton: canceled rows are not even loaded by the sweep.

RULES PER PROGRAM:
  LIVELO:  PAUSED once 30 days have passed since subscribedAt
  LATAM:   due next month on renewalDay, PAUSED the day after due,
           CANCELED 10 days after that
  SMILES:  same as LATAM with a 60 day grace
  ESFERA:  manual, never changed by the automaton

SEE ALSO:
  - rules.go: Evaluate and Advance (pure)
  - sweep.go: batched, conditional persistence
  - service.go: subscribe, renew, manual status
*/
package club

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/points-ledger/loyalty"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of a subscription. Its zero value is not a
// valid status.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusPaused   Status = "PAUSED"
	StatusCanceled Status = "CANCELED"
)

// Statuses lists every status in severity order.
var Statuses = []Status{StatusActive, StatusPaused, StatusCanceled}

// Severity gives the total order ACTIVE < PAUSED < CANCELED. Unknown
// statuses return -1.
func (s Status) Severity() int {
	switch s {
	case StatusActive:
		return 0
	case StatusPaused:
		return 1
	case StatusCanceled:
		return 2
	}
	return -1
}

func (s Status) Valid() bool    { return s.Severity() >= 0 }
func (s Status) Terminal() bool { return s == StatusCanceled }

// MoreSevere reports whether s is strictly more severe than o.
func (s Status) MoreSevere(o Status) bool { return s.Severity() > o.Severity() }

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown club status %q", v)
	}
	return s, nil
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// Subscription is one membership of an account in a program's club.
type Subscription struct {
	ID            string
	AccountID     loyalty.AccountID
	TeamID        loyalty.TeamID
	Program       loyalty.Program
	Status        Status
	SubscribedAt  loyalty.Date
	LastRenewedAt *loyalty.Date

	// RenewalDay is the day of month the fee is due, 1-31. Months shorter
	// than RenewalDay use their last day.
	RenewalDay int

	// NextDueAt is the due date computed by the last evaluation.
	NextDueAt *loyalty.Date

	CreatedAt time.Time
	UpdatedAt time.Time
}

func fromRecord(r loyalty.SubscriptionRecord) Subscription {
	return Subscription{
		ID:            r.ID,
		AccountID:     r.AccountID,
		TeamID:        r.TeamID,
		Program:       r.Program,
		Status:        Status(r.Status),
		SubscribedAt:  r.SubscribedAt,
		LastRenewedAt: r.LastRenewedAt,
		RenewalDay:    r.RenewalDay,
		NextDueAt:     r.NextDueAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (s Subscription) record() loyalty.SubscriptionRecord {
	return loyalty.SubscriptionRecord{
		ID:            s.ID,
		AccountID:     s.AccountID,
		TeamID:        s.TeamID,
		Program:       s.Program,
		Status:        string(s.Status),
		SubscribedAt:  s.SubscribedAt,
		LastRenewedAt: s.LastRenewedAt,
		RenewalDay:    s.RenewalDay,
		NextDueAt:     s.NextDueAt,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}
