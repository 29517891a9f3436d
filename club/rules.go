package club

import (
	"time"

	"github.com/warp/points-ledger/loyalty"
)

const (
	liveloActiveDays = 30
	latamGraceDays   = 10
	smilesGraceDays  = 60
)

// Rule describes how a program's subscriptions lapse.
type Rule struct {
	// Manual rules are never evaluated by the automaton.
	Manual bool

	// FixedDays > 0 pauses the subscription that many days after
	// subscribedAt, with no renewal cycle.
	FixedDays int

	// GraceDays is the time between PAUSED and CANCELED for renewal-based
	// programs.
	GraceDays int
}

// Rules returns the lapse rule of each program.
func Rules() map[loyalty.Program]Rule {
	return map[loyalty.Program]Rule{
		loyalty.ProgramLivelo: {FixedDays: liveloActiveDays},
		loyalty.ProgramLatam:  {GraceDays: latamGraceDays},
		loyalty.ProgramSmiles: {GraceDays: smilesGraceDays},
		loyalty.ProgramEsfera: {Manual: true},
	}
}

// RuleFor returns the rule of p; unknown programs are manual.
func RuleFor(p loyalty.Program) Rule {
	if r, ok := Rules()[p]; ok {
		return r
	}
	return Rule{Manual: true}
}

// Evaluation is the outcome of evaluating a subscription on a given day.
type Evaluation struct {
	Candidate  Status
	NextDue    *loyalty.Date
	InactiveAt *loyalty.Date
	CancelAt   *loyalty.Date
}

// NextDueDate returns the due date in the month after anchor, on renewalDay
// clamped to that month's length. A renewalDay outside 1-31 falls back to
// the anchor's day.
func NextDueDate(anchor loyalty.Date, renewalDay int) loyalty.Date {
	if renewalDay < 1 || renewalDay > 31 {
		renewalDay = anchor.Day()
	}
	year, month := anchor.Year(), anchor.Month()+1
	if month > time.December {
		year, month = year+1, time.January
	}
	return loyalty.NewDate(year, month, min(renewalDay, loyalty.DaysInMonth(year, month)))
}

// Evaluate computes the status sub should have on today from its dates
// alone. It does not look at the current status except for manual
// programs, and it never writes.
func Evaluate(sub Subscription, today loyalty.Date) Evaluation {
	rule := RuleFor(sub.Program)

	switch {
	case rule.Manual:
		return Evaluation{Candidate: sub.Status, NextDue: sub.NextDueAt}

	case rule.FixedDays > 0:
		inactive := sub.SubscribedAt.AddDays(rule.FixedDays)
		ev := Evaluation{Candidate: StatusActive, InactiveAt: &inactive}
		if today.AfterOrEqual(inactive) {
			ev.Candidate = StatusPaused
		}
		return ev

	default:
		anchor := sub.SubscribedAt
		if sub.LastRenewedAt != nil {
			anchor = loyalty.Later(anchor, *sub.LastRenewedAt)
		}
		due := NextDueDate(anchor, sub.RenewalDay)
		inactive := due.AddDays(1)
		cancel := inactive.AddDays(rule.GraceDays)

		ev := Evaluation{Candidate: StatusActive, NextDue: &due, InactiveAt: &inactive, CancelAt: &cancel}
		switch {
		case today.AfterOrEqual(cancel):
			ev.Candidate = StatusCanceled
		case today.AfterOrEqual(inactive):
			ev.Candidate = StatusPaused
		}
		return ev
	}
}

// Advance returns the status to store given the current one and the
// evaluated candidate. Only strictly more severe candidates are taken.
func Advance(current, candidate Status) Status {
	if !candidate.Valid() || !candidate.MoreSevere(current) {
		return current
	}
	return candidate
}
