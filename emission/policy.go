/*
Package emission tracks passenger quota usage per loyalty program.

PURPOSE:
  Airline programs cap how many distinct passengers an account may issue
  award tickets for inside a time window. This package derives the window
  that applies to a candidate emission date, sums the passengers already
  recorded in it, and reports what is left.

WINDOWING:
  LATAM:  rolling 365 days ending at the candidate date (inclusive)
          2025-06-10 -> [2024-06-11, 2025-06-11)
  SMILES: calendar year of the candidate date
          2025-06-10 -> [2025-01-01, 2026-01-01)
  others: no quota; usage is still reported over the calendar year

  The asymmetry matters at the edges: LATAM quota frees up one day at a
  time as old emissions age out, SMILES quota resets on January 1.

DATES:
  All arithmetic is on loyalty.Date values. Instants from callers go
  through a loyalty.Calendar first so a timestamp late in the evening in
  the reference zone never lands on the next day.

SEE ALSO:
  - engine.go: usage queries, quota check, event writes
  - loyalty/period.go: Window and WindowConfig
*/
package emission

import "github.com/warp/points-ledger/loyalty"

const (
	DefaultLatamLimit  int64 = 25
	DefaultSmilesLimit int64 = 25

	// UnboundedLimit is reported as the limit of programs without a quota.
	UnboundedLimit int64 = 1_000_000

	latamRollingDays = 365
)

// Policy is the quota rule of one program.
type Policy struct {
	Program   loyalty.Program
	Window    loyalty.WindowConfig
	Limit     int64
	Unbounded bool
}

// Limits overrides the default per-program limits. Zero keeps the default.
type Limits struct {
	Latam  int64
	Smiles int64
}

// Policies maps every program to its quota rule.
type Policies map[loyalty.Program]Policy

// DefaultPolicies returns the policy table with the given limits applied.
func DefaultPolicies(limits Limits) Policies {
	if limits.Latam <= 0 {
		limits.Latam = DefaultLatamLimit
	}
	if limits.Smiles <= 0 {
		limits.Smiles = DefaultSmilesLimit
	}
	calendar := loyalty.WindowConfig{Kind: loyalty.WindowCalendarYear}
	return Policies{
		loyalty.ProgramLatam: {
			Program: loyalty.ProgramLatam,
			Window:  loyalty.WindowConfig{Kind: loyalty.WindowRolling, RollingDays: latamRollingDays},
			Limit:   limits.Latam,
		},
		loyalty.ProgramSmiles: {
			Program: loyalty.ProgramSmiles,
			Window:  calendar,
			Limit:   limits.Smiles,
		},
		loyalty.ProgramLivelo: {
			Program:   loyalty.ProgramLivelo,
			Window:    calendar,
			Limit:     UnboundedLimit,
			Unbounded: true,
		},
		loyalty.ProgramEsfera: {
			Program:   loyalty.ProgramEsfera,
			Window:    calendar,
			Limit:     UnboundedLimit,
			Unbounded: true,
		},
	}
}

// For returns the policy of p. Programs missing from the table are unbounded.
func (ps Policies) For(p loyalty.Program) Policy {
	if pol, ok := ps[p]; ok {
		return pol
	}
	return Policy{
		Program:   p,
		Window:    loyalty.WindowConfig{Kind: loyalty.WindowCalendarYear},
		Limit:     UnboundedLimit,
		Unbounded: true,
	}
}

// Usage is the quota report of one program for one candidate date.
type Usage struct {
	AccountID   loyalty.AccountID
	Program     loyalty.Program
	Window      loyalty.Window
	Limit       int64
	Used        int64
	Remaining   int64
	Unbounded   bool
	CandidateOn loyalty.Date
}

// NewUsage builds a report and clamps Remaining at zero.
func NewUsage(accountID loyalty.AccountID, pol Policy, candidate loyalty.Date, used int64) Usage {
	return Usage{
		AccountID:   accountID,
		Program:     pol.Program,
		Window:      pol.Window.WindowFor(candidate),
		Limit:       pol.Limit,
		Used:        used,
		Remaining:   max(0, pol.Limit-used),
		Unbounded:   pol.Unbounded,
		CandidateOn: candidate,
	}
}

// Fits reports whether passengers more can be issued in this window.
func (u Usage) Fits(passengers int64) bool {
	return u.Unbounded || u.Used+passengers <= u.Limit
}
