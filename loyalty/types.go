/*
Package loyalty provides the shared primitives of the points ledger.

PURPOSE:
  This package holds the types every engine agrees on: the closed set of
  loyalty programs, per-account point balances, purchases and their items,
  emission events, and the persistence interfaces the engines are written
  against. It has no business rules of its own beyond the invariants that
  belong to the types themselves (balances never go negative, programs are
  a closed enumeration).

KEY CONCEPTS IN THIS FILE (types.go):
  - Program: LATAM, SMILES, LIVELO, ESFERA (closed enum, zero = none)
  - Balances: one non-negative integer balance per program, indexed by Program
  - Account: the ledger-holding entity, scoped to a team
  - Purchase / Item: the container and its atomic ledger operations
  - EmissionEvent: a recorded use of passenger quota

USAGE:
  bal := loyalty.Balances{}
  bal, err := bal.Apply(loyalty.ProgramLatam, 50000)
  if err != nil {
      // *InsufficientBalanceError when the result would be negative
  }

SEE ALSO:
  - time.go: Date and the reference Calendar
  - period.go: Window used by the emission quota engine
  - errors.go: typed errors shared by all engines
  - store.go: persistence interfaces
*/
package loyalty

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// PROGRAM - Closed enumeration of loyalty programs
// =============================================================================

// Program identifies one of the loyalty point currencies.
// The zero value means "no program" and is used for nullable program fields.
type Program int

const (
	ProgramNone Program = iota
	ProgramLatam
	ProgramSmiles
	ProgramLivelo
	ProgramEsfera
)

// programCount is the number of real programs (ProgramNone excluded).
const programCount = 4

var programNames = [...]string{
	ProgramNone:   "",
	ProgramLatam:  "LATAM",
	ProgramSmiles: "SMILES",
	ProgramLivelo: "LIVELO",
	ProgramEsfera: "ESFERA",
}

// Programs lists every real program in a stable order.
var Programs = []Program{ProgramLatam, ProgramSmiles, ProgramLivelo, ProgramEsfera}

// ParseProgram converts a program name (case-insensitive) to a Program.
// An empty string parses to ProgramNone.
func ParseProgram(s string) (Program, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ProgramNone, nil
	}
	for _, p := range Programs {
		if programNames[p] == s {
			return p, nil
		}
	}
	return ProgramNone, fmt.Errorf("unknown program %q", s)
}

func (p Program) String() string {
	if !p.Valid() && p != ProgramNone {
		return fmt.Sprintf("Program(%d)", int(p))
	}
	return programNames[p]
}

// Valid reports whether p is one of the four real programs.
func (p Program) Valid() bool { return p >= ProgramLatam && p <= ProgramEsfera }

// IsNone reports whether the program is unset.
func (p Program) IsNone() bool { return p == ProgramNone }

func (p Program) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Program) UnmarshalText(b []byte) error {
	parsed, err := ParseProgram(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// index maps a real program onto its Balances slot.
func (p Program) index() int { return int(p) - 1 }

// =============================================================================
// BALANCES - Lookup table of per-program balances
// =============================================================================

// Balances holds one balance per program. Index with Get, never by position.
type Balances [programCount]int64

// NewBalances builds balances from per-program values, in column order.
func NewBalances(latam, smiles, livelo, esfera int64) Balances {
	var b Balances
	b[ProgramLatam.index()] = latam
	b[ProgramSmiles.index()] = smiles
	b[ProgramLivelo.index()] = livelo
	b[ProgramEsfera.index()] = esfera
	return b
}

// Get returns the balance of a program. Unknown programs read as zero.
func (b Balances) Get(p Program) int64 {
	if !p.Valid() {
		return 0
	}
	return b[p.index()]
}

// Apply returns a copy of b with delta added to program p.
// The receiver is never modified, so a failed Apply leaves no trace.
func (b Balances) Apply(p Program, delta int64) (Balances, error) {
	if !p.Valid() {
		return b, fmt.Errorf("apply %d points: invalid program %s", delta, p)
	}
	next := b[p.index()] + delta
	if next < 0 {
		return b, &InsufficientBalanceError{
			Program:   p,
			Available: b[p.index()],
			Requested: -delta,
		}
	}
	b[p.index()] = next
	return b, nil
}

// Map returns the balances keyed by program name, for serialization.
func (b Balances) Map() map[string]int64 {
	out := make(map[string]int64, programCount)
	for _, p := range Programs {
		out[p.String()] = b.Get(p)
	}
	return out
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TeamID string
type PurchaseID string
type ItemID string
type EmissionID string

// =============================================================================
// ACCOUNT
// =============================================================================

// Account holds the point balances of one customer account.
// Balances are mutated only by the release engine.
type Account struct {
	ID        AccountID
	TeamID    TeamID
	Name      string
	Balances  Balances
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// PURCHASE - Container of items
// =============================================================================

type PurchaseStatus string

const (
	PurchaseOpen     PurchaseStatus = "OPEN"
	PurchaseClosed   PurchaseStatus = "CLOSED"
	PurchaseCanceled PurchaseStatus = "CANCELED"
)

type Purchase struct {
	ID        PurchaseID
	AccountID AccountID
	TeamID    TeamID
	Title     string
	Status    PurchaseStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// PURCHASE ITEM - Atomic ledger operation
// =============================================================================

type ItemType string

const (
	ItemPointsBuy  ItemType = "POINTS_BUY"
	ItemTransfer   ItemType = "TRANSFER"
	ItemAdjustment ItemType = "ADJUSTMENT"
	ItemClub       ItemType = "CLUB"
	ItemExtraCost  ItemType = "EXTRA_COST"
)

// AffectsBalance reports whether releasing an item of this type moves points.
func (t ItemType) AffectsBalance() bool {
	switch t {
	case ItemPointsBuy, ItemTransfer, ItemAdjustment:
		return true
	}
	return false
}

type ItemStatus string

const (
	ItemPending  ItemStatus = "PENDING"
	ItemReleased ItemStatus = "RELEASED"
	ItemCanceled ItemStatus = "CANCELED"
)

type BonusMode string

const (
	BonusNone    BonusMode = ""
	BonusPercent BonusMode = "PERCENT"
	BonusTotal   BonusMode = "TOTAL"
)

type TransferMode string

const (
	TransferNone           TransferMode = ""
	TransferPointsOnly     TransferMode = "POINTS_ONLY"
	TransferPointsPlusCash TransferMode = "POINTS_PLUS_CASH"
)

// Item is a purchase line. PointsFinal is derived from PointsBase, BonusMode
// and BonusValue and is only ever set by the purchase calculator.
type Item struct {
	ID         ItemID
	PurchaseID PurchaseID
	Type       ItemType
	Status     ItemStatus
	Title      string
	Details    string

	ProgramFrom Program
	ProgramTo   Program

	PointsBase              int64
	BonusMode               BonusMode
	BonusValue              int64
	PointsFinal             int64
	TransferMode            TransferMode
	PointsDebitedFromOrigin int64
	AmountCents             int64

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ReleasedAt *time.Time
	CanceledAt *time.Time
}

// =============================================================================
// EMISSION EVENT - Passenger quota usage
// =============================================================================

type EmissionEvent struct {
	ID              EmissionID
	AccountID       AccountID
	Program         Program
	IssuedAt        Date
	PassengersCount int64
	Source          string
	Note            string
	CreatedAt       time.Time
}
