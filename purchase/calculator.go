/*
Package purchase implements purchase items and their effect on balances.

PURPOSE:
  A purchase is a container of items; each item is one ledger operation
  (buy points, transfer between programs, adjust, or a monetary-only cost).
  This package turns raw drafts into normalized items, applies released
  items to account balances atomically, and exposes the purchase lifecycle.

KEY CONCEPTS:
  - Draft:       raw input from a caller, loosely typed
  - Normalize:   validation + normalization, the only way an Item is built
  - PointsFinal: base points plus bonus, always recomputed, never edited
  - Release:     applying an item's movements to the owning account, once

BONUS MODES:
  PERCENT: final = base + floor(base * value / 100)
  TOTAL:   final = base + value
  none:    final = base

EXAMPLE:
  item, err := purchase.Normalize(purchase.Draft{
      Type:       "POINTS_BUY",
      ProgramTo:  "LATAM",
      PointsBase: decimal.NewFromInt(100000),
      BonusMode:  "PERCENT",
      BonusValue: decimal.NewFromInt(30),
  })
  // item.PointsFinal == 130000

SEE ALSO:
  - release.go: Balance release engine
  - service.go: Purchase and item operations
*/
package purchase

import (
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/loyalty"
)

const (
	MaxTitleLength   = 120
	MaxDetailsLength = 1000
)

// =============================================================================
// FINAL POINTS
// =============================================================================

var hundred = decimal.NewFromInt(100)

// ComputeFinalPoints returns base points plus the bonus described by mode and
// value. Negative inputs are treated as zero.
func ComputeFinalPoints(base int64, mode loyalty.BonusMode, value int64) int64 {
	base = max(base, 0)
	value = max(value, 0)
	if value == 0 {
		return base
	}
	switch mode {
	case loyalty.BonusPercent:
		bonus := decimal.NewFromInt(base).Mul(decimal.NewFromInt(value)).Div(hundred).Floor()
		return base + bonus.IntPart()
	case loyalty.BonusTotal:
		return base + value
	default:
		return base
	}
}

// clampInt converts a decimal input into a non-negative integer, truncating
// any fraction toward zero.
func clampInt(d decimal.Decimal) int64 {
	if d.Sign() <= 0 {
		return 0
	}
	return d.Truncate(0).IntPart()
}

// =============================================================================
// DRAFT - Raw item input
// =============================================================================

// Draft is an item as submitted by a caller, before validation.
type Draft struct {
	Type    string `json:"type" validate:"required,oneof=POINTS_BUY TRANSFER ADJUSTMENT CLUB EXTRA_COST"`
	Title   string `json:"title"`
	Details string `json:"details"`

	ProgramFrom string `json:"program_from" validate:"omitempty,program"`
	ProgramTo   string `json:"program_to" validate:"omitempty,program"`

	PointsBase              decimal.Decimal `json:"points_base" validate:"-"`
	BonusMode               string          `json:"bonus_mode" validate:"omitempty,oneof=PERCENT TOTAL"`
	BonusValue              decimal.Decimal `json:"bonus_value" validate:"-"`
	TransferMode            string          `json:"transfer_mode" validate:"omitempty,oneof=POINTS_ONLY POINTS_PLUS_CASH"`
	PointsDebitedFromOrigin decimal.Decimal `json:"points_debited_from_origin" validate:"-"`
	AmountCents             decimal.Decimal `json:"amount_cents" validate:"-"`
}

func (d Draft) canonical() Draft {
	upper := func(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
	d.Type = upper(d.Type)
	d.ProgramFrom = upper(d.ProgramFrom)
	d.ProgramTo = upper(d.ProgramTo)
	d.BonusMode = upper(d.BonusMode)
	d.TransferMode = upper(d.TransferMode)
	return d
}

// =============================================================================
// VALIDATION
// =============================================================================

var draftValidator = newDraftValidator()

func newDraftValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("program", func(fl validator.FieldLevel) bool {
		p, err := loyalty.ParseProgram(fl.Field().String())
		return err == nil && p.Valid()
	})
	v.RegisterStructValidation(draftRules, Draft{})
	return v
}

// draftRules holds the per-type rules. They run on clamped values.
func draftRules(sl validator.StructLevel) {
	d := sl.Current().Interface().(Draft)
	base := clampInt(d.PointsBase)

	requireField := func(value, name, field string) {
		if value == "" {
			sl.ReportError(value, name, field, "required", "")
		}
	}
	positive := func(value int64, name, field string) {
		if value <= 0 {
			sl.ReportError(value, name, field, "gt", "0")
		}
	}

	switch loyalty.ItemType(d.Type) {
	case loyalty.ItemTransfer:
		requireField(d.ProgramFrom, "program_from", "ProgramFrom")
		requireField(d.ProgramTo, "program_to", "ProgramTo")
		requireField(d.TransferMode, "transfer_mode", "TransferMode")
		positive(base, "points_base", "PointsBase")
		if loyalty.TransferMode(d.TransferMode) == loyalty.TransferPointsPlusCash {
			positive(clampInt(d.PointsDebitedFromOrigin), "points_debited_from_origin", "PointsDebitedFromOrigin")
		}
		if d.ProgramFrom != "" && d.ProgramFrom == d.ProgramTo {
			sl.ReportError(d.ProgramTo, "program_to", "ProgramTo", "nefield", "program_from")
		}
	case loyalty.ItemPointsBuy:
		requireField(d.ProgramTo, "program_to", "ProgramTo")
		positive(base, "points_base", "PointsBase")
	case loyalty.ItemClub, loyalty.ItemExtraCost:
		positive(clampInt(d.AmountCents), "amount_cents", "AmountCents")
	case loyalty.ItemAdjustment:
		if base > 0 {
			requireField(d.ProgramTo, "program_to", "ProgramTo")
		}
	}
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "program":
		return "must be one of LATAM, SMILES, LIVELO, ESFERA"
	case "gt":
		return "must be greater than " + fe.Param()
	case "nefield":
		return "must differ from " + fe.Param()
	default:
		return "failed rule " + fe.Tag()
	}
}

// =============================================================================
// NORMALIZE
// =============================================================================

// Normalize validates a draft and builds the PENDING item it describes.
// Every broken rule is reported in a single *loyalty.ValidationError.
// IDs and timestamps are left for the caller to fill.
func Normalize(d Draft) (loyalty.Item, error) {
	d = d.canonical()

	if err := draftValidator.Struct(d); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return loyalty.Item{}, err
		}
		verr := &loyalty.ValidationError{}
		for _, fe := range fieldErrs {
			verr.Add(fe.Field(), "%s", violationMessage(fe))
		}
		return loyalty.Item{}, verr
	}

	from, _ := loyalty.ParseProgram(d.ProgramFrom)
	to, _ := loyalty.ParseProgram(d.ProgramTo)

	item := loyalty.Item{
		Type:                    loyalty.ItemType(d.Type),
		Status:                  loyalty.ItemPending,
		Title:                   truncateRunes(strings.TrimSpace(d.Title), MaxTitleLength),
		Details:                 truncateRunes(strings.TrimSpace(d.Details), MaxDetailsLength),
		ProgramFrom:             from,
		ProgramTo:               to,
		PointsBase:              clampInt(d.PointsBase),
		BonusMode:               loyalty.BonusMode(d.BonusMode),
		BonusValue:              clampInt(d.BonusValue),
		TransferMode:            loyalty.TransferMode(d.TransferMode),
		PointsDebitedFromOrigin: clampInt(d.PointsDebitedFromOrigin),
		AmountCents:             clampInt(d.AmountCents),
	}
	if item.BonusValue == 0 {
		item.BonusMode = loyalty.BonusNone
	}
	if item.TransferMode != loyalty.TransferPointsPlusCash {
		item.PointsDebitedFromOrigin = 0
	}
	item.PointsFinal = ComputeFinalPoints(item.PointsBase, item.BonusMode, item.BonusValue)
	return item, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
