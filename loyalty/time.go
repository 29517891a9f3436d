package loyalty

import (
	"fmt"
	"time"
	_ "time/tzdata" // reference zone must resolve on hosts without zoneinfo
)

// =============================================================================
// DATE - Civil date in the reference time zone
// =============================================================================

// DefaultZone is the reference zone of the business.
const DefaultZone = "America/Sao_Paulo"

// DateLayout is the wire and storage format of a Date.
const DateLayout = "2006-01-02"

// Date is a civil calendar day. It is stored as midnight UTC of that day so
// that day arithmetic never crosses a daylight-saving transition.
type Date struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return NewDate(t.Year(), t.Month(), t.Day()), nil
}

// MustParseDate is ParseDate for literals in tests and fixtures.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(o Date) bool         { return d.t.Before(o.t) }
func (d Date) After(o Date) bool          { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool          { return d.t.Equal(o.t) }
func (d Date) BeforeOrEqual(o Date) bool  { return !d.t.After(o.t) }
func (d Date) AfterOrEqual(o Date) bool   { return !d.t.Before(o.t) }
func (d Date) IsZero() bool               { return d.t.IsZero() }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// Properties
func (d Date) Year() int          { return d.t.Year() }
func (d Date) Month() time.Month  { return d.t.Month() }
func (d Date) Day() int           { return d.t.Day() }
func (d Date) Time() time.Time    { return d.t }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Later returns whichever of a and b is later.
func Later(a, b Date) Date {
	if b.After(a) {
		return b
	}
	return a
}

// DaysBetween returns the whole days from -> to (negative if to is earlier).
func DaysBetween(from, to Date) int { return int(to.t.Sub(from.t).Hours() / 24) }

// DaysInMonth returns the length of a month.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1).Day()
}

// StartOfYear returns January 1st of year.
func StartOfYear(year int) Date { return NewDate(year, time.January, 1) }

// =============================================================================
// CALENDAR - Maps instants to civil dates in the reference zone
// =============================================================================

// Calendar converts instants (request timestamps, "now") into Dates using a
// single reference zone. Engines receive the instant as a parameter and never
// read the wall clock themselves.
type Calendar struct {
	Location *time.Location
}

// NewCalendar loads the named zone. An empty name selects DefaultZone.
func NewCalendar(zone string) (Calendar, error) {
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Calendar{}, fmt.Errorf("load time zone %q: %w", zone, err)
	}
	return Calendar{Location: loc}, nil
}

// DefaultCalendar returns the calendar for DefaultZone.
func DefaultCalendar() Calendar {
	cal, err := NewCalendar(DefaultZone)
	if err != nil {
		return Calendar{Location: time.UTC}
	}
	return cal
}

// DateOf returns the civil date of instant t in the reference zone.
func (c Calendar) DateOf(t time.Time) Date {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return NewDate(local.Year(), local.Month(), local.Day())
}
