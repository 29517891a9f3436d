package loyalty

// =============================================================================
// WINDOW - Half-open date range used for quota accounting
// =============================================================================

// Window is the half-open range [Start, End) of civil dates.
//
// Examples:
//   - Calendar year 2025: [2025-01-01, 2026-01-01)
//   - Rolling 365 days ending 2025-06-10: [2024-06-11, 2025-06-11)
type Window struct {
	Start Date
	End   Date
}

// Contains returns true if d is within [Start, End).
func (w Window) Contains(d Date) bool {
	return d.AfterOrEqual(w.Start) && d.Before(w.End)
}

// Days returns the number of days covered by the window.
func (w Window) Days() int { return DaysBetween(w.Start, w.End) }

func (w Window) String() string {
	return "[" + w.Start.String() + ", " + w.End.String() + ")"
}

// WindowKind defines how a window is derived from a candidate date.
type WindowKind string

const (
	WindowCalendarYear WindowKind = "calendar_year" // Jan 1 - Jan 1 of next year
	WindowRolling      WindowKind = "rolling"       // N days ending at the candidate date
)

// WindowConfig defines how to calculate the window for a candidate date.
type WindowConfig struct {
	Kind WindowKind

	// For rolling windows: how many days back from the candidate date, the
	// candidate date included. A date exactly RollingDays before the
	// candidate is outside the window.
	RollingDays int
}

// WindowFor returns the window that applies to the candidate date.
func (wc WindowConfig) WindowFor(candidate Date) Window {
	switch wc.Kind {
	case WindowRolling:
		days := wc.RollingDays
		if days <= 0 {
			days = 365
		}
		return Window{
			Start: candidate.AddDays(-(days - 1)),
			End:   candidate.AddDays(1),
		}

	default:
		return Window{
			Start: StartOfYear(candidate.Year()),
			End:   StartOfYear(candidate.Year() + 1),
		}
	}
}
