package season

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/listing_backend/utils"
)

// Window is a season resolved against a reference date.
type Window struct {
	SourcingStart      time.Time `json:"sourcing_start"`
	Start              time.Time `json:"start"`
	End                time.Time `json:"end"`
	ProcessingDeadline time.Time `json:"processing_deadline"`
}

type MonthDay struct {
	Month time.Month
	Day   int
}

func (md MonthDay) String() string {
	return fmt.Sprintf("%02d-%02d", int(md.Month), md.Day)
}

// ParseMonthDay accepts MM-DD, MM/DD, YYYY-MM-DD and YYYY/MM/DD; the year is discarded.
func ParseMonthDay(raw string) (MonthDay, error) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "/", "-"))
	if s == "" {
		return MonthDay{}, utils.NewValidationError("date", "empty month-day")
	}
	parts := strings.Split(s, "-")
	if len(parts) == 3 {
		parts = parts[1:]
	}
	if len(parts) != 2 {
		return MonthDay{}, utils.NewValidationError("date", "invalid month-day %q", raw)
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return MonthDay{}, utils.NewValidationError("date", "invalid month in %q", raw)
	}
	d, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return MonthDay{}, utils.NewValidationError("date", "invalid day in %q", raw)
	}
	if m < 1 || m > 12 {
		return MonthDay{}, utils.NewValidationError("date", "month out of range in %q", raw)
	}
	if d < 1 || d > daysIn(time.Month(m), 2024) {
		return MonthDay{}, utils.NewValidationError("date", "day out of range in %q", raw)
	}
	return MonthDay{Month: time.Month(m), Day: d}, nil
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// in resolves the month-day in year; 02-29 becomes 02-28 outside leap years.
func (md MonthDay) in(year int, loc *time.Location) time.Time {
	d := md.Day
	if max := daysIn(md.Month, year); d > max {
		d = max
	}
	return time.Date(year, md.Month, d, 0, 0, 0, 0, loc)
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// hasDates reports whether both ends are present. Incomplete seasons never evaluate ACTIVE.
func (s *Season) hasDates() bool {
	return strings.TrimSpace(s.Start) != "" && strings.TrimSpace(s.End) != ""
}

// Validate checks the fields the evaluator depends on.
func (s *Season) Validate() error {
	if s.LeadDays < 0 {
		return utils.NewValidationError("lead_days", "season %s: negative lead days %d", s.ID, s.LeadDays)
	}
	if s.LagDays < 0 {
		return utils.NewValidationError("lag_days", "season %s: negative lag days %d", s.ID, s.LagDays)
	}
	if !s.hasDates() {
		return nil
	}
	start, err := ParseMonthDay(s.Start)
	if err != nil {
		return utils.NewValidationError("start", "season %s: %v", s.ID, err)
	}
	end, err := ParseMonthDay(s.End)
	if err != nil {
		return utils.NewValidationError("end", "season %s: %v", s.ID, err)
	}
	if !s.CrossYear && endsBeforeStart(start, end) {
		return utils.NewValidationError("end", "season %s: end %s precedes start %s without cross_year", s.ID, end, start)
	}
	return nil
}

func endsBeforeStart(start, end MonthDay) bool {
	return end.Month < start.Month || (end.Month == start.Month && end.Day < start.Day)
}

// Resolve places the season on the calendar relative to ref.
// A year-crossing season whose end month precedes its start month ends in the next year when
// ref is on or after the start month, otherwise it started in the previous year. Once ref is past
// the end, the next occurrence is used if ref already falls in its sourcing window.
func (s *Season) Resolve(ref time.Time) (Window, error) {
	if err := s.Validate(); err != nil {
		return Window{}, err
	}
	if !s.hasDates() {
		return Window{}, utils.NewValidationError("start", "season %s: incomplete dates", s.ID)
	}
	start, _ := ParseMonthDay(s.Start)
	end, _ := ParseMonthDay(s.End)

	ref = truncateToDay(ref)
	loc := ref.Location()
	year := ref.Year()

	startYear, endYear := year, year
	if s.CrossYear && end.Month < start.Month {
		if ref.Month() >= start.Month {
			endYear = year + 1
		} else {
			startYear = year - 1
		}
	}

	w := s.window(start.in(startYear, loc), end.in(endYear, loc))
	if ref.After(w.End) {
		next := s.window(start.in(startYear+1, loc), end.in(endYear+1, loc))
		if !ref.Before(next.SourcingStart) {
			w = next
		}
	}
	return w, nil
}

func (s *Season) window(start, end time.Time) Window {
	return Window{
		SourcingStart:      start.AddDate(0, 0, -s.LeadDays),
		Start:              start,
		End:                end,
		ProcessingDeadline: end.AddDate(0, 0, -s.LagDays),
	}
}

// Evaluate maps the season and reference date to its validity.
// Disabled and date-incomplete seasons are NONE with a nil error; malformed seasons are NONE with a
// *utils.ValidationError.
func Evaluate(s *Season, ref time.Time) (Validity, error) {
	if s == nil || !s.Enabled || !s.hasDates() {
		return ValidityNone, nil
	}
	w, err := s.Resolve(ref)
	if err != nil {
		return ValidityNone, err
	}
	return w.stateAt(truncateToDay(ref)), nil
}

func (w Window) stateAt(ref time.Time) Validity {
	switch {
	case ref.Before(w.SourcingStart):
		return ValidityNone
	case ref.Before(w.Start):
		return ValiditySourcing
	case !ref.After(w.End):
		return ValidityActive
	default:
		return ValidityExpired
	}
}
