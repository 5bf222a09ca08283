package season

import (
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/listing_backend/utils"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEvaluate_NonCrossingSeason(t *testing.T) {
	s := &Season{ID: "spring", Start: "03-01", End: "03-31", LeadDays: 10, Enabled: true}
	cases := []struct {
		ref      time.Time
		expected Validity
	}{
		{day(2025, 2, 1), ValidityNone},
		{day(2025, 2, 19), ValiditySourcing},
		{day(2025, 2, 25), ValiditySourcing},
		{day(2025, 3, 1), ValidityActive},
		{day(2025, 3, 15), ValidityActive},
		{day(2025, 3, 31), ValidityActive},
		{day(2025, 4, 1), ValidityExpired},
		{day(2025, 12, 31), ValidityExpired},
	}
	for _, tc := range cases {
		got, err := Evaluate(s, tc.ref)
		if err != nil {
			t.Fatalf("Evaluate(%s) error: %v", tc.ref.Format("2006-01-02"), err)
		}
		if got != tc.expected {
			t.Fatalf("Evaluate(%s) expected %s, got %s", tc.ref.Format("2006-01-02"), tc.expected, got)
		}
	}
}

func TestEvaluate_CrossingSeason(t *testing.T) {
	s := &Season{ID: "winter", Start: "12-01", End: "02-28", CrossYear: true, LeadDays: 10, Enabled: true}
	cases := []struct {
		ref      time.Time
		expected Validity
	}{
		{day(2025, 1, 15), ValidityActive},
		{day(2025, 3, 1), ValidityExpired},
		{day(2025, 11, 25), ValiditySourcing},
		{day(2025, 12, 1), ValidityActive},
		{day(2025, 12, 31), ValidityActive},
		{day(2026, 2, 28), ValidityActive},
		{day(2025, 11, 1), ValidityExpired},
	}
	for _, tc := range cases {
		got, err := Evaluate(s, tc.ref)
		if err != nil {
			t.Fatalf("Evaluate(%s) error: %v", tc.ref.Format("2006-01-02"), err)
		}
		if got != tc.expected {
			t.Fatalf("Evaluate(%s) expected %s, got %s", tc.ref.Format("2006-01-02"), tc.expected, got)
		}
	}
}

func TestEvaluate_LeapDayClampsOutsideLeapYears(t *testing.T) {
	s := &Season{ID: "feb", Start: "02-01", End: "02-29", Enabled: true}
	got, err := Evaluate(s, day(2025, 2, 28))
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if got != ValidityActive {
		t.Fatalf("expected ACTIVE on 2025-02-28, got %s", got)
	}
	got, _ = Evaluate(s, day(2025, 3, 1))
	if got != ValidityExpired {
		t.Fatalf("expected EXPIRED on 2025-03-01, got %s", got)
	}
}

func TestEvaluate_DisabledOrIncompleteIsNone(t *testing.T) {
	cases := []*Season{
		nil,
		{ID: "off", Start: "01-01", End: "12-31", Enabled: false},
		{ID: "no-end", Start: "01-01", Enabled: true},
		{ID: "no-start", End: "12-31", Enabled: true},
	}
	for _, s := range cases {
		got, err := Evaluate(s, day(2025, 6, 1))
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if got != ValidityNone {
			t.Fatalf("expected NONE, got %s", got)
		}
	}
}

func TestEvaluate_MalformedSeasonIsValidationError(t *testing.T) {
	cases := []*Season{
		{ID: "neg-lead", Start: "03-01", End: "03-31", LeadDays: -1, Enabled: true},
		{ID: "bad-month", Start: "13-01", End: "03-31", Enabled: true},
		{ID: "bad-day", Start: "04-31", End: "05-31", Enabled: true},
		{ID: "backwards", Start: "05-01", End: "03-01", Enabled: true},
	}
	for _, s := range cases {
		got, err := Evaluate(s, day(2025, 3, 15))
		if !errors.Is(err, utils.ErrValidation) {
			t.Fatalf("season %s: expected validation error, got %v", s.ID, err)
		}
		if got != ValidityNone {
			t.Fatalf("season %s: expected NONE, got %s", s.ID, got)
		}
	}
}

func TestResolve_ProcessingDeadlineIsMetadata(t *testing.T) {
	s := &Season{ID: "spring", Start: "03-01", End: "03-31", LeadDays: 10, LagDays: 5, Enabled: true}
	w, err := s.Resolve(day(2025, 3, 28))
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if !w.ProcessingDeadline.Equal(day(2025, 3, 26)) {
		t.Fatalf("expected deadline 2025-03-26, got %s", w.ProcessingDeadline)
	}
	if !w.SourcingStart.Equal(day(2025, 2, 19)) {
		t.Fatalf("expected sourcing start 2025-02-19, got %s", w.SourcingStart)
	}
	got, _ := Evaluate(s, day(2025, 3, 28))
	if got != ValidityActive {
		t.Fatalf("expected ACTIVE after processing deadline, got %s", got)
	}
}

func TestParseMonthDay(t *testing.T) {
	cases := []struct {
		in       string
		expected string
		ok       bool
	}{
		{"03-01", "03-01", true},
		{"3/1", "03-01", true},
		{"2024-12-25", "12-25", true},
		{"2024/02/29", "02-29", true},
		{"", "", false},
		{"00-10", "", false},
		{"02-30", "", false},
		{"march", "", false},
	}
	for _, tc := range cases {
		md, err := ParseMonthDay(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("ParseMonthDay(%q) ok=%v, err=%v", tc.in, tc.ok, err)
		}
		if tc.ok && md.String() != tc.expected {
			t.Fatalf("ParseMonthDay(%q) expected %s, got %s", tc.in, tc.expected, md)
		}
	}
}
