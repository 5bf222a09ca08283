package season

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Detection is one season whose include keywords matched a product.
type Detection struct {
	SeasonID string          `json:"season_id"`
	Score    decimal.Decimal `json:"score"`
	Priority int             `json:"priority"`
}

// Subject is anything the filter can score: product text plus its category path.
type Subject interface {
	SeasonText() (text string, category string)
}

type SeasonTally struct {
	SeasonID string   `json:"season_id"`
	Name     string   `json:"name"`
	Count    int      `json:"count"`
	Reason   Validity `json:"reason"`
}

type FilterStats struct {
	NonSeason     int `json:"non_season"`
	SeasonValid   int `json:"season_valid"`
	SeasonInvalid int `json:"season_invalid"`
}

// SeasonError is a malformed season met while filtering; the product it decided was dropped.
type SeasonError struct {
	SeasonID string `json:"season_id"`
	Err      error  `json:"-"`
	Message  string `json:"message"`
}

// FilterResult carries the kept products and the diagnostics of one filter call.
type FilterResult[T any] struct {
	Kept             []T                     `json:"-"`
	ExcludedCount    int                     `json:"excluded_count"`
	ExcludedBySeason map[string]*SeasonTally `json:"excluded_by_season"`
	IncludedBySeason map[string]*SeasonTally `json:"included_by_season"`
	Stats            FilterStats             `json:"stats"`
	SeasonErrors     []SeasonError           `json:"season_errors"`
	// Applied is false when no snapshot was available and every product was kept.
	Applied bool `json:"applied"`
}

func normalize(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func containsKeyword(haystack string, kw string, caseSensitive bool) bool {
	kw = strings.TrimSpace(kw)
	if kw == "" {
		return false
	}
	return strings.Contains(haystack, normalize(kw, caseSensitive))
}

// DetectSeasons scores text and categoryText against every enabled season, highest score first.
// Ties go to the higher priority, then to snapshot order. A global exclude match detects nothing.
// Per-season exclude keywords are loaded but not matched.
func DetectSeasons(text string, snap *Snapshot, categoryText string) []Detection {
	if snap == nil {
		return nil
	}
	cs := snap.Settings.CaseSensitive
	haystack := normalize(text+" "+categoryText, cs)

	for _, kw := range snap.GlobalExcludes {
		if containsKeyword(haystack, kw, cs) {
			return nil
		}
	}

	var out []Detection
	for i := range snap.Seasons {
		s := &snap.Seasons[i]
		if !s.Enabled {
			continue
		}
		score := decimal.Zero
		for _, kw := range s.Keywords.Include {
			if containsKeyword(haystack, kw.Keyword, cs) {
				score = score.Add(kw.Weight)
			}
		}
		if !score.IsPositive() || score.LessThan(snap.MinScoreFor(s.Type)) {
			continue
		}
		out = append(out, Detection{SeasonID: s.ID, Score: score, Priority: s.Priority})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Score.Cmp(out[j].Score); c != 0 {
			return c > 0
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

// FilterProductsBySeason keeps non-season products and products whose top season is ACTIVE on ref.
// Every other top-season state drops the product.
func FilterProductsBySeason[T Subject](products []T, snap *Snapshot, ref time.Time) FilterResult[T] {
	res := FilterResult[T]{
		Kept:             make([]T, 0, len(products)),
		ExcludedBySeason: map[string]*SeasonTally{},
		IncludedBySeason: map[string]*SeasonTally{},
	}
	if snap == nil {
		res.Kept = append(res.Kept, products...)
		res.Stats.NonSeason = len(products)
		return res
	}
	res.Applied = true

	// one evaluation per season per call
	type verdict struct {
		state Validity
		err   error
	}
	verdicts := map[string]verdict{}

	for _, p := range products {
		text, category := p.SeasonText()
		detected := DetectSeasons(text, snap, category)
		if len(detected) == 0 {
			res.Kept = append(res.Kept, p)
			res.Stats.NonSeason++
			continue
		}

		top := detected[0].SeasonID
		s, _ := snap.SeasonByID(top)
		v, ok := verdicts[top]
		if !ok {
			state, err := Evaluate(s, ref)
			v = verdict{state: state, err: err}
			verdicts[top] = v
			if err != nil {
				res.SeasonErrors = append(res.SeasonErrors, SeasonError{SeasonID: top, Err: err, Message: err.Error()})
			}
		}

		if v.state == ValidityActive {
			res.Kept = append(res.Kept, p)
			res.Stats.SeasonValid++
			tally(res.IncludedBySeason, s, v.state)
			continue
		}
		res.ExcludedCount++
		res.Stats.SeasonInvalid++
		tally(res.ExcludedBySeason, s, v.state)
	}
	return res
}

func tally(m map[string]*SeasonTally, s *Season, state Validity) {
	t, ok := m[s.ID]
	if !ok {
		t = &SeasonTally{SeasonID: s.ID, Name: s.Name, Reason: state}
		m[s.ID] = t
	}
	t.Count++
}
