package season

import (
	"github.com/shopspring/decimal"
)

// Validity is the calendar state of a season on a reference date.
type Validity string

const (
	ValidityNone     Validity = "NONE"
	ValiditySourcing Validity = "SOURCING"
	ValidityActive   Validity = "ACTIVE"
	ValidityExpired  Validity = "EXPIRED"
)

const (
	DefaultLeadDays = 30
	DefaultLagDays  = 21
	DefaultTypeID   = "default"
)

var DefaultMinScore = decimal.NewFromInt(1)

type Settings struct {
	CaseSensitive bool `json:"case_sensitive"`
}

type TypePreset struct {
	LeadDays int             `json:"lead_days"`
	LagDays  int             `json:"lag_days"`
	MinScore decimal.Decimal `json:"min_score"`
}

type Keyword struct {
	Keyword string          `json:"keyword"`
	Weight  decimal.Decimal `json:"weight"`
}

// Keywords of a season. Allowed is kept for old workbooks and ignored by matching.
type Keywords struct {
	Include []Keyword `json:"include"`
	Exclude []Keyword `json:"exclude"`
	Allowed []Keyword `json:"allowed"`
}

type Season struct {
	ID        string   `json:"id" validate:"required"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	CrossYear bool     `json:"cross_year"`
	LeadDays  int      `json:"lead_days" validate:"gte=0"`
	LagDays   int      `json:"lag_days" validate:"gte=0"`
	Priority  int      `json:"priority"`
	Enabled   bool     `json:"enabled"`
	Keywords  Keywords `json:"keywords"`
}

// Snapshot is one immutable season configuration. Callers never mutate a snapshot after loading.
type Snapshot struct {
	Version        string                `json:"version"`
	Settings       Settings              `json:"settings"`
	Types          map[string]TypePreset `json:"types"`
	Seasons        []Season              `json:"seasons"`
	GlobalExcludes []string              `json:"global_excludes"`
}

func (s *Snapshot) SeasonByID(id string) (*Season, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Seasons {
		if s.Seasons[i].ID == id {
			return &s.Seasons[i], true
		}
	}
	return nil, false
}

// MinScoreFor returns the type's threshold, or DefaultMinScore for unknown types.
func (s *Snapshot) MinScoreFor(typeID string) decimal.Decimal {
	if s != nil {
		if preset, ok := s.Types[typeID]; ok && preset.MinScore.IsPositive() {
			return preset.MinScore
		}
	}
	return DefaultMinScore
}
