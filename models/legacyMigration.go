package models

import (
	"time"
)

const (
	LegacyOutcomeMigrated       = "migrated"
	LegacyOutcomeAlreadyPresent = "already-present"
	LegacyOutcomeNoMatch        = "no-match"
	LegacyOutcomeAmbiguous      = "ambiguous"
	LegacyOutcomeConflict       = "conflict"
	LegacyOutcomeInvalid        = "invalid"
)

type LegacyMigrationRun struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	RunKey         string     `gorm:"uniqueIndex;size:36;not null" json:"run_key"`
	DryRun         bool       `gorm:"not null;default:false" json:"dry_run"`
	Status         string     `gorm:"size:20;not null" json:"status"`
	Scanned        int        `json:"scanned"`
	Migrated       int        `json:"migrated"`
	AlreadyPresent int        `json:"already_present"`
	NoMatch        int        `json:"no_match"`
	Ambiguous      int        `json:"ambiguous"`
	Conflicts      int        `json:"conflicts"`
	Invalid        int        `json:"invalid"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// LegacyMigrationOutcome is the audit row for one upload record.
type LegacyMigrationOutcome struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	RunId            uint      `gorm:"index;not null" json:"run_id"`
	UploadRecordId   uint      `gorm:"index;not null" json:"upload_record_id"`
	Channel          string    `gorm:"size:100" json:"channel"`
	Storefront       string    `gorm:"size:100" json:"storefront"`
	ProductCode      string    `gorm:"size:100" json:"product_code"`
	Outcome          string    `gorm:"size:20;not null;index" json:"outcome"`
	CombinationIndex *int      `json:"combination_index"`
	CandidatesJSON   []byte    `gorm:"type:json" json:"candidates"`
	Message          string    `gorm:"type:text" json:"message"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}
