package models

import (
	"time"
)

// Terminal-Status eines Sync-Laufs.
const (
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

// RunHistory protokolliert genau einen Pipeline-Lauf. Zeilen werden nach
// Abschluss nie mehr verändert (append-only).
type RunHistory struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	Indications string `json:"indications"` // kommasepariert, wie verarbeitet

	StudiesSeen    int `json:"studies_seen"`
	Inserted       int `json:"inserted"`
	Updated        int `json:"updated"`
	Unchanged      int `json:"unchanged"`
	Skipped        int `json:"skipped"` // Datensätze ohne NCT-ID
	PagesFailed    int `json:"pages_failed"`
	DocsDownloaded int `json:"docs_downloaded"`
	DocsFailed     int `json:"docs_failed"`

	DurationSeconds float64 `json:"duration_seconds"`
	Status          string  `json:"status"` // success | partial | failed
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (RunHistory) TableName() string {
	return "run_history"
}
