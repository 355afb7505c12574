package models

import (
	"time"
)

// Trial repräsentiert eine klinische Studie aus ClinicalTrials.gov und deren Metadaten.
// Pro NCT-ID existiert genau eine Zeile; Indication hält den Suchbegriff,
// über den die Studie zuerst gefunden wurde.
type Trial struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	NCTID         string `json:"nct_id" gorm:"column:nct_id;uniqueIndex;not null"`
	OfficialTitle string `json:"official_title,omitempty" gorm:"type:text"`
	BriefTitle    string `json:"brief_title,omitempty" gorm:"type:text"`
	Sponsor       string `json:"sponsor,omitempty"`
	SponsorClass  string `json:"sponsor_class,omitempty"` // INDUSTRY, NIH, OTHER, ...

	Year           *int       `json:"year,omitempty" gorm:"index"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	CompletionDate *time.Time `json:"completion_date,omitempty"`

	Indication string `json:"indication" gorm:"index"`
	Conditions string `json:"conditions,omitempty" gorm:"type:text"` // "; "-separiert
	Phase      string `json:"phase" gorm:"index"`
	StudyType  string `json:"study_type,omitempty"`

	OverallStatus string `json:"overall_status,omitempty"`
	Enrollment    *int   `json:"enrollment,omitempty"`
	Interventions string `json:"interventions,omitempty" gorm:"type:text"` // "Typ: Name; ..."

	ProtocolURL     string `json:"protocol_url,omitempty" gorm:"column:protocol_url"`
	ProtocolPDFPath string `json:"protocol_pdf_path,omitempty" gorm:"column:protocol_pdf_path"`
	// Abgeleitet: true genau dann, wenn unter ProtocolPDFPath eine Datei liegt.
	// Wird ausschließlich vom Downloader gesetzt.
	HasProtocolDoc bool `json:"has_protocol_doc" gorm:"column:has_protocol_doc"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Trial) TableName() string {
	return "trials"
}
