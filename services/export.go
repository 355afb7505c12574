package services

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"trial-hand/models"
)

// Exporter schreibt einen Read-only-Snapshot der Trials als CSV.
type Exporter struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewExporter erstellt eine neue Instanz des Exporters.
func NewExporter(db *gorm.DB, logger *zap.Logger) *Exporter {
	return &Exporter{DB: db, Logger: logger}
}

var csvHeader = []string{
	"nct_id", "official_title", "brief_title", "sponsor", "sponsor_class",
	"year", "start_date", "completion_date", "indication", "conditions",
	"phase", "study_type", "overall_status", "enrollment", "interventions",
	"protocol_url", "protocol_pdf_path", "has_protocol_doc",
}

// ExportCSV schreibt alle Trials (optional auf eine Indikation gefiltert)
// nach w und gibt die Zeilenanzahl zurück.
func (e *Exporter) ExportCSV(w io.Writer, indication string) (int, error) {
	query := e.DB.Model(&models.Trial{}).Order("indication, year desc, nct_id")
	if indication != "" {
		query = query.Where("indication = ?", indication)
	}

	var trials []models.Trial
	if err := query.Find(&trials).Error; err != nil {
		return 0, fmt.Errorf("load trials: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, err
	}
	for i := range trials {
		if err := cw.Write(csvRow(&trials[i])); err != nil {
			return i, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return len(trials), err
	}

	e.Logger.Info("CSV-Export abgeschlossen", zap.Int("rows", len(trials)), zap.String("indication", indication))
	return len(trials), nil
}

func csvRow(t *models.Trial) []string {
	return []string{
		t.NCTID, t.OfficialTitle, t.BriefTitle, t.Sponsor, t.SponsorClass,
		intPtrString(t.Year), dateString(t.StartDate), dateString(t.CompletionDate),
		t.Indication, t.Conditions, t.Phase, t.StudyType, t.OverallStatus,
		intPtrString(t.Enrollment), t.Interventions,
		t.ProtocolURL, t.ProtocolPDFPath, strconv.FormatBool(t.HasProtocolDoc),
	}
}

func intPtrString(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func dateString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
