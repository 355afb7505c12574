package services

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"trial-hand/models"
)

// Classification beschreibt das Ergebnis eines Upserts.
type Classification string

const (
	ClassNew       Classification = "new"
	ClassUnchanged Classification = "unchanged"
	ClassUpdated   Classification = "updated"
)

// UpsertEngine entscheidet pro Trial, ob es neu, unverändert oder geändert
// ist, und schreibt nur die tatsächlich geänderten Spalten. Jeder Upsert
// läuft in einer eigenen Transaktion.
type UpsertEngine struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewUpsertEngine erstellt eine neue Instanz der UpsertEngine.
func NewUpsertEngine(db *gorm.DB, logger *zap.Logger) *UpsertEngine {
	return &UpsertEngine{DB: db, Logger: logger}
}

// Upsert fügt das Trial ein oder aktualisiert die bestehende Zeile anhand der
// NCT-ID. ProtocolPDFPath/HasProtocolDoc gehören dem Downloader und fließen
// nicht in den Vergleich ein; Indication behält den Erstfund.
func (e *UpsertEngine) Upsert(trial *models.Trial) (Classification, error) {
	var result Classification
	err := e.DB.Transaction(func(tx *gorm.DB) error {
		var existing models.Trial
		err := tx.Where("nct_id = ?", trial.NCTID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(trial).Error; err != nil {
				return fmt.Errorf("insert %s: %w", trial.NCTID, err)
			}
			result = ClassNew
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup %s: %w", trial.NCTID, err)
		}

		// Bestehende Zeile gewinnt bei Indication (Erstfund) und beim
		// Dokument-Status; das In-Memory-Trial wird angeglichen, damit der
		// Downloader mit den gespeicherten Werten arbeitet.
		trial.Indication = existing.Indication
		trial.ProtocolPDFPath = existing.ProtocolPDFPath
		trial.HasProtocolDoc = existing.HasProtocolDoc

		changes := diffTrial(&existing, trial)
		if len(changes) == 0 {
			result = ClassUnchanged
			return nil
		}
		if err := tx.Model(&models.Trial{}).Where("nct_id = ?", trial.NCTID).Updates(changes).Error; err != nil {
			return fmt.Errorf("update %s: %w", trial.NCTID, err)
		}
		result = ClassUpdated
		return nil
	})
	if err != nil {
		return "", err
	}
	if result == ClassUpdated {
		e.Logger.Debug("Trial aktualisiert", zap.String("nct_id", trial.NCTID))
	}
	return result, nil
}

// diffTrial vergleicht die getrackten Metadaten-Felder und liefert eine
// Update-Map nur mit den abweichenden Spalten.
func diffTrial(existing, incoming *models.Trial) map[string]interface{} {
	changes := map[string]interface{}{}

	if existing.OfficialTitle != incoming.OfficialTitle {
		changes["official_title"] = incoming.OfficialTitle
	}
	if existing.BriefTitle != incoming.BriefTitle {
		changes["brief_title"] = incoming.BriefTitle
	}
	if existing.Sponsor != incoming.Sponsor {
		changes["sponsor"] = incoming.Sponsor
	}
	if existing.SponsorClass != incoming.SponsorClass {
		changes["sponsor_class"] = incoming.SponsorClass
	}
	if !intPtrEqual(existing.Year, incoming.Year) {
		changes["year"] = incoming.Year
	}
	if !timePtrEqual(existing.StartDate, incoming.StartDate) {
		changes["start_date"] = incoming.StartDate
	}
	if !timePtrEqual(existing.CompletionDate, incoming.CompletionDate) {
		changes["completion_date"] = incoming.CompletionDate
	}
	if existing.Conditions != incoming.Conditions {
		changes["conditions"] = incoming.Conditions
	}
	if existing.Phase != incoming.Phase {
		changes["phase"] = incoming.Phase
	}
	if existing.StudyType != incoming.StudyType {
		changes["study_type"] = incoming.StudyType
	}
	if existing.OverallStatus != incoming.OverallStatus {
		changes["overall_status"] = incoming.OverallStatus
	}
	if !intPtrEqual(existing.Enrollment, incoming.Enrollment) {
		changes["enrollment"] = incoming.Enrollment
	}
	if existing.Interventions != incoming.Interventions {
		changes["interventions"] = incoming.Interventions
	}
	if existing.ProtocolURL != incoming.ProtocolURL {
		changes["protocol_url"] = incoming.ProtocolURL
	}

	return changes
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
