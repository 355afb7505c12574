package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"trial-hand/models"
	"trial-hand/registry"
)

// ErrMissingNCTID markiert einen Datensatz ohne Primärschlüssel. Solche
// Datensätze werden übersprungen und gezählt, nie gespeichert.
var ErrMissingNCTID = errors.New("study record has no nct id")

// Normalizer wandelt Roh-Datensätze der Registry in unser Trial-Modell um.
// Fehlende oder unbrauchbare optionale Felder degradieren zu null; nur eine
// fehlende NCT-ID macht den Datensatz unbrauchbar.
type Normalizer struct {
	Logger *zap.Logger
}

// NewNormalizer erstellt einen neuen Normalizer.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{Logger: logger}
}

// Normalize bildet eine Study auf das Trial-Schema ab. indication ist der
// Suchbegriff, über den der Datensatz gefunden wurde.
func (n *Normalizer) Normalize(study *registry.Study, indication string) (*models.Trial, error) {
	ps := &study.ProtocolSection

	nctID := strings.TrimSpace(ps.IdentificationModule.NCTID)
	if nctID == "" {
		return nil, ErrMissingNCTID
	}
	log := n.Logger.With(zap.String("nct_id", nctID))

	trial := &models.Trial{
		NCTID:         nctID,
		OfficialTitle: ps.IdentificationModule.OfficialTitle,
		BriefTitle:    ps.IdentificationModule.BriefTitle,
		Sponsor:       ps.SponsorCollaboratorsModule.LeadSponsor.Name,
		SponsorClass:  ps.SponsorCollaboratorsModule.LeadSponsor.Class,
		Indication:    indication,
		StudyType:     ps.DesignModule.StudyType,
		OverallStatus: ps.StatusModule.OverallStatus,
	}

	if d := ps.StatusModule.StartDateInfo.Date; d != "" {
		if t, err := parsePartialDate(d); err != nil {
			log.Warn("Startdatum nicht parsebar, Feld bleibt leer", zap.String("date", d))
		} else {
			trial.StartDate = &t
			year := t.Year()
			trial.Year = &year
		}
	}
	if d := ps.StatusModule.CompletionInfo.Date; d != "" {
		if t, err := parsePartialDate(d); err != nil {
			log.Warn("Abschlussdatum nicht parsebar, Feld bleibt leer", zap.String("date", d))
		} else {
			trial.CompletionDate = &t
		}
	}

	if phases := ps.DesignModule.Phases; len(phases) > 0 {
		trial.Phase = strings.Join(phases, ", ")
	} else {
		trial.Phase = "N/A"
	}

	if count := ps.DesignModule.EnrollmentInfo.Count; count != nil {
		if *count < 0 {
			log.Warn("Negative Enrollment-Angabe ignoriert", zap.Int("count", *count))
		} else {
			c := *count
			trial.Enrollment = &c
		}
	}

	trial.Conditions = strings.Join(dedupOrdered(ps.ConditionsModule.Conditions), "; ")

	var interventions []string
	for _, iv := range ps.ArmsInterventionsModule.Interventions {
		if iv.Name == "" {
			continue
		}
		interventions = append(interventions, fmt.Sprintf("%s: %s", iv.Type, iv.Name))
	}
	trial.Interventions = strings.Join(dedupOrdered(interventions), "; ")

	trial.ProtocolURL = selectProtocolURL(nctID, study.DocumentSection.LargeDocumentModule.LargeDocs)

	return trial, nil
}

// selectProtocolURL wählt das Studienprotokoll aus den bereitgestellten
// Dokumenten: bevorzugt ein explizit als Protokoll markiertes Dokument,
// fällt auf SAP-Dokumente zurück, sonst keins.
func selectProtocolURL(nctID string, docs []registry.LargeDoc) string {
	pick := func(match func(registry.LargeDoc) bool) string {
		for _, doc := range docs {
			if doc.Filename != "" && match(doc) {
				return providedDocURL(nctID, doc.Filename)
			}
		}
		return ""
	}

	if u := pick(func(d registry.LargeDoc) bool {
		return d.HasProtocol || strings.Contains(strings.ToLower(d.Label), "protocol")
	}); u != "" {
		return u
	}
	return pick(func(d registry.LargeDoc) bool {
		return d.HasSAP || strings.Contains(strings.ToLower(d.Label), "sap")
	})
}

// providedDocURL baut die Download-URL nach dem ProvidedDocs-Schema der
// Registry: die letzten zwei Ziffern der NCT-ID bilden das Verzeichnis.
func providedDocURL(nctID, filename string) string {
	if len(nctID) < 2 {
		return ""
	}
	return fmt.Sprintf("https://clinicaltrials.gov/ProvidedDocs/%s/%s/%s", nctID[len(nctID)-2:], nctID, filename)
}

// parsePartialDate parst die partiellen Registry-Daten "2006", "2006-01"
// und "2006-01-02". Fehlende Monate/Tage werden auf 01 gesetzt.
func parsePartialDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format %q", s)
}

// dedupOrdered entfernt Duplikate unter Beibehaltung der Reihenfolge.
func dedupOrdered(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
