package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"trial-hand/config"
	"trial-hand/models"
	"trial-hand/registry"
)

// ErrRunInProgress wird zurückgegeben, wenn bereits ein Lauf aktiv ist.
// Zwei gleichzeitige Läufe gegen denselben Store sind nicht unterstützt.
var ErrRunInProgress = errors.New("a sync run is already in progress")

var errStoreUnreachable = errors.New("store unreachable")

// Nach so vielen Store-Fehlern in Folge gilt die Datenbank als nicht
// erreichbar und der Lauf bricht ab.
const storeErrLimit = 3

// RunOptions steuern einen einzelnen Sync-Lauf.
type RunOptions struct {
	Indications  []string
	DownloadPDFs bool
	MaxStudies   int // 0 = unbegrenzt, pro Indikation
}

// SyncService orchestriert einen End-to-End-Lauf: Seiten holen, normalisieren,
// upserten, Protokolle laden, RunHistory schreiben.
type SyncService struct {
	Config     *config.Config
	DB         *gorm.DB
	Source     registry.StudySource
	Normalizer *Normalizer
	Upserts    *UpsertEngine
	Downloader *Downloader
	Logger     *zap.Logger

	running atomic.Bool
}

// NewSyncService erstellt eine neue Instanz des SyncService.
func NewSyncService(cfg *config.Config, db *gorm.DB, source registry.StudySource, logger *zap.Logger) *SyncService {
	return &SyncService{
		Config:     cfg,
		DB:         db,
		Source:     source,
		Normalizer: NewNormalizer(logger),
		Upserts:    NewUpsertEngine(db, logger),
		Downloader: NewDownloader(cfg, db, logger),
		Logger:     logger,
	}
}

// Run führt einen Lauf über die gegebenen Indikationen aus. Es wird immer
// eine RunHistory-Zeile geschrieben, auch bei Abbruch. Ein abgebrochener
// Kontext stoppt nach dem laufenden Datensatz und hinterlässt "partial".
func (s *SyncService) Run(ctx context.Context, opts RunOptions) (*models.RunHistory, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	run := &models.RunHistory{
		Indications: strings.Join(opts.Indications, ", "),
		Status:      models.RunStatusSuccess,
	}
	log := s.Logger.With(zap.Strings("indications", opts.Indications))
	log.Info("Starte Sync-Lauf", zap.Bool("download_pdfs", opts.DownloadPDFs), zap.Int("max_studies", opts.MaxStudies))

	var runErr error
	for _, indication := range opts.Indications {
		if ctx.Err() != nil {
			break
		}
		if err := s.syncIndication(ctx, indication, opts, run); err != nil {
			run.Status = models.RunStatusFailed
			runErr = err
			break
		}
	}

	if run.Status != models.RunStatusFailed {
		if ctx.Err() != nil || run.PagesFailed > 0 {
			run.Status = models.RunStatusPartial
		}
	}
	run.DurationSeconds = time.Since(start).Seconds()
	s.writeHistory(run)

	log.Info("Sync-Lauf beendet",
		zap.String("status", run.Status),
		zap.Int("seen", run.StudiesSeen),
		zap.Int("inserted", run.Inserted),
		zap.Int("updated", run.Updated),
		zap.Int("unchanged", run.Unchanged),
		zap.Int("docs_downloaded", run.DocsDownloaded),
		zap.Float64("duration_s", run.DurationSeconds))
	return run, runErr
}

// syncIndication verarbeitet alle Seiten einer Indikation. Ein Seitenfehler
// (nach den Wiederholungen des Clients) wird gezählt und beendet nur diese
// Indikation; errStoreUnreachable bricht den gesamten Lauf ab.
func (s *SyncService) syncIndication(ctx context.Context, indication string, opts RunOptions, run *models.RunHistory) error {
	log := s.Logger.With(zap.String("indication", indication))
	log.Info("Verarbeite Indikation.")

	pager := s.Source.Search(indication, opts.MaxStudies)
	storeErrs := 0

	for {
		if ctx.Err() != nil {
			return nil
		}
		page, err := pager.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			run.PagesFailed++
			log.Error("Seite konnte nicht geladen werden, Indikation wird beendet", zap.Error(err))
			return nil
		}
		if page == nil {
			log.Info("Indikation abgeschlossen.")
			return nil
		}

		for i := range page {
			if ctx.Err() != nil {
				return nil
			}
			run.StudiesSeen++

			trial, err := s.Normalizer.Normalize(&page[i], indication)
			if err != nil {
				run.Skipped++
				log.Warn("Datensatz ohne NCT-ID übersprungen")
				continue
			}

			class, err := s.Upserts.Upsert(trial)
			if err != nil {
				storeErrs++
				log.Error("Upsert fehlgeschlagen", zap.String("nct_id", trial.NCTID), zap.Error(err))
				if storeErrs >= storeErrLimit {
					return errStoreUnreachable
				}
				continue
			}
			storeErrs = 0

			switch class {
			case ClassNew:
				run.Inserted++
			case ClassUpdated:
				run.Updated++
			case ClassUnchanged:
				run.Unchanged++
			}

			if opts.DownloadPDFs && trial.ProtocolURL != "" {
				downloaded, err := s.Downloader.EnsureDocument(ctx, trial)
				if err != nil {
					run.DocsFailed++
					log.Warn("Protokoll-Download fehlgeschlagen", zap.String("nct_id", trial.NCTID), zap.Error(err))
				} else if downloaded {
					run.DocsDownloaded++
				}
			}
		}
	}
}

// DownloadMissing lädt Protokolle für bereits gespeicherte Trials nach, die
// eine URL, aber kein lokales Dokument haben, und gleicht HasProtocolDoc mit
// dem Dateisystem ab. Fetch/Normalize/Upsert werden dabei komplett umgangen.
func (s *SyncService) DownloadMissing(ctx context.Context, indication string) (*models.RunHistory, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	label := indication
	if label == "" {
		label = "all"
	}
	run := &models.RunHistory{Indications: "download-missing: " + label, Status: models.RunStatusSuccess}
	log := s.Logger.With(zap.String("indication", label))
	log.Info("Suche Trials mit fehlendem Protokoll.")

	query := s.DB.Where("protocol_url <> ''")
	if indication != "" {
		query = query.Where("indication = ?", indication)
	}
	var trials []models.Trial
	if err := query.Find(&trials).Error; err != nil {
		run.Status = models.RunStatusFailed
		run.DurationSeconds = time.Since(start).Seconds()
		s.writeHistory(run)
		return run, err
	}

	for i := range trials {
		if ctx.Err() != nil {
			run.Status = models.RunStatusPartial
			break
		}
		trial := &trials[i]
		run.StudiesSeen++

		downloaded, err := s.Downloader.EnsureDocument(ctx, trial)
		if err != nil {
			run.DocsFailed++
			if markErr := s.Downloader.MarkMissing(trial); markErr != nil {
				log.Error("Konnte HasProtocolDoc nicht zurücksetzen", zap.String("nct_id", trial.NCTID), zap.Error(markErr))
			}
			log.Warn("Protokoll-Download fehlgeschlagen", zap.String("nct_id", trial.NCTID), zap.Error(err))
			continue
		}
		if downloaded {
			run.DocsDownloaded++
		}
	}

	run.DurationSeconds = time.Since(start).Seconds()
	s.writeHistory(run)
	log.Info("Download-Missing beendet",
		zap.Int("candidates", run.StudiesSeen),
		zap.Int("downloaded", run.DocsDownloaded),
		zap.Int("failed", run.DocsFailed))
	return run, nil
}

// writeHistory persistiert die RunHistory-Zeile. Scheitert auch das, bleibt
// nur der Log-Eintrag.
func (s *SyncService) writeHistory(run *models.RunHistory) {
	if err := s.DB.Create(run).Error; err != nil {
		s.Logger.Error("Konnte RunHistory nicht schreiben", zap.Error(err))
	}
}
