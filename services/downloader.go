package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"trial-hand/config"
	"trial-hand/models"
)

// httpClient wird für alle Dokument-Downloads verwendet.
var httpClient = &http.Client{Timeout: 120 * time.Second}

var folderUnsafe = regexp.MustCompile(`[^\w\s-]`)
var folderSpaces = regexp.MustCompile(`\s+`)

// Downloader lädt Studienprotokolle (PDF) auf deterministische Pfade unterhalb
// des Protokoll-Verzeichnisses und hält ProtocolPDFPath/HasProtocolDoc in der
// Datenbank mit dem Dateisystem synchron.
type Downloader struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *zap.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// NewDownloader erstellt eine neue Instanz des Downloaders.
func NewDownloader(cfg *config.Config, db *gorm.DB, logger *zap.Logger) *Downloader {
	return &Downloader{Config: cfg, DB: db, Logger: logger}
}

// DocumentPath liefert den deterministischen Zielpfad für das Protokoll einer
// Studie: <protocols-root>/<indikations-ordner>/<nct_id>.pdf
func (d *Downloader) DocumentPath(indication, nctID string) string {
	return filepath.Join(d.Config.ProtocolsDir, sanitizeFolderName(indication), nctID+".pdf")
}

// EnsureDocument stellt sicher, dass das Protokoll lokal vorliegt. Existiert
// die Datei bereits (nicht leer), wird kein Netzwerk-Call gemacht. Gibt true
// zurück, wenn tatsächlich heruntergeladen wurde.
func (d *Downloader) EnsureDocument(ctx context.Context, trial *models.Trial) (bool, error) {
	if trial.ProtocolURL == "" {
		return false, nil
	}
	path := d.DocumentPath(trial.Indication, trial.NCTID)
	log := d.Logger.With(zap.String("nct_id", trial.NCTID), zap.String("path", path))

	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		log.Debug("Protokoll bereits vorhanden, Download übersprungen.")
		return false, d.markStored(trial, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create indication folder: %w", err)
	}

	log.Info("Starte Protokoll-Download", zap.String("url", trial.ProtocolURL))
	if err := d.downloadFile(ctx, trial.ProtocolURL, path); err != nil {
		return false, err
	}
	if err := d.markStored(trial, path); err != nil {
		return true, err
	}
	log.Info("Protokoll erfolgreich gespeichert.")
	return true, nil
}

// downloadFile lädt die URL mit Backoff-Wiederholung herunter. Geschrieben
// wird in eine temporäre Datei, die erst nach vollständigem Download atomar
// an den Zielpfad verschoben wird; ein Abbruch hinterlässt nie eine
// unvollständige Datei unter dem finalen Namen.
func (d *Downloader) downloadFile(ctx context.Context, url, path string) error {
	var lastErr error
	for attempt := 0; attempt < d.Config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := d.Config.RetryBaseDelay << (attempt - 1)
			if d.Config.RetryMaxDelay > 0 && delay > d.Config.RetryMaxDelay {
				delay = d.Config.RetryMaxDelay
			}
			delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := d.throttle(ctx); err != nil {
			return err
		}

		err := d.tryDownload(ctx, url, path)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		d.Logger.Warn("Download fehlgeschlagen, wiederhole",
			zap.String("url", url), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("download failed after %d attempts: %w", d.Config.MaxAttempts, lastErr)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func (d *Downloader) tryDownload(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "trial-hand/1.0")

	resp, err := httpClient.Do(req)
	if err != nil {
		return &transientError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &transientError{fmt.Errorf("bad status: %s", resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "pdf") && !strings.HasSuffix(strings.ToLower(url), ".pdf") {
		d.Logger.Warn("Antwort sieht nicht nach PDF aus", zap.String("content_type", contentType), zap.String("url", url))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &transientError{err}
	}
	if written == 0 {
		return &transientError{fmt.Errorf("empty response body")}
	}
	return os.Rename(tmp.Name(), path)
}

// markStored zieht die DB-Zeile nach: Pfad setzen und HasProtocolDoc aus der
// tatsächlichen Datei-Existenz ableiten.
func (d *Downloader) markStored(trial *models.Trial, path string) error {
	if trial.ProtocolPDFPath == path && trial.HasProtocolDoc {
		return nil
	}
	err := d.DB.Model(&models.Trial{}).Where("nct_id = ?", trial.NCTID).Updates(map[string]interface{}{
		"protocol_pdf_path": path,
		"has_protocol_doc":  true,
	}).Error
	if err != nil {
		return fmt.Errorf("mark stored %s: %w", trial.NCTID, err)
	}
	trial.ProtocolPDFPath = path
	trial.HasProtocolDoc = true
	return nil
}

// MarkMissing setzt HasProtocolDoc zurück, wenn die Datei nicht (mehr) auf
// der Platte liegt. Hält die abgeleitete Spalte mit dem Dateisystem konsistent.
func (d *Downloader) MarkMissing(trial *models.Trial) error {
	if !trial.HasProtocolDoc {
		return nil
	}
	err := d.DB.Model(&models.Trial{}).Where("nct_id = ?", trial.NCTID).
		Update("has_protocol_doc", false).Error
	if err != nil {
		return err
	}
	trial.HasProtocolDoc = false
	return nil
}

// throttle hält denselben Mindestabstand ein wie der Registry-Client.
func (d *Downloader) throttle(ctx context.Context) error {
	d.mu.Lock()
	wait := d.Config.RequestInterval - time.Since(d.lastRequest)
	if wait > 0 {
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		d.mu.Lock()
	}
	d.lastRequest = time.Now()
	d.mu.Unlock()
	return nil
}

// sanitizeFolderName macht aus einer Indikation einen sicheren Ordnernamen
// ("prostate cancer" -> "prostate_cancer").
func sanitizeFolderName(name string) string {
	s := folderUnsafe.ReplaceAllString(strings.ToLower(name), "")
	s = folderSpaces.ReplaceAllString(strings.TrimSpace(s), "_")
	if s == "" {
		s = "misc"
	}
	return s
}
