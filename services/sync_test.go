package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trial-hand/config"
	"trial-hand/models"
	"trial-hand/registry"
)

// fakeSource liefert vorbereitete Seiten pro Indikation, ohne Netzwerk.
type fakeSource struct {
	pages map[string][][]registry.Study
}

func (f *fakeSource) Search(indication string, maxStudies int) registry.Pager {
	return &fakePager{pages: f.pages[indication], errAt: -1}
}

// sourceFunc adaptiert eine Funktion an das StudySource-Interface.
type sourceFunc func(indication string, maxStudies int) registry.Pager

func (f sourceFunc) Search(indication string, maxStudies int) registry.Pager {
	return f(indication, maxStudies)
}

type fakePager struct {
	pages   [][]registry.Study
	next    int
	errAt   int // Seitenindex, an dem ein Fehler geliefert wird; -1 = nie
	block   chan struct{}
	started chan struct{}
}

func (p *fakePager) Next(ctx context.Context) ([]registry.Study, error) {
	if p.started != nil {
		close(p.started)
		p.started = nil
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.next == p.errAt {
		return nil, &registry.FetchError{Page: p.next, Err: errors.New("boom")}
	}
	if p.next >= len(p.pages) {
		return nil, nil
	}
	page := p.pages[p.next]
	p.next++
	return page, nil
}

func syncStudy(nctID, status string) registry.Study {
	var study registry.Study
	study.ProtocolSection.IdentificationModule.NCTID = nctID
	study.ProtocolSection.StatusModule.OverallStatus = status
	return study
}

func syncConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ProtocolsDir:    t.TempDir(),
		RequestInterval: time.Millisecond,
		MaxAttempts:     2,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   5 * time.Millisecond,
	}
}

func newSyncService(t *testing.T, db *gorm.DB, source registry.StudySource) *SyncService {
	t.Helper()
	return NewSyncService(syncConfig(t), db, source, zap.NewNop())
}

func historyCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.RunHistory{}).Count(&count).Error)
	return count
}

func TestRunSecondPassIsIdempotent(t *testing.T) {
	source := &fakeSource{pages: map[string][][]registry.Study{
		"diabetes": {{syncStudy("NCT00000001", "RECRUITING"), syncStudy("NCT00000002", "RECRUITING")}},
	}}
	db := newTestDB(t)
	svc := newSyncService(t, db, source)
	opts := RunOptions{Indications: []string{"diabetes"}}

	run1, err := svc.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run1.Status)
	assert.Equal(t, 2, run1.StudiesSeen)
	assert.Equal(t, 2, run1.Inserted)
	assert.Zero(t, run1.Updated)
	assert.Zero(t, run1.Unchanged)

	run2, err := svc.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Zero(t, run2.Inserted)
	assert.Zero(t, run2.Updated)
	assert.Equal(t, 2, run2.Unchanged)

	var trials int64
	require.NoError(t, db.Model(&models.Trial{}).Count(&trials).Error)
	assert.Equal(t, int64(2), trials)
	assert.Equal(t, int64(2), historyCount(t, db), "jeder Lauf schreibt genau eine History-Zeile")
}

func TestRunDetectsUpdatedRecords(t *testing.T) {
	source := &fakeSource{pages: map[string][][]registry.Study{
		"diabetes": {{syncStudy("NCT00000001", "RECRUITING")}},
	}}
	db := newTestDB(t)
	svc := newSyncService(t, db, source)
	opts := RunOptions{Indications: []string{"diabetes"}}

	_, err := svc.Run(context.Background(), opts)
	require.NoError(t, err)

	source.pages["diabetes"] = [][]registry.Study{{syncStudy("NCT00000001", "COMPLETED")}}
	run, err := svc.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Updated)
	assert.Zero(t, run.Inserted)

	var stored models.Trial
	require.NoError(t, db.Where("nct_id = ?", "NCT00000001").First(&stored).Error)
	assert.Equal(t, "COMPLETED", stored.OverallStatus)
}

func TestRunCountsSkippedRecords(t *testing.T) {
	source := &fakeSource{pages: map[string][][]registry.Study{
		"diabetes": {{syncStudy("", "RECRUITING"), syncStudy("NCT00000001", "RECRUITING")}},
	}}
	db := newTestDB(t)
	svc := newSyncService(t, db, source)

	run, err := svc.Run(context.Background(), RunOptions{Indications: []string{"diabetes"}})
	require.NoError(t, err)
	assert.Equal(t, 2, run.StudiesSeen)
	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, 1, run.Inserted)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
}

func TestRunPageFailureEndsIndicationOnly(t *testing.T) {
	pages := map[string][][]registry.Study{
		"diabetes": {{syncStudy("NCT00000001", "RECRUITING")}},
		"obesity":  {{syncStudy("NCT00000002", "RECRUITING")}},
	}
	// Die erste Indikation scheitert schon an Seite 0, die zweite läuft durch.
	source := sourceFunc(func(indication string, max int) registry.Pager {
		pager := &fakePager{pages: pages[indication], errAt: -1}
		if indication == "diabetes" {
			pager.errAt = 0
		}
		return pager
	})
	db := newTestDB(t)
	svc := newSyncService(t, db, source)

	run, err := svc.Run(context.Background(), RunOptions{Indications: []string{"diabetes", "obesity"}})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, run.Status)
	assert.Equal(t, 1, run.PagesFailed)
	assert.Equal(t, 1, run.Inserted, "die zweite Indikation wurde trotzdem verarbeitet")
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := sourceFunc(func(string, int) registry.Pager {
		return &fakePager{errAt: -1, block: release, started: started}
	})
	db := newTestDB(t)
	svc := newSyncService(t, db, blocking)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.Run(context.Background(), RunOptions{Indications: []string{"diabetes"}})
		assert.NoError(t, err)
	}()
	<-started

	_, err := svc.Run(context.Background(), RunOptions{Indications: []string{"obesity"}})
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	wg.Wait()

	// Nach dem Ende ist ein neuer Lauf wieder möglich.
	_, err = svc.Run(context.Background(), RunOptions{Indications: nil})
	assert.NoError(t, err)
}

func TestRunCancelledContextYieldsPartial(t *testing.T) {
	source := &fakeSource{pages: map[string][][]registry.Study{
		"diabetes": {{syncStudy("NCT00000001", "RECRUITING")}},
	}}
	db := newTestDB(t)
	svc := newSyncService(t, db, source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := svc.Run(ctx, RunOptions{Indications: []string{"diabetes"}})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, run.Status)
	assert.Zero(t, run.Inserted)
	assert.Equal(t, int64(1), historyCount(t, db), "auch ein Abbruch hinterlässt eine History-Zeile")
}

func TestRunReconcilesPreexistingProtocolFiles(t *testing.T) {
	study := syncStudy("NCT01234567", "COMPLETED")
	study.DocumentSection.LargeDocumentModule.LargeDocs = []registry.LargeDoc{
		{Label: "Study Protocol", Filename: "Prot_000.pdf", HasProtocol: true},
	}
	source := &fakeSource{pages: map[string][][]registry.Study{"obesity": {{study}}}}

	db := newTestDB(t)
	svc := newSyncService(t, db, source)

	// Datei liegt schon auf der Platte (z.B. aus einem früheren Lauf):
	// kein Download, aber die DB-Spalten werden nachgezogen.
	path := svc.Downloader.DocumentPath("obesity", "NCT01234567")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 fake protocol"), 0o644))

	run, err := svc.Run(context.Background(), RunOptions{Indications: []string{"obesity"}, DownloadPDFs: true})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Inserted)
	assert.Zero(t, run.DocsDownloaded)
	assert.Zero(t, run.DocsFailed)

	var stored models.Trial
	require.NoError(t, db.Where("nct_id = ?", "NCT01234567").First(&stored).Error)
	assert.True(t, stored.HasProtocolDoc)
	assert.Equal(t, path, stored.ProtocolPDFPath)
}

func TestDownloadMissingBackfillsDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4 fake protocol")
	}))
	defer srv.Close()

	db := newTestDB(t)
	require.NoError(t, db.Create(&models.Trial{
		NCTID: "NCT00000001", Indication: "obesity", Phase: "N/A",
		ProtocolURL: srv.URL + "/Prot_000.pdf",
	}).Error)
	require.NoError(t, db.Create(&models.Trial{
		NCTID: "NCT00000002", Indication: "obesity", Phase: "N/A",
	}).Error)

	svc := newSyncService(t, db, &fakeSource{})
	run, err := svc.DownloadMissing(context.Background(), "obesity")
	require.NoError(t, err)
	assert.Equal(t, 1, run.StudiesSeen, "Trials ohne URL sind keine Kandidaten")
	assert.Equal(t, 1, run.DocsDownloaded)
	assert.Zero(t, run.DocsFailed)

	var stored models.Trial
	require.NoError(t, db.Where("nct_id = ?", "NCT00000001").First(&stored).Error)
	assert.True(t, stored.HasProtocolDoc)
}

func TestDownloadMissingMarksFailuresMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	db := newTestDB(t)
	require.NoError(t, db.Create(&models.Trial{
		NCTID: "NCT00000001", Indication: "obesity", Phase: "N/A",
		ProtocolURL:    srv.URL + "/Prot_000.pdf",
		HasProtocolDoc: true, // veralteter Zustand, Datei existiert nicht
	}).Error)

	svc := newSyncService(t, db, &fakeSource{})
	run, err := svc.DownloadMissing(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, run.DocsFailed)

	var stored models.Trial
	require.NoError(t, db.Where("nct_id = ?", "NCT00000001").First(&stored).Error)
	assert.False(t, stored.HasProtocolDoc, "Flag wird mit dem Dateisystem abgeglichen")
}
