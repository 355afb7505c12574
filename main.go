package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"trial-hand/config"
	"trial-hand/models"
	"trial-hand/registry"
	"trial-hand/services"
)

var (
	trialsInsertedCounter prometheus.Counter
	trialsUpdatedCounter  prometheus.Counter
	docsDownloadedCounter prometheus.Counter
	docsFailedCounter     prometheus.Counter
)

func init() {
	trialsInsertedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trials_inserted_total",
		Help: "Total number of new trials added to the database.",
	})
	trialsUpdatedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trials_updated_total",
		Help: "Total number of trials updated from the registry.",
	})
	docsDownloadedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "protocol_docs_downloaded_total",
		Help: "Total number of protocol PDFs downloaded.",
	})
	docsFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "protocol_docs_failed_total",
		Help: "Total number of protocol PDF downloads that failed.",
	})
	prometheus.MustRegister(trialsInsertedCounter, trialsUpdatedCounter, docsDownloadedCounter, docsFailedCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to trials database.")

	logging.Info("Running database auto-migration...")
	if err := db.AutoMigrate(&models.Trial{}, &models.Indication{}, &models.RunHistory{}); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	seedDefaultIndications(db, cfg, logging)

	registryClient := registry.NewClient(cfg, logging)
	syncService := services.NewSyncService(cfg, db, registryClient, logging)
	exporter := services.NewExporter(db, logging)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupTrialRoutes(router, db, registryClient, syncService.Normalizer, logging)
	setupIndicationRoutes(router, db, logging)
	setupSyncRoutes(router, db, cfg, syncService, logging)
	setupStatsRoutes(router, db, logging)
	setupHistoryRoutes(router, db, logging)
	setupExportRoutes(router, exporter, logging)

	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled sync job...")
		run, err := syncService.Run(context.Background(), services.RunOptions{
			Indications:  loadIndications(db, cfg),
			DownloadPDFs: cfg.DownloadPDFs,
			MaxStudies:   cfg.MaxStudies,
		})
		if err != nil {
			logging.Error("Cron job failed", zap.Error(err))
			return
		}
		recordRunMetrics(run)
		logging.Info("Cron job completed", zap.String("status", run.Status), zap.Int("inserted", run.Inserted))
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func recordRunMetrics(run *models.RunHistory) {
	trialsInsertedCounter.Add(float64(run.Inserted))
	trialsUpdatedCounter.Add(float64(run.Updated))
	docsDownloadedCounter.Add(float64(run.DocsDownloaded))
	docsFailedCounter.Add(float64(run.DocsFailed))
}

// loadIndications liest die Arbeitsliste aus der DB; fällt auf die
// konfigurierten Defaults zurück, falls die Tabelle leer ist.
func loadIndications(db *gorm.DB, cfg *config.Config) []string {
	var indications []models.Indication
	if err := db.Find(&indications).Error; err != nil || len(indications) == 0 {
		return cfg.Indications()
	}
	names := make([]string, 0, len(indications))
	for _, ind := range indications {
		names = append(names, ind.Name)
	}
	return names
}

func setupTrialRoutes(router *gin.Engine, db *gorm.DB, client *registry.Client, normalizer *services.Normalizer, log *zap.Logger) {
	rg := router.Group("/trials")

	rg.GET("/:nctid", func(c *gin.Context) {
		nctID := c.Param("nctid")
		var trial models.Trial
		if err := db.Where("nct_id = ?", nctID).First(&trial).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "trial not found"})
				return
			}
			log.Error("DB error fetching trial", zap.String("nct_id", nctID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, trial)
	})

	// Live-Lookup direkt gegen die Registry, ohne den Store anzufassen.
	rg.GET("/:nctid/registry", func(c *gin.Context) {
		nctID := c.Param("nctid")
		study, err := client.GetStudy(c.Request.Context(), nctID)
		if err != nil {
			log.Error("Registry lookup failed", zap.String("nct_id", nctID), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "registry lookup failed"})
			return
		}
		trial, err := normalizer.Normalize(study, "")
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "study not found in registry"})
			return
		}
		c.JSON(http.StatusOK, trial)
	})

	// Body-gesteuerter Endpunkt für komplexe Abfragen.
	rg.POST("/query", func(c *gin.Context) {
		type TrialQuery struct {
			Indication     string `json:"indication"`
			Phase          string `json:"phase"`
			OverallStatus  string `json:"overall_status"`
			SponsorClass   string `json:"sponsor_class"`
			Year           *int   `json:"year"`
			HasProtocolDoc *bool  `json:"has_protocol_doc"`
			Limit          int    `json:"limit"`
		}

		var req TrialQuery
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		query := db.Model(&models.Trial{})
		if req.Indication != "" {
			query = query.Where("indication = ?", req.Indication)
		}
		if req.Phase != "" {
			query = query.Where("phase = ?", req.Phase)
		}
		if req.OverallStatus != "" {
			query = query.Where("overall_status = ?", req.OverallStatus)
		}
		if req.SponsorClass != "" {
			query = query.Where("sponsor_class = ?", req.SponsorClass)
		}
		if req.Year != nil {
			query = query.Where("year = ?", *req.Year)
		}
		if req.HasProtocolDoc != nil {
			query = query.Where("has_protocol_doc = ?", *req.HasProtocolDoc)
		}
		if req.Limit > 0 {
			query = query.Limit(req.Limit)
		}

		var trials []models.Trial
		if err := query.Order("year desc, nct_id").Find(&trials).Error; err != nil {
			log.Error("Database query for trials failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, trials)
	})

	// Stichwort-Suche über NCT-ID, Titel und Conditions.
	rg.GET("/", func(c *gin.Context) {
		q := c.Query("q")
		if q == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter 'q' is required"})
			return
		}
		pattern := "%" + q + "%"

		query := db.Model(&models.Trial{}).Where(
			"nct_id ILIKE ? OR official_title ILIKE ? OR brief_title ILIKE ? OR conditions ILIKE ?",
			pattern, pattern, pattern, pattern)
		if ind := c.Query("indication"); ind != "" {
			query = query.Where("indication = ?", ind)
		}

		var trials []models.Trial
		if err := query.Order("year desc").Limit(100).Find(&trials).Error; err != nil {
			log.Error("Trial search failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, trials)
	})
}

func setupIndicationRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	rg := router.Group("/indications")
	rg.POST("/", func(c *gin.Context) {
		var ind models.Indication
		if err := c.ShouldBindJSON(&ind); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := db.Create(&ind).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create indication"})
			return
		}
		c.JSON(http.StatusCreated, ind)
	})
	rg.GET("/", func(c *gin.Context) {
		var inds []models.Indication
		if err := db.Find(&inds).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, inds)
	})
}

func setupSyncRoutes(router *gin.Engine, db *gorm.DB, cfg *config.Config, syncService *services.SyncService, log *zap.Logger) {
	rg := router.Group("/sync")

	rg.POST("/run", func(c *gin.Context) {
		var req struct {
			Indications  []string `json:"indications"`
			DownloadPDFs *bool    `json:"download_pdfs"`
			MaxStudies   int      `json:"max_studies"`
		}
		// Leerer Body ist erlaubt: dann gelten die Defaults.
		_ = c.ShouldBindJSON(&req)

		opts := services.RunOptions{
			Indications:  req.Indications,
			DownloadPDFs: cfg.DownloadPDFs,
			MaxStudies:   req.MaxStudies,
		}
		if len(opts.Indications) == 0 {
			opts.Indications = loadIndications(db, cfg)
		}
		if req.DownloadPDFs != nil {
			opts.DownloadPDFs = *req.DownloadPDFs
		}
		if opts.MaxStudies == 0 {
			opts.MaxStudies = cfg.MaxStudies
		}

		go func() {
			run, err := syncService.Run(context.Background(), opts)
			if errors.Is(err, services.ErrRunInProgress) {
				log.Warn("Sync run rejected: another run is active")
				return
			}
			if err != nil {
				log.Error("Async sync run failed", zap.Error(err))
			}
			if run != nil {
				recordRunMetrics(run)
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": fmt.Sprintf("Sync for %d indications triggered.", len(opts.Indications))})
	})

	rg.POST("/download-missing", func(c *gin.Context) {
		var req struct {
			Indication string `json:"indication"`
		}
		_ = c.ShouldBindJSON(&req)

		go func() {
			run, err := syncService.DownloadMissing(context.Background(), req.Indication)
			if errors.Is(err, services.ErrRunInProgress) {
				log.Warn("Download-missing rejected: another run is active")
				return
			}
			if err != nil {
				log.Error("Async download-missing failed", zap.Error(err))
			}
			if run != nil {
				recordRunMetrics(run)
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Download of missing protocols triggered."})
	})
}

func setupStatsRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	type statsRow struct {
		TotalStudies    int  `json:"total_studies"`
		WithProtocols   int  `json:"with_protocols"`
		IndicationCount int  `json:"indication_count"`
		EarliestYear    *int `json:"earliest_year"`
		LatestYear      *int `json:"latest_year"`
	}

	queryStats := func(indication string) (*statsRow, error) {
		var row statsRow
		q := `SELECT COUNT(*) AS total_studies,
			COALESCE(SUM(CASE WHEN has_protocol_doc THEN 1 ELSE 0 END), 0) AS with_protocols,
			COUNT(DISTINCT indication) AS indication_count,
			MIN(year) AS earliest_year,
			MAX(year) AS latest_year
			FROM trials`
		var err error
		if indication != "" {
			err = db.Raw(q+" WHERE indication = ?", indication).Scan(&row).Error
		} else {
			err = db.Raw(q).Scan(&row).Error
		}
		return &row, err
	}

	rg := router.Group("/stats")
	rg.GET("/", func(c *gin.Context) {
		overall, err := queryStats("")
		if err != nil {
			log.Error("Stats query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		byIndication := gin.H{}
		var names []string
		if err := db.Model(&models.Trial{}).Distinct("indication").Order("indication").Pluck("indication", &names).Error; err == nil {
			for _, name := range names {
				if stats, err := queryStats(name); err == nil {
					byIndication[name] = stats
				}
			}
		}
		c.JSON(http.StatusOK, gin.H{"overall": overall, "by_indication": byIndication})
	})
	rg.GET("/:indication", func(c *gin.Context) {
		stats, err := queryStats(c.Param("indication"))
		if err != nil {
			log.Error("Stats query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}

func setupHistoryRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	router.GET("/history", func(c *gin.Context) {
		limit := 20
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		var runs []models.RunHistory
		if err := db.Order("created_at desc").Limit(limit).Find(&runs).Error; err != nil {
			log.Error("History query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, runs)
	})
}

func setupExportRoutes(router *gin.Engine, exporter *services.Exporter, log *zap.Logger) {
	router.GET("/export", func(c *gin.Context) {
		indication := c.Query("indication")
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="trials.csv"`)
		if _, err := exporter.ExportCSV(c.Writer, indication); err != nil {
			log.Error("CSV export failed", zap.Error(err))
		}
	})
}

func seedDefaultIndications(db *gorm.DB, cfg *config.Config, logger *zap.Logger) {
	var count int64
	db.Model(&models.Indication{}).Count(&count)
	if count > 0 {
		return
	}
	var indications []models.Indication
	for _, name := range cfg.Indications() {
		indications = append(indications, models.Indication{Name: name})
	}
	if len(indications) == 0 {
		return
	}
	if err := db.Create(&indications).Error; err != nil {
		logger.Warn("Failed to seed default indications", zap.Error(err))
	} else {
		logger.Info("Default indications seeded.")
	}
}
