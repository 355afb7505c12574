package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// ClinicalTrials.gov API v2
	RegistryBaseURL string        `envconfig:"REGISTRY_BASE_URL" default:"https://clinicaltrials.gov/api/v2"`
	PageSize        int           `envconfig:"REGISTRY_PAGE_SIZE" default:"100"`
	RequestInterval time.Duration `envconfig:"REGISTRY_REQUEST_INTERVAL" default:"1500ms"`
	MaxAttempts     int           `envconfig:"REGISTRY_MAX_ATTEMPTS" default:"5"`
	RetryBaseDelay  time.Duration `envconfig:"REGISTRY_RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay   time.Duration `envconfig:"REGISTRY_RETRY_MAX_DELAY" default:"30s"`

	// Suchfenster: nur Studien mit Startdatum innerhalb der letzten N Jahre.
	DateWindowYears int `envconfig:"DATE_WINDOW_YEARS" default:"20"`

	ProtocolsDir string `envconfig:"PROTOCOLS_DIR" default:"./protocols"`
	DownloadPDFs bool   `envconfig:"DOWNLOAD_PDFS" default:"true"`
	// 0 = unbegrenzt; für Testläufe auf wenige Studien pro Indikation begrenzen.
	MaxStudies int `envconfig:"MAX_STUDIES_PER_INDICATION" default:"0"`

	CronSchedule       string `envconfig:"CRON_SCHEDULE" default:"0 0 * * 0"`
	DefaultIndications string `envconfig:"DEFAULT_INDICATIONS" default:"obesity,prostate cancer,lung cancer"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Indications liefert die Default-Indikationen als bereinigte Liste.
func (c *Config) Indications() []string {
	var out []string
	for _, s := range strings.Split(c.DefaultIndications, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
