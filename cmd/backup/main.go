// Backup-Kommando: erstellt einen Dump der Trial-Datenbank und ein Archiv des
// Protokoll-Verzeichnisses und lädt beides in einen S3-Bucket hoch. Alte
// Backups werden rotiert.
package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kelseyhightower/envconfig"

	"trial-hand/storage"
)

type BackupConfig struct {
	PostgresHost     string `envconfig:"POSTGRES_HOST" required:"true"`
	PostgresUser     string `envconfig:"POSTGRES_USER" required:"true"`
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD" required:"true"`
	PostgresDB       string `envconfig:"POSTGRES_DB" required:"true"`

	ProtocolsDir string `envconfig:"PROTOCOLS_DIR" default:"./protocols"`

	BackupBucket    string `envconfig:"BACKUP_S3_BUCKET" required:"true"`
	BackupEndpoint  string `envconfig:"BACKUP_S3_ENDPOINT" required:"true"`
	BackupAccessKey string `envconfig:"BACKUP_S3_ACCESS_KEY" required:"true"`
	BackupSecretKey string `envconfig:"BACKUP_S3_SECRET_KEY" required:"true"`
	BackupRegion    string `envconfig:"BACKUP_S3_REGION" required:"true"`
	KeepBackups     int    `envconfig:"KEEP_BACKUPS" default:"4"`
}

func main() {
	log.Println("Starte Backup-Prozess...")

	var cfg BackupConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Fehler beim Laden der Konfiguration: %v", err)
	}

	settings := storage.S3Settings{
		Endpoint:  cfg.BackupEndpoint,
		Region:    cfg.BackupRegion,
		AccessKey: cfg.BackupAccessKey,
		SecretKey: cfg.BackupSecretKey,
		Bucket:    cfg.BackupBucket,
	}
	ctx := context.Background()

	s3Client, err := storage.NewS3Client(ctx, settings)
	if err != nil {
		log.Fatalf("Fehler beim Erstellen des S3-Clients: %v", err)
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")

	// 1. Datenbank-Dump
	dumpData, err := createDump(cfg)
	if err != nil {
		log.Fatalf("Fehler beim Erstellen des DB-Dumps: %v", err)
	}
	dumpKey := fmt.Sprintf("db/backup-%s.sql.gz", stamp)
	if _, err := storage.UploadFile(ctx, s3Client, settings, dumpKey, dumpData); err != nil {
		log.Fatalf("Fehler beim Hochladen des Dumps: %v", err)
	}
	log.Printf("DB-Dump nach s3://%s/%s hochgeladen", cfg.BackupBucket, dumpKey)

	// 2. Protokoll-Archiv
	archive, fileCount, err := archiveProtocols(cfg.ProtocolsDir)
	if err != nil {
		log.Fatalf("Fehler beim Archivieren der Protokolle: %v", err)
	}
	if fileCount == 0 {
		log.Println("Keine Protokolle vorhanden, Archiv wird übersprungen.")
	} else {
		archiveKey := fmt.Sprintf("protocols/protocols-%s.tar.gz", stamp)
		if _, err := storage.UploadFile(ctx, s3Client, settings, archiveKey, archive); err != nil {
			log.Fatalf("Fehler beim Hochladen des Protokoll-Archivs: %v", err)
		}
		log.Printf("%d Protokolle nach s3://%s/%s hochgeladen", fileCount, cfg.BackupBucket, archiveKey)
	}

	// 3. Alte Backups rotieren
	if err := rotateBackups(ctx, s3Client, cfg, "db/"); err != nil {
		log.Fatalf("Fehler bei der Rotation der DB-Backups: %v", err)
	}
	if err := rotateBackups(ctx, s3Client, cfg, "protocols/"); err != nil {
		log.Fatalf("Fehler bei der Rotation der Protokoll-Archive: %v", err)
	}

	log.Println("Backup-Prozess erfolgreich abgeschlossen.")
}

func createDump(cfg BackupConfig) ([]byte, error) {
	cmd := exec.Command("pg_dump",
		"-h", cfg.PostgresHost,
		"-U", cfg.PostgresUser,
		"-d", cfg.PostgresDB,
		"-w", // Passwort kommt über PGPASSWORD
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", cfg.PostgresPassword))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzipWriter, stdout); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// archiveProtocols packt das gesamte Protokoll-Verzeichnis in ein tar.gz.
func archiveProtocols(root string) ([]byte, int, error) {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	count := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := gzw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), count, nil
}

func rotateBackups(ctx context.Context, client *s3.Client, cfg BackupConfig, prefix string) error {
	output, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(cfg.BackupBucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return err
	}

	if len(output.Contents) <= cfg.KeepBackups {
		return nil
	}

	sort.Slice(output.Contents, func(i, j int) bool {
		return output.Contents[i].LastModified.After(*output.Contents[j].LastModified)
	})

	for _, obj := range output.Contents[cfg.KeepBackups:] {
		log.Printf("Lösche altes Backup: %s", *obj.Key)
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(cfg.BackupBucket),
			Key:    obj.Key,
		})
		if err != nil {
			log.Printf("Fehler beim Löschen von %s: %v", *obj.Key, err)
		}
	}
	return nil
}
