package services

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trial-hand/models"
)

func TestExportCSVWritesFilteredSnapshot(t *testing.T) {
	db := newTestDB(t)
	year := 2021
	require.NoError(t, db.Create(&models.Trial{
		NCTID: "NCT00000001", Indication: "obesity", Phase: "PHASE3",
		BriefTitle: "Something Study", Year: &year, HasProtocolDoc: true,
	}).Error)
	require.NoError(t, db.Create(&models.Trial{
		NCTID: "NCT00000002", Indication: "lung cancer", Phase: "N/A",
	}).Error)

	var buf bytes.Buffer
	exporter := NewExporter(db, zap.NewNop())
	rows, err := exporter.ExportCSV(&buf, "obesity")
	require.NoError(t, err)
	assert.Equal(t, 1, rows)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2, "Header plus eine Datenzeile")
	assert.Equal(t, csvHeader, records[0])

	row := records[1]
	assert.Equal(t, "NCT00000001", row[0])
	assert.Equal(t, "Something Study", row[2])
	assert.Equal(t, "2021", row[5])
	assert.Equal(t, "obesity", row[8])
	assert.Equal(t, "true", row[17])
}

func TestExportCSVEmptyTableYieldsHeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	exporter := NewExporter(newTestDB(t), zap.NewNop())
	rows, err := exporter.ExportCSV(&buf, "")
	require.NoError(t, err)
	assert.Zero(t, rows)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{csvHeader}, records)
}
