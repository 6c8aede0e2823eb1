package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecordsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadRecords(t *testing.T) {
	path := writeRecordsFile(t, `[
		{
			"id": "r1",
			"source": "crm",
			"payload": [
				{"name": "email", "value": {"type": "string", "value": "j@x.com"}}
			]
		}
	]`)

	records, err := loadRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "crm", records[0].Source)
	// Missing ingestion timestamps are stamped at load time.
	assert.False(t, records[0].IngestedAt.IsZero())

	v, ok := records[0].Payload.Get("email")
	require.True(t, ok)
	assert.Equal(t, "j@x.com", v.Value)
}

func TestLoadRecordsEmptyFile(t *testing.T) {
	path := writeRecordsFile(t, `[]`)

	_, err := loadRecords(path)
	assert.Error(t, err)
}

func TestLoadRecordsMalformed(t *testing.T) {
	path := writeRecordsFile(t, `{"not": "an array"}`)

	_, err := loadRecords(path)
	assert.Error(t, err)
}

func TestLoadRecordsMissingFile(t *testing.T) {
	_, err := loadRecords(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
