package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPassword(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "<empty>"},
		{"with password", "postgres://app:secret@db:5432/meters", "postgres://app:xxxxx@db:5432/meters"},
		{"no password", "postgres://app@db:5432/meters", "postgres://app@db:5432/meters"},
		{"no user", "postgres://db:5432/meters", "postgres://db:5432/meters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, maskPassword(tt.in))
		})
	}
}

func TestSchemaEmbedded(t *testing.T) {
	assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS meter_readings")
	assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS anomaly_rules")
	assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS sync_batches")
}
