package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrations_NeedNoExtensions(t *testing.T) {
	for i, stmt := range migrationStatements {
		assert.NotContains(t, strings.ToUpper(stmt), "CREATE EXTENSION", "statement %d", i+1)
	}
}

func TestMigrations_RecordsCarryLocation(t *testing.T) {
	var schema strings.Builder
	for _, stmt := range migrationStatements {
		schema.WriteString(stmt)
	}
	for _, col := range []string{"ADD COLUMN IF NOT EXISTS lat", "ADD COLUMN IF NOT EXISTS lon"} {
		assert.Contains(t, schema.String(), col)
	}
}
