package db_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/alert-dispatch/internal/db"
)

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://app:pw@db:5432/alerts?sslmode=disable", "pgx5://app:pw@db:5432/alerts?sslmode=disable"},
		{"postgresql://app@db/alerts", "pgx5://app@db/alerts"},
		{"pgx5://app@db/alerts", "pgx5://app@db/alerts"},
		{"app@db/alerts", "pgx5://app@db/alerts"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, db.MigrateURL(tt.in))
		})
	}
}

func TestMigrate_MissingSource(t *testing.T) {
	source := "file://" + filepath.Join(t.TempDir(), "missing")
	_, err := db.Migrate("postgres://app@127.0.0.1:1/alerts", source)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create migrator")
}
