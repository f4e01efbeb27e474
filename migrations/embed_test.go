package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedFS_ContainsInitialSchema(t *testing.T) {
	content, err := FS.ReadFile("001_initial_schema.sql")
	require.NoError(t, err)

	sql := string(content)
	require.True(t, strings.Contains(sql, "-- +goose Up"))
	require.True(t, strings.Contains(sql, "-- +goose Down"))
	for _, table := range []string{"goals", "milestones", "tasks", "recurrence_rules", "outbox_events"} {
		require.Contains(t, sql, "CREATE TABLE "+table+" ")
	}
}

func TestEmbeddedFS_SourceKeyIsUnique(t *testing.T) {
	content, err := FS.ReadFile("001_initial_schema.sql")
	require.NoError(t, err)
	require.Contains(t, string(content), "source_key         TEXT UNIQUE")
	require.Contains(t, string(content), "UNIQUE (goal_id, sequence)")
}
