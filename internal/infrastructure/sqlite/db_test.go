package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchemaOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	var name string
	err = db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'transition_history'`,
	).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "transition_history", name)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	// Open already migrated; a second pass must be a no-op.
	require.NoError(t, Migrate(db))
}
