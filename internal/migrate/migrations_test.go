package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewflow/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn), "a second run applies nothing")

	var recorded int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&recorded))
	assert.Equal(t, 1, recorded, "each migration is recorded exactly once")

	var sessions int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&sessions))
	assert.Zero(t, sessions)
}
