package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_bids.up.sql",
		"000001_auction.up.sql",
		"000001_auction.down.sql",
		"000002_bids.down.sql",
		"README.md",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "000003_dir.up.sql"), 0o700))

	ups, err := listFiles(dir, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_auction.up.sql", "000002_bids.up.sql"}, ups)

	assert.Equal(t, "000001", extractVersion("000001_auction.up.sql"))
	assert.Equal(t, "nounderscore.sql", extractVersion("nounderscore.sql"))

	assert.Equal(t, []string{"000002_bids.up.sql"}, pending(ups, map[string]bool{"000001": true}))
	assert.Empty(t, pending(ups, map[string]bool{"000001": true, "000002": true}))
}

func TestMigrationFiles_MissingDir(t *testing.T) {
	_, err := listFiles(filepath.Join(t.TempDir(), "nope"), ".up.sql")
	assert.Error(t, err)
}
