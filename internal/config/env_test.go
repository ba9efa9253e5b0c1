package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// unsetEnv clears key for the test and restores it afterwards.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoadDotEnvSetsValues(t *testing.T) {
	path := writeEnvFile(t, "APCA_API_KEY_ID=abc123\nAPCA_API_SECRET_KEY=shh\n")
	unsetEnv(t, "APCA_API_KEY_ID")
	unsetEnv(t, "APCA_API_SECRET_KEY")

	require.NoError(t, loadDotEnv(path))

	assert.Equal(t, "abc123", os.Getenv("APCA_API_KEY_ID"))
	assert.Equal(t, "shh", os.Getenv("APCA_API_SECRET_KEY"))
}

func TestLoadDotEnvDoesNotOverrideExisting(t *testing.T) {
	path := writeEnvFile(t, "APCA_API_KEY_ID=from_file\n")
	t.Setenv("APCA_API_KEY_ID", "from_env")

	require.NoError(t, loadDotEnv(path))

	assert.Equal(t, "from_env", os.Getenv("APCA_API_KEY_ID"), "existing env should win over .env")
}

func TestLoadDotEnvMissingFileIsIgnored(t *testing.T) {
	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), ".env")))
}
