package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BYTEDz/PCLink/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrInitGeneratesEverything(t *testing.T) {
	config.SetDataDir(t.TempDir())

	identity, err := LoadOrInit()
	require.NoError(t, err)

	assert.Len(t, identity.APIKey(), 32)
	assert.NotEmpty(t, identity.Fingerprint())
	assert.Len(t, identity.Fingerprint(), 64)
	assert.NotEmpty(t, identity.Certificate().Certificate)

	for _, name := range []string{`api_key`, `cert.pem`, `key.pem`} {
		info, err := os.Stat(filepath.Join(config.DataDir(), name))
		require.NoError(t, err, name)
		assert.False(t, info.IsDir())
	}
}

func TestLoadOrInitReusesExisting(t *testing.T) {
	config.SetDataDir(t.TempDir())

	first, err := LoadOrInit()
	require.NoError(t, err)
	second, err := LoadOrInit()
	require.NoError(t, err)

	assert.Equal(t, first.APIKey(), second.APIKey())
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestCorruptKeyTriggersRegeneration(t *testing.T) {
	config.SetDataDir(t.TempDir())

	first, err := LoadOrInit()
	require.NoError(t, err)
	oldKey := first.APIKey()

	require.NoError(t, os.WriteFile(filepath.Join(config.DataDir(), `api_key`), []byte(`not hex!`), 0o600))
	second, err := LoadOrInit()
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, second.APIKey())
	assert.Len(t, second.APIKey(), 32)
}

func TestRotateAPIKey(t *testing.T) {
	config.SetDataDir(t.TempDir())

	identity, err := LoadOrInit()
	require.NoError(t, err)
	oldKey := identity.APIKey()

	require.NoError(t, identity.RotateAPIKey())
	assert.NotEqual(t, oldKey, identity.APIKey())
	assert.Len(t, identity.APIKey(), 32)

	data, err := os.ReadFile(filepath.Join(config.DataDir(), `api_key`))
	require.NoError(t, err)
	assert.Equal(t, identity.APIKey(), string(data))
}
