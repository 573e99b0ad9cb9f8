package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunvault/sunvault/pkg/types"
)

func TestFileProvider(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entry.yaml")
	f := NewFileProvider(path)
	require.NoError(t, f.Validate())
	defer f.Close()

	t.Run("Missing", func(t *testing.T) {
		s, version, err := f.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)
		assert.Equal(t, types.Settings{}, s)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		settings := types.Settings{
			ScanIntervalSeconds:  120,
			EncryptedCredentials: []byte{0x00, 0x01, 0xfe, 0xff},
		}
		require.NoError(t, f.SetSettings(ctx, settings, types.CurrentSettingsVersion))

		got, version, err := f.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)
		assert.Equal(t, settings, got)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, f.SetSettings(ctx, types.Settings{ScanIntervalSeconds: 30}, 1))
		got, version, err := f.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, version)
		assert.Equal(t, 30, got.ScanIntervalSeconds)
		assert.Empty(t, got.EncryptedCredentials)

		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no temporary files left behind")
	})

	t.Run("Corrupt", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("version: [oops"), 0o600))
		_, _, err := f.GetSettings(ctx)
		assert.ErrorContains(t, err, "failed to parse config entry")
	})

	t.Run("EmptyPath", func(t *testing.T) {
		assert.Error(t, NewFileProvider("").Validate())
	})
}
