package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunvault/sunvault/pkg/types"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
		entryID:   "test-entry",
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
		assert.Error(t, (&FirestoreProvider{}).Validate())
	})

	t.Run("Missing", func(t *testing.T) {
		s, version, err := f.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version)
		assert.Equal(t, types.Settings{}, s)
	})

	t.Run("Settings", func(t *testing.T) {
		settings := types.Settings{
			ScanIntervalSeconds:  90,
			EncryptedCredentials: []byte("ciphertext"),
		}
		require.NoError(t, f.SetSettings(ctx, settings, 2))

		got, version, err := f.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, version)
		assert.Equal(t, settings, got)
	})
}
