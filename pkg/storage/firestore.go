package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/types"
)

const (
	firestoreCollection = "config_entries"
	defaultEntryID      = "default"
)

// FirestoreProvider stores the config entry as a JSON blob in a Firestore
// document.
type FirestoreProvider struct {
	client          *firestore.Client
	projectID       string
	database        string
	credentialsFile string
	entryID         string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	credentialsFile := lflag.String("firestore-credentials-file", "", "Service account JSON file for Firestore (defaults to application default credentials)")
	entryID := lflag.String("firestore-entry-id", defaultEntryID, "Document ID of the config entry")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.credentialsFile = *credentialsFile
		f.entryID = *entryID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.entryID == "" {
		return fmt.Errorf("firestore-entry-id cannot be empty")
	}
	if f.credentialsFile != "" {
		if _, err := os.Stat(f.credentialsFile); err != nil {
			return fmt.Errorf("firestore credentials file: %w", err)
		}
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	var opts []option.ClientOption
	if f.credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(f.credentialsFile))
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database, opts...)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) doc() *firestore.DocumentRef {
	id := f.entryID
	if id == "" {
		id = defaultEntryID
	}
	return f.client.Collection(firestoreCollection).Doc(id)
}

// GetSettings reads the config entry document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	doc, err := f.doc().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch config entry doc: %w", err)
	}

	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "config entry doc missing json", slog.String("entryID", doc.Ref.ID))
		return types.Settings{}, 0, fmt.Errorf("config entry document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return types.Settings{}, 0, fmt.Errorf("config entry 'json' field is not a string")
	}

	var s types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal config entry json: %w", err)
	}
	return s, version, nil
}

// SetSettings writes the config entry document.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = f.doc().Set(ctx, map[string]any{
		"json":      string(jsonBytes),
		"version":   version,
		"updatedAt": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save config entry: %w", err)
	}
	return nil
}
