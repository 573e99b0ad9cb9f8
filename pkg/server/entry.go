package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sunvault/sunvault/pkg/integration"
	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/types"
)

type settingsWithVersion struct {
	types.Settings
	version int
}

func (s *Server) getSettingsWithMigration(ctx context.Context) (settingsWithVersion, error) {
	settings, version, err := s.storage.GetSettings(ctx)
	if err != nil {
		return settingsWithVersion{}, err
	}
	sv := settingsWithVersion{
		Settings: settings,
		version:  version,
	}

	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		newSettings, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			// Log error but return settings as is (best effort)
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			sv.Settings = newSettings
			sv.version = types.CurrentSettingsVersion
			if err := s.storage.SetSettings(ctx, newSettings, types.CurrentSettingsVersion); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
			} else {
				log.Ctx(ctx).InfoContext(ctx, "saved migrated settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
			}
		}
	}
	return sv, nil
}

// updateSettings applies fn to the stored settings and writes them back.
func (s *Server) updateSettings(ctx context.Context, fn func(*types.Settings) error) error {
	sv, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if err := fn(&sv.Settings); err != nil {
		return err
	}
	if err := s.storage.SetSettings(ctx, sv.Settings, sv.version); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *Server) saveCredentials(ctx context.Context, creds types.Credentials) error {
	encrypted, err := s.encryptCredentials(ctx, creds)
	if err != nil {
		return err
	}
	return s.updateSettings(ctx, func(settings *types.Settings) error {
		settings.EncryptedCredentials = encrypted
		return nil
	})
}

// Bootstrap loads the stored config entry and sets it up. When nothing is
// stored the flag credentials seed the entry. A setup that fails with
// ErrNotReady keeps retrying in the background; Close stops it.
func (s *Server) Bootstrap(ctx context.Context) error {
	sv, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config entry: %w", err)
	}
	creds, err := s.decryptCredentials(ctx, sv.EncryptedCredentials)
	if err != nil {
		return err
	}

	changed := false
	if creds.Empty() && !s.seedCreds.Empty() {
		log.Ctx(ctx).InfoContext(ctx, "seeding config entry from flags", slog.String("email", s.seedCreds.Email))
		creds = s.seedCreds
		sv.EncryptedCredentials, err = s.encryptCredentials(ctx, creds)
		if err != nil {
			return err
		}
		changed = true
	}
	if s.scanInterval != 0 && sv.ScanInterval() != s.scanInterval {
		sv.ScanIntervalSeconds = int(s.scanInterval / time.Second)
		changed = true
	}
	if changed {
		if err := s.storage.SetSettings(ctx, sv.Settings, sv.version); err != nil {
			return fmt.Errorf("failed to save config entry: %w", err)
		}
	}

	if creds.Empty() {
		log.Ctx(ctx).InfoContext(ctx, "no config entry stored, waiting for setup")
		return nil
	}

	_, err = s.startEntry(ctx, creds, sv.ScanInterval())
	if errors.Is(err, integration.ErrNotReady) || errors.Is(err, integration.ErrReauthRequired) {
		// reflected in the entry status
		return nil
	}
	return err
}

// startEntry creates the entry for creds and sets it up.
func (s *Server) startEntry(ctx context.Context, creds types.Credentials, interval time.Duration) (*integration.Entry, error) {
	entry, err := integration.NewEntry(s.factory, creds, interval)
	if err != nil {
		return nil, err
	}
	entry.Subscribe(s.hub.broadcast)

	s.mu.Lock()
	s.entry = entry
	s.mu.Unlock()

	err = entry.Setup(ctx)
	if errors.Is(err, integration.ErrNotReady) {
		s.retrySetup(ctx, entry)
	}
	return entry, err
}

// retrySetup replaces any running setup retry with one for entry.
func (s *Server) retrySetup(ctx context.Context, entry *integration.Entry) {
	s.stopRetry()

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	s.retryCancel, s.retryDone = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := entry.SetupWithRetry(rctx, s.retryDelay, s.retryMaxDelay)
		if err != nil && rctx.Err() == nil {
			log.Ctx(rctx).ErrorContext(rctx, "gave up setting up config entry", slog.Any("error", err))
		}
	}()
}

func (s *Server) stopRetry() {
	s.mu.Lock()
	cancel, done := s.retryCancel, s.retryDone
	s.retryCancel, s.retryDone = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Server) currentEntry() *integration.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry
}

// Close stops any setup retry and unloads the entry.
func (s *Server) Close() {
	s.stopRetry()
	if entry := s.currentEntry(); entry != nil {
		entry.Unload()
	}
}
