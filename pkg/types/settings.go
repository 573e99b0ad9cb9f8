package types

import (
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 2

const (
	DefaultScanInterval = 60 * time.Second
	MinScanInterval     = 30 * time.Second
	MaxScanInterval     = 300 * time.Second
)

// Settings is the persisted config entry. It only holds the credentials and
// the scan interval override; no device state is persisted.
type Settings struct {
	// Poll interval in seconds. 0 means the default.
	ScanIntervalSeconds int `json:"scanIntervalSeconds" yaml:"scanIntervalSeconds"`

	// Credentials for the cloud account (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty" yaml:"encryptedCredentials,omitempty"`
}

// ScanInterval returns the configured interval or the default.
func (s Settings) ScanInterval() time.Duration {
	if s.ScanIntervalSeconds == 0 {
		return DefaultScanInterval
	}
	return time.Duration(s.ScanIntervalSeconds) * time.Second
}

// ValidateScanInterval returns an error if d is outside the allowed range.
func ValidateScanInterval(d time.Duration) error {
	if d < MinScanInterval || d > MaxScanInterval {
		return fmt.Errorf("scan interval %s out of range [%s, %s]", d, MinScanInterval, MaxScanInterval)
	}
	return nil
}

// Credentials for the cloud account.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
}

// Empty reports whether no account is configured.
func (c Credentials) Empty() bool {
	return c.Email == ""
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.ScanIntervalSeconds == 0 {
				s.ScanIntervalSeconds = int(DefaultScanInterval / time.Second)
				migrated = true
			}
		case 2:
			// version 2: the options form enforces bounds, older entries were free-form
			d := time.Duration(s.ScanIntervalSeconds) * time.Second
			if d < MinScanInterval {
				s.ScanIntervalSeconds = int(MinScanInterval / time.Second)
				migrated = true
			} else if d > MaxScanInterval {
				s.ScanIntervalSeconds = int(MaxScanInterval / time.Second)
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
