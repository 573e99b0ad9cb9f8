package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"

	"github.com/sunvault/sunvault/pkg/types"
)

// FileProvider stores the config entry as a YAML document on local disk.
type FileProvider struct {
	path string

	mu sync.Mutex
}

type fileEntry struct {
	Version  int            `yaml:"version"`
	Settings types.Settings `yaml:"settings"`
}

func configuredFile() *FileProvider {
	path := lflag.String("storage-file", "sunvault.yaml", "Path of the config entry file for the file storage provider")

	f := &FileProvider{}
	lflag.Do(func() {
		f.path = *path
	})
	return f
}

// NewFileProvider returns a provider backed by path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Validate checks if the provider is properly configured.
func (f *FileProvider) Validate() error {
	if f.path == "" {
		return fmt.Errorf("storage-file cannot be empty")
	}
	return nil
}

// GetSettings reads the config entry. A missing file is an empty entry.
func (f *FileProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.Settings{}, 0, nil
	} else if err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to read config entry: %w", err)
	}

	var entry fileEntry
	if err := yaml.Unmarshal(b, &entry); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to parse config entry %s: %w", f.path, err)
	}
	return entry.Settings, entry.Version, nil
}

// SetSettings replaces the config entry. The file is written to a temporary
// sibling and renamed so readers never see a partial write.
func (f *FileProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	b, err := yaml.Marshal(fileEntry{Version: version, Settings: settings})
	if err != nil {
		return fmt.Errorf("failed to marshal config entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create config entry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod config entry: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to save config entry: %w", err)
	}
	return nil
}

// Close is a no-op.
func (f *FileProvider) Close() error {
	return nil
}
