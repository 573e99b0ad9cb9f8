package storage

import (
	"context"

	"github.com/sunvault/sunvault/pkg/types"
)

// Database persists the single config entry: encrypted credentials and the
// scan interval override. A missing entry reads as zero settings at version 0.
type Database interface {
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	Close() error
}
