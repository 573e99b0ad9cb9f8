package server

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/types"
)

// credentialsAAD binds stored ciphertexts to their purpose so a blob sealed
// for something else under the same key does not open as credentials.
var credentialsAAD = []byte("sunvault/credentials")

func (s *Server) credentialsCipher() (cipher.AEAD, error) {
	if s.encryptionKey == "" {
		return nil, errors.New("no encryption key configured")
	}
	key := []byte(s.encryptionKey)
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key length %d (must be 32 bytes)", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// decryptCredentials opens a blob written by encryptCredentials. An empty blob
// is an unconfigured entry.
func (s *Server) decryptCredentials(ctx context.Context, encrypted []byte) (types.Credentials, error) {
	if len(encrypted) == 0 {
		return types.Credentials{}, nil
	}

	gcm, err := s.credentialsCipher()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot decrypt credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("cannot decrypt credentials: %w", err)
	}
	if len(encrypted) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted credentials", slog.Int("length", len(encrypted)))
		return types.Credentials{}, errors.New("malformed encrypted credentials")
	}

	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, credentialsAAD)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var creds types.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		// the plaintext holds the password, never include it
		log.Ctx(ctx).ErrorContext(ctx, "failed to unmarshal credentials")
		return types.Credentials{}, errors.New("failed to unmarshal credentials")
	}
	return creds, nil
}

// encryptCredentials seals creds as nonce||ciphertext with AES-256-GCM.
func (s *Server) encryptCredentials(ctx context.Context, creds types.Credentials) ([]byte, error) {
	gcm, err := s.credentialsCipher()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot encrypt credentials", slog.Any("error", err))
		return nil, fmt.Errorf("cannot encrypt credentials: %w", err)
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, credentialsAAD), nil
}
