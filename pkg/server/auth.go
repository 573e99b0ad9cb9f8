package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/sunvault/sunvault/pkg/log"
)

func oidcVerifier(v *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (string, error) {
		idToken, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return "", err
		}
		var claims struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", fmt.Errorf("failed to parse claims: %w", err)
		}
		if claims.Email == "" {
			return "", errors.New("token has no email claim")
		}
		if !claims.EmailVerified {
			return "", errors.New("token email is not verified")
		}
		return claims.Email, nil
	}
}

// adminOnly requires a bearer ID token from an admin email when an OIDC
// audience is configured. Without one every request is let through.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			next(w, r)
			return
		}
		ctx := r.Context()

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			log.Ctx(ctx).WarnContext(ctx, "no auth header found")
			writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}

		email, err := s.verifier(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("adminEmail", email)))
		if !s.isAdmin(email) {
			log.Ctx(ctx).WarnContext(ctx, "non-admin attempted a write")
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r.WithContext(ctx))
	}
}

// isAdmin returns true if email is in the adminEmails list. An empty list
// admits every verified token.
func (s *Server) isAdmin(email string) bool {
	if len(s.adminEmails) == 0 {
		return true
	}
	for _, adminEmail := range s.adminEmails {
		if strings.EqualFold(email, adminEmail) {
			return true
		}
	}
	return false
}
