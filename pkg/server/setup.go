package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sunvault/sunvault/pkg/integration"
	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/types"
)

// OptionsRes is the body of /api/options.
type OptionsRes struct {
	ScanIntervalSeconds int `json:"scanIntervalSeconds"`
}

func (s *Server) handleGetOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if entry := s.currentEntry(); entry != nil {
		writeJSON(w, OptionsRes{ScanIntervalSeconds: int(entry.ScanInterval() / time.Second)})
		return
	}
	sv, err := s.getSettingsWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, OptionsRes{ScanIntervalSeconds: int(sv.ScanInterval() / time.Second)})
}

func (s *Server) handleUpdateOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req OptionsRes
	if !decodeJSON(w, r, &req) {
		return
	}
	d := time.Duration(req.ScanIntervalSeconds) * time.Second
	if err := types.ValidateScanInterval(d); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := s.updateSettings(ctx, func(settings *types.Settings) error {
		settings.ScanIntervalSeconds = req.ScanIntervalSeconds
		return nil
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save options", slog.Any("error", err))
		writeJSONError(w, "failed to save options", http.StatusInternalServerError)
		return
	}
	if entry := s.currentEntry(); entry != nil {
		if err := entry.SetScanInterval(d); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "updated options", slog.Duration("scanInterval", d))
	writeJSON(w, req)
}

// SetupReq is the body of /api/setup.
type SetupReq struct {
	Email               string `json:"email"`
	Password            string `json:"password"`
	ScanIntervalSeconds int    `json:"scanIntervalSeconds,omitempty"`
}

// ReauthReq is the body of /api/reauth.
type ReauthReq struct {
	Password string `json:"password"`
}

func flowErrorStatus(code string) int {
	switch code {
	case integration.CodeCannotConnect:
		return http.StatusBadGateway
	case integration.CodeUnknown:
		return http.StatusInternalServerError
	case integration.CodeAlreadyConfigured:
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func writeFlowError(w http.ResponseWriter, err error) bool {
	var fe *integration.FlowError
	if !errors.As(err, &fe) {
		return false
	}
	writeJSONError(w, fe.Code, flowErrorStatus(fe.Code))
	return true
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req SetupReq
	if !decodeJSON(w, r, &req) {
		return
	}
	creds := types.Credentials{
		Email:    integration.NormalizeEmail(req.Email),
		Password: req.Password,
	}
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("email", creds.Email)))

	s.flowMu.Lock()
	defer s.flowMu.Unlock()

	if s.currentEntry() != nil {
		writeJSONError(w, integration.CodeAlreadyConfigured, http.StatusConflict)
		return
	}

	interval := types.DefaultScanInterval
	if req.ScanIntervalSeconds != 0 {
		interval = time.Duration(req.ScanIntervalSeconds) * time.Second
		if err := types.ValidateScanInterval(interval); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := integration.ValidateCredentials(ctx, s.factory, creds); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "setup credentials rejected", slog.Any("error", err))
		if !writeFlowError(w, err) {
			writeJSONError(w, integration.CodeUnknown, http.StatusInternalServerError)
		}
		return
	}

	encrypted, err := s.encryptCredentials(ctx, creds)
	if err != nil {
		writeJSONError(w, "failed to save credentials", http.StatusInternalServerError)
		return
	}
	err = s.updateSettings(ctx, func(settings *types.Settings) error {
		settings.EncryptedCredentials = encrypted
		settings.ScanIntervalSeconds = int(interval / time.Second)
		return nil
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save config entry", slog.Any("error", err))
		writeJSONError(w, "failed to save config entry", http.StatusInternalServerError)
		return
	}

	entry, err := s.startEntry(ctx, creds, interval)
	if entry == nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create config entry", slog.Any("error", err))
		writeJSONError(w, "failed to create config entry", http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "config entry created but not loaded", slog.Any("error", err))
		code = http.StatusAccepted
	}
	writeJSONStatus(w, StatusRes{Configured: true, Status: entry.Status()}, code)
}

func (s *Server) handleReauth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ReauthReq
	if !decodeJSON(w, r, &req) {
		return
	}

	s.flowMu.Lock()
	defer s.flowMu.Unlock()

	entry := s.currentEntry()
	if entry == nil {
		writeJSONError(w, "not configured", http.StatusNotFound)
		return
	}
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("email", entry.Credentials().Email)))

	// a pending retry would race the reload with the old password
	s.stopRetry()

	err := entry.Reauth(ctx, req.Password)
	if writeFlowError(w, err) {
		log.Ctx(ctx).WarnContext(ctx, "reauth credentials rejected", slog.Any("error", err))
		if entry.Status().State == integration.StateSetupRetry {
			s.retrySetup(ctx, entry)
		}
		return
	}

	// the password was accepted, keep it even if the reload failed
	if saveErr := s.saveCredentials(ctx, entry.Credentials()); saveErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save credentials", slog.Any("error", saveErr))
		writeJSONError(w, "failed to save credentials", http.StatusInternalServerError)
		return
	}

	code := http.StatusOK
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "reauth reload failed", slog.Any("error", err))
		if errors.Is(err, integration.ErrNotReady) {
			s.retrySetup(ctx, entry)
		}
		code = http.StatusAccepted
	} else {
		log.Ctx(ctx).InfoContext(ctx, "reauthenticated config entry")
	}
	writeJSONStatus(w, StatusRes{Configured: true, Status: entry.Status()}, code)
}
