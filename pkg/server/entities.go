package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sunvault/sunvault/pkg/entity"
	"github.com/sunvault/sunvault/pkg/integration"
	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/poller"
)

// StatusRes is the response type for /api/status.
type StatusRes struct {
	Configured bool `json:"configured"`
	integration.Status
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entry := s.currentEntry()
	if entry == nil {
		writeJSON(w, StatusRes{Status: integration.Status{State: integration.StateNotLoaded}})
		return
	}
	writeJSON(w, StatusRes{Configured: true, Status: entry.Status()})
}

// loadedEntry writes an error and returns false unless the entry is loaded.
func (s *Server) loadedEntry(w http.ResponseWriter) (*integration.Entry, bool) {
	entry := s.currentEntry()
	if entry == nil {
		writeJSONError(w, "not configured", http.StatusServiceUnavailable)
		return nil, false
	}
	if _, err := entry.Registry(); err != nil {
		writeJSONError(w, "integration "+string(entry.Status().State), http.StatusServiceUnavailable)
		return nil, false
	}
	return entry, true
}

func (s *Server) registry(w http.ResponseWriter) (*entity.Registry, bool) {
	entry, ok := s.loadedEntry(w)
	if !ok {
		return nil, false
	}
	reg, err := entry.Registry()
	if err != nil {
		writeJSONError(w, "integration "+string(entry.Status().State), http.StatusServiceUnavailable)
		return nil, false
	}
	return reg, true
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registry(w)
	if !ok {
		return
	}
	writeJSON(w, reg.Snapshot())
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registry(w)
	if !ok {
		return
	}
	st, ok := reg.State(r.PathValue("id"))
	if !ok {
		writeJSONError(w, "unknown entity", http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleSetEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reg, ok := s.registry(w)
	if !ok {
		return
	}
	id := r.PathValue("id")

	var cmd entity.Command
	if !decodeJSON(w, r, &cmd) {
		return
	}
	if err := reg.Apply(ctx, id, cmd); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to apply entity command", slog.String("entity", id), slog.Any("error", err))
		writeJSONError(w, commandErrorMessage(err), commandErrorStatus(err))
		return
	}
	st, _ := reg.State(id)
	writeJSON(w, st)
}

func commandErrorStatus(err error) int {
	switch {
	case errors.Is(err, entity.ErrUnknownEntity), errors.Is(err, poller.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, entity.ErrNotWritable):
		return http.StatusMethodNotAllowed
	case errors.Is(err, poller.ErrReauthRequired):
		return http.StatusConflict
	case errors.Is(err, poller.ErrSettingUpdate):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func commandErrorMessage(err error) string {
	switch {
	case errors.Is(err, poller.ErrReauthRequired):
		return poller.ErrReauthRequired.Error()
	case errors.Is(err, poller.ErrSettingUpdate):
		return poller.ErrSettingUpdate.Error()
	case errors.Is(err, poller.ErrNotFound),
		errors.Is(err, entity.ErrUnknownEntity),
		errors.Is(err, entity.ErrInvalidValue),
		errors.Is(err, entity.ErrNotWritable):
		return err.Error()
	}
	return "internal error"
}

func (s *Server) handleListBatteries(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.loadedEntry(w)
	if !ok {
		return
	}
	p, err := entry.Poller()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, p.Records())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, ok := s.loadedEntry(w)
	if !ok {
		return
	}
	p, err := entry.Poller()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := p.Refresh(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "manual refresh failed", slog.Any("error", err))
		if errors.Is(err, poller.ErrReauthRequired) {
			writeJSONError(w, poller.ErrReauthRequired.Error(), http.StatusConflict)
		} else {
			writeJSONError(w, poller.ErrUpdateFailed.Error(), http.StatusBadGateway)
		}
		return
	}
	writeJSON(w, p.Records())
}
