package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sunvault/sunvault/pkg/ess"
	"github.com/sunvault/sunvault/pkg/integration"
	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/storage"
	"github.com/sunvault/sunvault/pkg/types"
)

// tokenVerifier validates an OIDC ID token and returns its email claim.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, error)

// Server exposes the config entry and its entities over HTTP. It owns the
// entry lifecycle: bootstrap from storage, setup, reauth and shutdown.
type Server struct {
	factory ess.Factory
	storage storage.Database
	hub     *hub

	// flowMu serializes setup and reauth
	flowMu sync.Mutex

	mu          sync.Mutex
	entry       *integration.Entry
	retryCancel context.CancelFunc
	retryDone   chan struct{}

	listenAddr    string
	httpServer    *http.Server
	adminEmails   []string
	verifier      tokenVerifier
	encryptionKey string
	serverName    string

	seedCreds     types.Credentials
	scanInterval  time.Duration
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(factory ess.Factory, db storage.Database) *Server {
	srv := &Server{
		factory:       factory,
		storage:       db,
		hub:           newHub(),
		serverName:    "sunvault",
		retryDelay:    10 * time.Second,
		retryMaxDelay: 5 * time.Minute,
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to change settings")
	oidcAudience := lflag.String("oidc-audience", "", "audience of Google ID tokens required on write endpoints (empty disables auth)")
	encryptionKey := lflag.RequiredString("credentials-encryption-key", "Key for encrypting credentials")
	email := lflag.String("sunology-email", "", "Sunology account email used when no config entry is stored")
	password := lflag.String("sunology-password", "", "Sunology account password used when no config entry is stored")
	scanInterval := lflag.Duration("scan-interval", 0, "Poll interval (30s-5m); overrides the stored value when set")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = oidcVerifier(provider.Verifier(&oidc.Config{ClientID: *oidcAudience}))
		}

		if len(*encryptionKey) != 32 {
			log.Ctx(context.Background()).Error("credentials-encryption-key must be 32 characters")
			os.Exit(1)
		}
		srv.encryptionKey = *encryptionKey

		if *email != "" {
			srv.seedCreds = types.Credentials{
				Email:    integration.NormalizeEmail(*email),
				Password: *password,
			}
		}
		if *scanInterval != 0 {
			if err := types.ValidateScanInterval(*scanInterval); err != nil {
				log.Ctx(context.Background()).Error("invalid scan-interval", slog.Any("error", err))
				os.Exit(1)
			}
			srv.scanInterval = *scanInterval
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/entities", s.handleListEntities)
	apiMux.HandleFunc("GET /api/entities/{id}", s.handleGetEntity)
	apiMux.HandleFunc("POST /api/entities/{id}", s.adminOnly(s.handleSetEntity))
	apiMux.HandleFunc("GET /api/batteries", s.handleListBatteries)
	apiMux.HandleFunc("POST /api/refresh", s.adminOnly(s.handleRefresh))
	apiMux.HandleFunc("GET /api/options", s.handleGetOptions)
	apiMux.HandleFunc("POST /api/options", s.adminOnly(s.handleUpdateOptions))
	apiMux.HandleFunc("POST /api/setup", s.adminOnly(s.handleSetup))
	apiMux.HandleFunc("POST /api/reauth", s.adminOnly(s.handleReauth))

	mux := http.NewServeMux()
	mux.Handle("/api/", s.requestLogMiddleware(apiMux))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	// the stream needs the raw ResponseWriter to hijack, so it stays outside gzip
	root := http.NewServeMux()
	root.HandleFunc("GET /api/stream", s.handleStream)
	root.Handle("/", gziphandler.GzipHandler(mux))
	return s.revisionMiddleware(s.securityHeadersMiddleware(root))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.Close()
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		s.Close()
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, v, http.StatusOK)
}

func writeJSONStatus(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// decodeJSON reads at most 1MB of JSON from the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1048576)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "failed to decode request body", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.With(r.Context(), log.Ctx(r.Context()).With(slog.String("reqPath", r.URL.Path)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
