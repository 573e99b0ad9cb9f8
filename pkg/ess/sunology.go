package ess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sunvault/sunvault/pkg/common"
	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/metrics"
	"github.com/sunvault/sunvault/pkg/types"
)

const (
	sunologyBaseURL = "https://backend-mobile.stream.sunology.eu"

	sunologyLoginPath    = "api/login-post"
	sunologyStationsPath = "api/devices/stations-and-storages"
	sunologyOverviewPath = "api/overview"
	sunologyPanelsPath   = "api/solar-panels"

	sunologySessionCookie = "SESSION"

	sunologyRetryAttempts = 2
	sunologyRetryDelay    = time.Second
	sunologyTimeout       = 30 * time.Second
)

// sunologyHeaders are sent on every request and mimic the mobile app.
var sunologyHeaders = http.Header{
	"Accept":          {"application/json, text/plain, */*"},
	"Accept-Language": {"fr-FR,fr;q=0.9"},
	"App-Version":     {"2.2.4"},
	"Content-Type":    {"application/json"},
	"User-Agent":      {"App/127 CFNetwork/3860.300.31 Darwin/25.2.0"},
}

// Sunology implements the Client interface for the Sunology STREAM cloud.
type Sunology struct {
	client     *http.Client
	baseURL    string
	attempts   int
	retryDelay time.Duration

	mu       sync.Mutex
	email    string
	password string
	token    string
	closed   bool

	// closeCtx is cancelled by Close so pending calls fail
	closeCtx    context.Context
	closeCancel context.CancelFunc
}

// NewSunology returns a client for the account in creds. No network calls
// are made until Login.
func NewSunology(baseURL string, creds types.Credentials) *Sunology {
	if baseURL == "" {
		baseURL = sunologyBaseURL
	}
	closeCtx, closeCancel := context.WithCancel(context.Background())
	return &Sunology{
		client:      common.HTTPClient(sunologyTimeout, sunologyHeaders),
		baseURL:     baseURL,
		attempts:    sunologyRetryAttempts,
		retryDelay:  sunologyRetryDelay,
		email:       creds.Email,
		password:    creds.Password,
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
	}
}

// Authenticated reports whether a session token is held.
func (s *Sunology) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != ""
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login posts the credentials and stores the session cookie. The password is
// forgotten once a session is established.
func (s *Sunology) Login(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveAPIRequest("login", resultLabel(err), time.Since(start))
	}()

	s.mu.Lock()
	email, password := s.email, s.password
	s.mu.Unlock()

	if email == "" || password == "" {
		return &AuthenticationError{Reason: "missing credentials"}
	}

	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	body := loginRequest{Username: email, Password: password}
	payload, err := json.Marshal(body)
	if err != nil {
		return &APIError{Endpoint: "login", Err: err}
	}
	req, err := s.newRequest(ctx, http.MethodPost, sunologyLoginPath, payload)
	if err != nil {
		return &APIError{Endpoint: "login", Err: err}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"sunology request",
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.String("body", log.MaskJSON(map[string]any{"username": email, "password": password}, "password")),
	)

	resp, err := s.client.Do(req)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "sunology login network error", slog.Any("error", err))
		return &APIError{Endpoint: "login", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	log.Ctx(ctx).DebugContext(ctx, "sunology response", slog.Int("status", resp.StatusCode))

	switch resp.StatusCode {
	case http.StatusNoContent:
		var token string
		for _, c := range resp.Cookies() {
			if c.Name == sunologySessionCookie && c.Value != "" {
				token = c.Value
			}
		}
		if token == "" {
			return &AuthenticationError{Reason: "no session cookie in response"}
		}
		s.mu.Lock()
		s.token = token
		s.password = ""
		s.mu.Unlock()
		log.Ctx(ctx).DebugContext(ctx, "sunology login success", slog.String("email", email))
		return nil
	case http.StatusUnauthorized:
		return &AuthenticationError{Reason: "invalid credentials"}
	default:
		return &APIError{Endpoint: "login", StatusCode: resp.StatusCode}
	}
}

// ListStations returns the stations on the account.
func (s *Sunology) ListStations(ctx context.Context) ([]Station, error) {
	var stations []Station
	if err := s.doRequest(ctx, "stations", http.MethodGet, sunologyStationsPath, nil, &stations); err != nil {
		return nil, err
	}
	return stations, nil
}

type overviewRequest struct {
	Storages     []string `json:"storages"`
	StreamMeters []string `json:"streamMeters"`
	Erls         []string `json:"erls"`
}

// GetOverview returns live telemetry for every station.
func (s *Sunology) GetOverview(ctx context.Context) (Overview, error) {
	body := overviewRequest{
		Storages:     []string{},
		StreamMeters: []string{},
		Erls:         []string{},
	}
	var ov Overview
	if err := s.doRequest(ctx, "overview", http.MethodPost, sunologyOverviewPath, body, &ov); err != nil {
		return Overview{}, err
	}
	return ov, nil
}

// GetStationDetails returns the settings of a station.
func (s *Sunology) GetStationDetails(ctx context.Context, stationID string) (StationDetails, error) {
	var d StationDetails
	if err := s.doRequest(ctx, "details", http.MethodGet, panelPath(stationID), nil, &d); err != nil {
		return StationDetails{}, err
	}
	return d, nil
}

type updateRequest struct {
	ID             string  `json:"id"`
	SerialNumber   string  `json:"serialNumber"`
	Name           string  `json:"name"`
	PreserveEnergy *bool   `json:"batteryPreserveEnergy,omitempty"`
	Threshold      *string `json:"batteryThreshold,omitempty"`
}

// UpdateStation patches a station. Settings left nil in upd are not sent so
// server-held values are preserved.
func (s *Sunology) UpdateStation(ctx context.Context, upd StationUpdate) (StationDetails, error) {
	body := updateRequest{
		ID:             upd.StationID,
		SerialNumber:   upd.SerialNumber,
		Name:           upd.Name,
		PreserveEnergy: upd.PreserveEnergy,
	}
	if upd.Threshold != nil {
		t := strconv.Itoa(*upd.Threshold)
		body.Threshold = &t
	}
	var d StationDetails
	if err := s.doRequest(ctx, "update", http.MethodPatch, panelPath(upd.StationID), body, &d); err != nil {
		return StationDetails{}, err
	}
	return d, nil
}

// Close cancels pending calls, drops the session and closes idle connections.
func (s *Sunology) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.token = ""
	s.password = ""
	s.closeCancel()
	s.client.CloseIdleConnections()
	return nil
}

func panelPath(stationID string) string {
	return sunologyPanelsPath + "/" + url.PathEscape(stationID)
}

// requestContext returns a context that is also cancelled when the client is
// closed.
func (s *Sunology) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.closeCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Sunology) newRequest(ctx context.Context, method, endpoint string, payload []byte) (*http.Request, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	return http.NewRequestWithContext(ctx, method, u.String(), body)
}

// doRequest performs an authenticated call. Transport failures are retried;
// any HTTP response is final.
func (s *Sunology) doRequest(ctx context.Context, endpoint, method, path string, body, dest any) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveAPIRequest(endpoint, resultLabel(err), time.Since(start))
	}()

	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token == "" {
		return &AuthenticationError{Err: ErrNotAuthenticated}
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return &APIError{Endpoint: endpoint, Err: err}
		}
	}

	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		req, err := s.newRequest(ctx, method, path, payload)
		if err != nil {
			return &APIError{Endpoint: endpoint, Err: err}
		}
		req.AddCookie(&http.Cookie{Name: sunologySessionCookie, Value: token})

		log.Ctx(ctx).DebugContext(
			ctx,
			"sunology request",
			slog.String("method", method),
			slog.String("url", req.URL.String()),
			slog.Int("attempt", attempt),
			slog.String("body", string(payload)),
		)

		var respBody []byte
		resp, err := s.client.Do(req)
		if err == nil {
			respBody, err = io.ReadAll(resp.Body)
			resp.Body.Close()
		}
		if err == nil {
			return s.handleResponse(ctx, endpoint, resp.StatusCode, respBody, dest)
		}

		lastErr = err
		log.Ctx(ctx).DebugContext(
			ctx,
			"sunology transient error",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt),
			slog.Int("attempts", s.attempts),
			slog.Any("error", err),
		)
		if attempt < s.attempts {
			if err := sleepContext(ctx, s.retryDelay); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}
	}
	return &APIError{Endpoint: endpoint, Err: lastErr}
}

func (s *Sunology) handleResponse(ctx context.Context, endpoint string, status int, body []byte, dest any) error {
	log.Ctx(ctx).DebugContext(ctx, "sunology response", slog.String("endpoint", endpoint), slog.Int("status", status))

	if status == http.StatusUnauthorized {
		log.Ctx(ctx).DebugContext(ctx, "sunology session expired")
		return &AuthenticationError{Reason: "session expired"}
	}
	if status >= http.StatusBadRequest {
		log.Ctx(ctx).DebugContext(ctx, "sunology error response", slog.String("body", string(body)))
		return &APIError{Endpoint: endpoint, StatusCode: status}
	}

	log.Ctx(ctx).DebugContext(ctx, "sunology response body", slog.String("body", string(body)))
	if dest == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode sunology response", slog.String("endpoint", endpoint), slog.Any("error", err))
		return &APIError{Endpoint: endpoint, StatusCode: status, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case IsAuthError(err):
		return metrics.ResultAuth
	case IsAPIError(err):
		return metrics.ResultAPI
	}
	return metrics.ResultError
}
