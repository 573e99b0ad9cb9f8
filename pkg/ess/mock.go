package ess

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sunvault/sunvault/pkg/types"
)

// SimulatedStation is the server-side state of one simulated station.
type SimulatedStation struct {
	ID             string
	SerialNumber   string
	Name           string
	Battery        int
	BatteryState   string
	DeviceState    string
	PreserveEnergy *bool
	Threshold      *int
}

// Simulator is an in-memory stand-in for the cloud. It hands out clients
// with the same error semantics as Sunology and is used by the mock provider.
type Simulator struct {
	mu       sync.Mutex
	accounts map[string]string
	stations []*SimulatedStation
	sessions map[string]bool
	failures map[string]error
	calls    map[string]int

	// Drift moves battery levels on every overview call.
	Drift bool
}

// NewSimulator returns a simulator serving stations. With no accounts added
// any non-empty email and password are accepted.
func NewSimulator(stations ...SimulatedStation) *Simulator {
	s := &Simulator{
		accounts: make(map[string]string),
		sessions: make(map[string]bool),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
	for _, st := range stations {
		s.stations = append(s.stations, &st)
	}
	return s
}

// DemoStations returns a small fleet used when running with the mock provider.
func DemoStations() []SimulatedStation {
	on := true
	off := false
	t220 := 220
	t300 := 300
	return []SimulatedStation{
		{ID: "1001", SerialNumber: "VLT0001", Name: "Garage", Battery: 57, BatteryState: "CHARGING", DeviceState: "CONNECTED", PreserveEnergy: &on, Threshold: &t220},
		{ID: "1002", SerialNumber: "VLT0002", Name: "Balcony", Battery: 83, BatteryState: "DISCHARGING", DeviceState: "CONNECTED", PreserveEnergy: &off, Threshold: &t300},
		{ID: "1003", SerialNumber: "VLT0003", Name: "Shed", Battery: 12, BatteryState: "UNPLUGGED", DeviceState: "CONNECTED"},
	}
}

// AddAccount restricts logins to the registered accounts.
func (s *Simulator) AddAccount(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[email] = password
}

// SetStations replaces the server-side station list.
func (s *Simulator) SetStations(stations ...SimulatedStation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stations = nil
	for _, st := range stations {
		s.stations = append(s.stations, &st)
	}
}

// Station returns a copy of the server-side state of serial.
func (s *Simulator) Station(serial string) (SimulatedStation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.stations {
		if st.SerialNumber == serial {
			return *st, true
		}
	}
	return SimulatedStation{}, false
}

// Fail makes every call to endpoint return err until cleared with a nil err.
// Endpoints are login, stations, overview, details and update.
func (s *Simulator) Fail(endpoint string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, endpoint)
		return
	}
	s.failures[endpoint] = err
}

// ExpireSessions invalidates every session so the next call returns an
// AuthenticationError.
func (s *Simulator) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]bool)
}

// Calls returns how many times endpoint was called.
func (s *Simulator) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// Client returns a new client for creds.
func (s *Simulator) Client(creds types.Credentials) Client {
	return &simulatorClient{sim: s, email: creds.Email, password: creds.Password}
}

// begin counts a call and returns the injected failure, if any. Must be
// called with s.mu held.
func (s *Simulator) begin(endpoint string) error {
	s.calls[endpoint]++
	return s.failures[endpoint]
}

func (s *Simulator) checkSession(token string) error {
	if token == "" {
		return &AuthenticationError{Err: ErrNotAuthenticated}
	}
	if !s.sessions[token] {
		return &AuthenticationError{Reason: "session expired"}
	}
	return nil
}

func (s *Simulator) find(stationID string) *SimulatedStation {
	for _, st := range s.stations {
		if st.ID == stationID {
			return st
		}
	}
	return nil
}

func (s *Simulator) drift() {
	for _, st := range s.stations {
		switch st.BatteryState {
		case "CHARGING":
			st.Battery++
			if st.Battery >= 100 {
				st.Battery = 100
				st.BatteryState = "DISCHARGING"
			}
		case "DISCHARGING":
			st.Battery--
			if st.Battery <= 0 {
				st.Battery = 0
				st.BatteryState = "CHARGING"
			}
		}
	}
}

type simulatorClient struct {
	sim *Simulator

	mu       sync.Mutex
	email    string
	password string
	token    string
	closed   bool
}

func (c *simulatorClient) session() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.closed
}

func (c *simulatorClient) Login(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &APIError{Endpoint: "login", Err: err}
	}
	c.mu.Lock()
	email, password, closed := c.email, c.password, c.closed
	c.mu.Unlock()
	if closed {
		return &APIError{Endpoint: "login", Err: context.Canceled}
	}
	if email == "" || password == "" {
		return &AuthenticationError{Reason: "missing credentials"}
	}

	c.sim.mu.Lock()
	defer c.sim.mu.Unlock()
	if err := c.sim.begin("login"); err != nil {
		return err
	}
	if len(c.sim.accounts) > 0 {
		if want, ok := c.sim.accounts[email]; !ok || want != password {
			return &AuthenticationError{Reason: "invalid credentials"}
		}
	}
	token := uuid.NewString()
	c.sim.sessions[token] = true

	c.mu.Lock()
	c.token = token
	c.password = ""
	c.mu.Unlock()
	return nil
}

func (c *simulatorClient) ListStations(ctx context.Context) ([]Station, error) {
	token, closed := c.session()
	if err := c.precheck(ctx, "stations", closed); err != nil {
		return nil, err
	}

	c.sim.mu.Lock()
	defer c.sim.mu.Unlock()
	if err := c.sim.checkSession(token); err != nil {
		return nil, err
	}
	if err := c.sim.begin("stations"); err != nil {
		return nil, err
	}
	out := make([]Station, 0, len(c.sim.stations))
	for _, st := range c.sim.stations {
		out = append(out, Station{ID: FlexString(st.ID), SerialNumber: st.SerialNumber, Name: st.Name})
	}
	return out, nil
}

func (c *simulatorClient) GetOverview(ctx context.Context) (Overview, error) {
	token, closed := c.session()
	if err := c.precheck(ctx, "overview", closed); err != nil {
		return Overview{}, err
	}

	c.sim.mu.Lock()
	defer c.sim.mu.Unlock()
	if err := c.sim.checkSession(token); err != nil {
		return Overview{}, err
	}
	if err := c.sim.begin("overview"); err != nil {
		return Overview{}, err
	}
	if c.sim.Drift {
		c.sim.drift()
	}
	ov := Overview{Production: Production{Panels: make(map[string]Panel, len(c.sim.stations))}}
	for _, st := range c.sim.stations {
		ov.Production.Panels[st.SerialNumber] = Panel{
			Battery:      FlexPercent(st.Battery),
			BatteryState: st.BatteryState,
			DeviceState:  st.DeviceState,
		}
	}
	return ov, nil
}

func (c *simulatorClient) GetStationDetails(ctx context.Context, stationID string) (StationDetails, error) {
	token, closed := c.session()
	if err := c.precheck(ctx, "details", closed); err != nil {
		return StationDetails{}, err
	}

	c.sim.mu.Lock()
	defer c.sim.mu.Unlock()
	if err := c.sim.checkSession(token); err != nil {
		return StationDetails{}, err
	}
	if err := c.sim.begin("details"); err != nil {
		return StationDetails{}, err
	}
	st := c.sim.find(stationID)
	if st == nil {
		return StationDetails{}, &APIError{Endpoint: "details", StatusCode: 404}
	}
	return simulatedDetails(st), nil
}

func (c *simulatorClient) UpdateStation(ctx context.Context, upd StationUpdate) (StationDetails, error) {
	token, closed := c.session()
	if err := c.precheck(ctx, "update", closed); err != nil {
		return StationDetails{}, err
	}

	c.sim.mu.Lock()
	defer c.sim.mu.Unlock()
	if err := c.sim.checkSession(token); err != nil {
		return StationDetails{}, err
	}
	if err := c.sim.begin("update"); err != nil {
		return StationDetails{}, err
	}
	st := c.sim.find(upd.StationID)
	if st == nil {
		return StationDetails{}, &APIError{Endpoint: "update", StatusCode: 404}
	}
	if upd.SerialNumber != st.SerialNumber {
		return StationDetails{}, &APIError{Endpoint: "update", StatusCode: 400, Err: fmt.Errorf("serial mismatch")}
	}
	if upd.Threshold != nil && !types.ValidThreshold(*upd.Threshold) {
		return StationDetails{}, &APIError{Endpoint: "update", StatusCode: 400, Err: fmt.Errorf("invalid threshold")}
	}
	if upd.PreserveEnergy != nil {
		v := *upd.PreserveEnergy
		st.PreserveEnergy = &v
	}
	if upd.Threshold != nil {
		v := *upd.Threshold
		st.Threshold = &v
	}
	if upd.Name != "" {
		st.Name = upd.Name
	}
	return simulatedDetails(st), nil
}

func (c *simulatorClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.token = ""
	c.password = ""
	return nil
}

func (c *simulatorClient) precheck(ctx context.Context, endpoint string, closed bool) error {
	if closed {
		return &AuthenticationError{Err: ErrNotAuthenticated}
	}
	if err := ctx.Err(); err != nil {
		return &APIError{Endpoint: endpoint, Err: err}
	}
	return nil
}

func simulatedDetails(st *SimulatedStation) StationDetails {
	var d StationDetails
	if st.PreserveEnergy != nil {
		v := *st.PreserveEnergy
		d.PreserveEnergy = &v
	}
	if st.Threshold != nil {
		v := FlexInt(*st.Threshold)
		d.Threshold = &v
	}
	return d
}
