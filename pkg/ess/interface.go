package ess

import (
	"context"

	"github.com/sunvault/sunvault/pkg/types"
)

// Client defines the interface for interacting with the battery cloud API.
type Client interface {
	// Login authenticates with the credentials given at construction and
	// stores the session token. It is attempted exactly once.
	Login(ctx context.Context) error

	// ListStations returns every station on the account.
	ListStations(ctx context.Context) ([]Station, error)

	// GetOverview returns live telemetry for all stations.
	GetOverview(ctx context.Context) (Overview, error)

	// GetStationDetails returns the settings of one station.
	GetStationDetails(ctx context.Context, stationID string) (StationDetails, error)

	// UpdateStation patches the settings of one station. Only non-nil settings
	// are sent. The server-confirmed settings are returned.
	UpdateStation(ctx context.Context, upd StationUpdate) (StationDetails, error)

	// Close releases the transport and drops the session. It is idempotent.
	Close() error
}

// Factory builds a Client for the given account.
type Factory func(creds types.Credentials) Client

// Station is one entry of the station list.
type Station struct {
	ID           FlexString `json:"id"`
	SerialNumber string     `json:"serialNumber"`
	Name         string     `json:"name"`
}

// Panel is the live telemetry of one station inside the overview.
type Panel struct {
	Battery      FlexPercent `json:"battery"`
	BatteryState string      `json:"batteryState"`
	DeviceState  string      `json:"deviceState"`
}

// Production is the production section of the overview.
type Production struct {
	Panels map[string]Panel `json:"panels"`
}

// Overview is the aggregate telemetry response. Panels are keyed by serial.
type Overview struct {
	Production Production `json:"production"`
}

// Panel returns the telemetry for serial and whether it was present.
func (o Overview) Panel(serial string) (Panel, bool) {
	p, ok := o.Production.Panels[serial]
	return p, ok
}

// StationDetails holds the settings of one station. Nil means the server sent
// null or omitted the field.
type StationDetails struct {
	PreserveEnergy *bool    `json:"batteryPreserveEnergy"`
	Threshold      *FlexInt `json:"batteryThreshold"`
}

// ThresholdValue returns the threshold as an *int.
func (d StationDetails) ThresholdValue() *int {
	if d.Threshold == nil {
		return nil
	}
	v := int(*d.Threshold)
	return &v
}

// Settings converts the details into a confirmed settings update.
func (d StationDetails) Settings() types.SettingsUpdate {
	return types.SettingsUpdate{
		PreserveEnergy: d.PreserveEnergy,
		Threshold:      d.ThresholdValue(),
	}
}

// StationUpdate identifies a station and the settings to change.
type StationUpdate struct {
	StationID      string
	SerialNumber   string
	Name           string
	PreserveEnergy *bool
	Threshold      *int
}
