package types

import "strings"

const (
	// BatteryCapacityWH is the usable capacity of a single VAULT battery.
	BatteryCapacityWH = 700

	// DefaultThreshold is used when the server reports no threshold.
	DefaultThreshold = 210
	MinThreshold     = 210
	MaxThreshold     = 450
	ThresholdStep    = 10

	// DefaultPreserveEnergy is used when the server reports no preserve-energy flag.
	DefaultPreserveEnergy = false
)

// BatteryState is the charge state reported by the overview endpoint. The
// wire format is upper-case; values are stored lower-cased.
type BatteryState string

const (
	BatteryStateUnknown     BatteryState = ""
	BatteryStateOff         BatteryState = "off"
	BatteryStateCharging    BatteryState = "charging"
	BatteryStateDischarging BatteryState = "discharging"
	BatteryStateUnplugged   BatteryState = "unplugged"
)

// BatteryStates lists the known states in display order.
var BatteryStates = []BatteryState{
	BatteryStateOff,
	BatteryStateCharging,
	BatteryStateDischarging,
	BatteryStateUnplugged,
}

// ParseBatteryState parses the wire value case-insensitively. Unknown values
// are kept (lower-cased) rather than dropped so new server states still show up.
func ParseBatteryState(s string) BatteryState {
	return BatteryState(strings.ToLower(strings.TrimSpace(s)))
}

// Known reports whether s is one of BatteryStates.
func (s BatteryState) Known() bool {
	for _, k := range BatteryStates {
		if s == k {
			return true
		}
	}
	return false
}

// DeviceStateConnected is the device state that marks a station as reachable.
const DeviceStateConnected = "CONNECTED"

// Battery is the record kept for one station, keyed by serial number.
type Battery struct {
	// identity
	Serial    string `json:"serial"`
	StationID string `json:"stationID"`
	Name      string `json:"name"`

	// telemetry, overwritten on every refresh
	BatteryLevel int          `json:"batteryLevel"`
	BatteryState BatteryState `json:"batteryState"`
	DeviceState  string       `json:"deviceState"`

	// settings, overwritten on refresh or by a confirmed update
	PreserveEnergy bool `json:"preserveEnergy"`
	Threshold      int  `json:"threshold"`
}

// Connected reports whether the device state is connected.
func (b Battery) Connected() bool {
	return strings.EqualFold(b.DeviceState, DeviceStateConnected)
}

// EnergyWH returns the stored energy derived from the charge level.
func (b Battery) EnergyWH() int {
	return b.BatteryLevel * BatteryCapacityWH / 100
}

// StationObservation is everything a single refresh cycle learned about one
// station. Nil setting pointers mean the server sent null or omitted them.
type StationObservation struct {
	Serial    string
	StationID string
	Name      string

	BatteryLevel int
	BatteryState string
	DeviceState  string

	PreserveEnergy *bool
	Threshold      *int
}

// MergeBattery upserts an observation into an existing record. old is nil on
// the first sighting of a serial. Telemetry is replaced wholesale; null
// settings fall back to the package defaults.
func MergeBattery(old *Battery, obs StationObservation) Battery {
	var b Battery
	if old != nil {
		b = *old
	}
	b.Serial = obs.Serial
	b.StationID = obs.StationID
	b.Name = obs.Name
	if b.Name == "" {
		b.Name = obs.Serial
	}

	b.BatteryLevel = obs.BatteryLevel
	b.BatteryState = ParseBatteryState(obs.BatteryState)
	b.DeviceState = obs.DeviceState

	b.PreserveEnergy = DefaultPreserveEnergy
	if obs.PreserveEnergy != nil {
		b.PreserveEnergy = *obs.PreserveEnergy
	}
	b.Threshold = DefaultThreshold
	if obs.Threshold != nil {
		b.Threshold = *obs.Threshold
	}
	return b
}

// SettingsUpdate holds the settings a server confirmed after a change. Nil
// fields were not confirmed and must not overwrite local state.
type SettingsUpdate struct {
	PreserveEnergy *bool
	Threshold      *int
}

// ApplyConfirmedSettings returns b with the non-nil fields of upd applied.
func ApplyConfirmedSettings(b Battery, upd SettingsUpdate) Battery {
	if upd.PreserveEnergy != nil {
		b.PreserveEnergy = *upd.PreserveEnergy
	}
	if upd.Threshold != nil {
		b.Threshold = *upd.Threshold
	}
	return b
}

// ValidThreshold reports whether v is inside the adjustable threshold range
// and on a step boundary.
func ValidThreshold(v int) bool {
	return v >= MinThreshold && v <= MaxThreshold && (v-MinThreshold)%ThresholdStep == 0
}
