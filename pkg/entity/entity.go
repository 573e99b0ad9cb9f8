package entity

import (
	"context"
	"errors"
	"strings"

	"github.com/sunvault/sunvault/pkg/types"
)

var (
	ErrUnknownEntity = errors.New("unknown entity")
	ErrNotWritable   = errors.New("entity is not writable")
	ErrInvalidValue  = errors.New("invalid value")
)

const (
	Manufacturer = "Sunology"
	Model        = "VAULT"
)

// Kind is the host platform an entity belongs to.
type Kind string

const (
	KindSensor Kind = "sensor"
	KindNumber Kind = "number"
	KindSwitch Kind = "switch"
)

// Source is the record set adapters project.
type Source interface {
	Record(serial string) (types.Battery, bool)
	Records() []types.Battery
}

// Setter pushes setting changes to the cloud.
type Setter interface {
	SetPreserveEnergy(ctx context.Context, serial string, value bool) error
	SetThreshold(ctx context.Context, serial string, value int) error
}

// Backend is both; *poller.Poller implements it.
type Backend interface {
	Source
	Setter
}

// Entity is a property of one battery exposed to the host.
type Entity interface {
	UniqueID() string
	Serial() string
	Key() string
	Kind() Kind
	Available() bool
	// Value is nil when the battery has no record.
	Value() any
	Describe() Description
}

// Switchable entities can be turned on and off.
type Switchable interface {
	Entity
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
}

// Settable entities accept a numeric value within Bounds.
type Settable interface {
	Entity
	Bounds() Bounds
	SetValue(ctx context.Context, v float64) error
}

// Bounds of a Settable.
type Bounds struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
}

// Description holds the static presentation metadata of an entity.
type Description struct {
	DeviceClass string   `json:"deviceClass,omitempty"`
	StateClass  string   `json:"stateClass,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Options     []string `json:"options,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Bounds      *Bounds  `json:"bounds,omitempty"`
}

// Availability decides whether an entity can be shown. An entity is
// unavailable when its battery has no record or is not connected, and also
// when unplugged unless AvailableWhenUnplugged is set.
type Availability struct {
	AvailableWhenUnplugged bool
}

// Available applies the rule to b; ok is false when there is no record.
func (a Availability) Available(b types.Battery, ok bool) bool {
	if !ok || !b.Connected() {
		return false
	}
	if !a.AvailableWhenUnplugged && b.BatteryState == types.BatteryStateUnplugged {
		return false
	}
	return true
}

// base is embedded by every adapter.
type base struct {
	src          Source
	serial       string
	key          string
	kind         Kind
	availability Availability
}

func (e *base) UniqueID() string {
	return e.serial + "_" + e.key
}

func (e *base) Serial() string { return e.serial }
func (e *base) Key() string    { return e.key }
func (e *base) Kind() Kind     { return e.kind }

func (e *base) Available() bool {
	b, ok := e.src.Record(e.serial)
	return e.availability.Available(b, ok)
}

func (e *base) record() (types.Battery, bool) {
	return e.src.Record(e.serial)
}

// BatteryLevelSensor reports the charge level in percent.
type BatteryLevelSensor struct {
	base
}

func NewBatteryLevelSensor(src Source, serial string) *BatteryLevelSensor {
	return &BatteryLevelSensor{base{src: src, serial: serial, key: "battery_level", kind: KindSensor}}
}

func (e *BatteryLevelSensor) Value() any {
	b, ok := e.record()
	if !ok {
		return nil
	}
	return b.BatteryLevel
}

func (e *BatteryLevelSensor) Describe() Description {
	return Description{DeviceClass: "battery", StateClass: "measurement", Unit: "%"}
}

// BatteryStateSensor reports the charge state. It stays available while the
// battery is unplugged so the unplugged state itself can be shown.
type BatteryStateSensor struct {
	base
}

func NewBatteryStateSensor(src Source, serial string) *BatteryStateSensor {
	return &BatteryStateSensor{base{
		src:          src,
		serial:       serial,
		key:          "battery_state",
		kind:         KindSensor,
		availability: Availability{AvailableWhenUnplugged: true},
	}}
}

func (e *BatteryStateSensor) Value() any {
	b, ok := e.record()
	if !ok || b.BatteryState == types.BatteryStateUnknown {
		return nil
	}
	return string(b.BatteryState)
}

func (e *BatteryStateSensor) Describe() Description {
	options := make([]string, 0, len(types.BatteryStates))
	for _, s := range types.BatteryStates {
		options = append(options, string(s))
	}
	return Description{DeviceClass: "enum", Options: options, Icon: e.icon()}
}

func (e *BatteryStateSensor) icon() string {
	b, _ := e.record()
	switch b.BatteryState {
	case types.BatteryStateCharging:
		return "mdi:battery-charging"
	case types.BatteryStateDischarging:
		return "mdi:battery-arrow-down"
	case types.BatteryStateUnplugged:
		return "mdi:battery-remove-outline"
	}
	return "mdi:battery-off"
}

// BatteryEnergySensor reports the stored energy in Wh.
type BatteryEnergySensor struct {
	base
}

func NewBatteryEnergySensor(src Source, serial string) *BatteryEnergySensor {
	return &BatteryEnergySensor{base{src: src, serial: serial, key: "battery_energy", kind: KindSensor}}
}

func (e *BatteryEnergySensor) Value() any {
	b, ok := e.record()
	if !ok {
		return nil
	}
	return b.EnergyWH()
}

func (e *BatteryEnergySensor) Describe() Description {
	return Description{DeviceClass: "energy_storage", StateClass: "measurement", Unit: "Wh"}
}

// ThresholdNumber is the writable charge threshold in W. It can be adjusted
// while the battery is unplugged.
type ThresholdNumber struct {
	base
	setter Setter
}

func NewThresholdNumber(b Backend, serial string) *ThresholdNumber {
	return &ThresholdNumber{
		base: base{
			src:          b,
			serial:       serial,
			key:          "charge_threshold",
			kind:         KindNumber,
			availability: Availability{AvailableWhenUnplugged: true},
		},
		setter: b,
	}
}

func (e *ThresholdNumber) UniqueID() string {
	return e.serial + "_threshold"
}

func (e *ThresholdNumber) Value() any {
	b, ok := e.record()
	if !ok {
		return nil
	}
	return b.Threshold
}

func (e *ThresholdNumber) Bounds() Bounds {
	return Bounds{Min: types.MinThreshold, Max: types.MaxThreshold, Step: types.ThresholdStep}
}

func (e *ThresholdNumber) Describe() Description {
	bounds := e.Bounds()
	return Description{DeviceClass: "power", Unit: "W", Mode: "slider", Bounds: &bounds}
}

// SetValue validates v against the bounds and pushes it to the cloud.
func (e *ThresholdNumber) SetValue(ctx context.Context, v float64) error {
	n := int(v)
	if float64(n) != v || !types.ValidThreshold(n) {
		return errors.Join(ErrInvalidValue, errors.New("threshold must be 210..450 in steps of 10"))
	}
	return e.setter.SetThreshold(ctx, e.serial, n)
}

// PreserveEnergySwitch toggles preserve-energy mode.
type PreserveEnergySwitch struct {
	base
	setter Setter
}

func NewPreserveEnergySwitch(b Backend, serial string) *PreserveEnergySwitch {
	return &PreserveEnergySwitch{
		base:   base{src: b, serial: serial, key: "preserve_energy", kind: KindSwitch},
		setter: b,
	}
}

func (e *PreserveEnergySwitch) Value() any {
	b, ok := e.record()
	if !ok {
		return nil
	}
	return b.PreserveEnergy
}

func (e *PreserveEnergySwitch) Describe() Description {
	return Description{Icon: "mdi:battery-lock"}
}

func (e *PreserveEnergySwitch) TurnOn(ctx context.Context) error {
	return e.setter.SetPreserveEnergy(ctx, e.serial, true)
}

func (e *PreserveEnergySwitch) TurnOff(ctx context.Context) error {
	return e.setter.SetPreserveEnergy(ctx, e.serial, false)
}

// DeviceName returns the display name of the battery with the given serial,
// falling back to the serial.
func DeviceName(src Source, serial string) string {
	b, ok := src.Record(serial)
	if !ok || strings.TrimSpace(b.Name) == "" {
		return serial
	}
	return b.Name
}
