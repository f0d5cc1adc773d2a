// Package chargingstation models an electric-vehicle charging station.
//
// The station moves between four states, kept in the Control.Status property:
//
//	Idle ──VehicleDetected──▶ Connected ──InputCurrent > MinCurrent──▶ Charging
//	  ▲                           │  ▲                                    │
//	  └────VehicleDisconnected────┘  └───power draw < MaxSleepPower───────┘
//
// An input current above MaxCurrent, or a power draw above MaxSleepPower while
// idle, moves the station to Fault until Reset.
package chargingstation

import (
	"context"
	"fmt"

	"github.com/go-digitaltwin/go-twin/operation"
	"github.com/go-digitaltwin/go-twin/schema"
)

// Station states.
const (
	Idle      = "Idle"
	Connected = "Connected"
	Charging  = "Charging"
	Fault     = "Fault"
)

// Default settings.
const (
	DefaultMinCurrent    = 1.0  // A
	DefaultMaxCurrent    = 16.0 // A
	DefaultMaxSleepPower = 5.0  // W
)

// Local addresses of the elements the logic relies on.
const (
	StatusPath        = "Control.Status"
	VehicleDetected   = "Control.VehicleDetected"
	VehicleDisconnect = "Control.VehicleDisconnected"
	SetCurrent        = "Control.SetChargingCurrent"
	Reset             = "Control.Reset"

	MinCurrentPath    = "Settings.MinCurrent"
	MaxCurrentPath    = "Settings.MaxCurrent"
	MaxSleepPowerPath = "Settings.MaxSleepPower"

	InputCurrentPath     = "PowerAndElectrical.InputCurrent"
	PowerDrawPath        = "PowerAndElectrical.CurrentPowerDraw"
	OvercurrentFault     = "PowerAndElectrical.OvercurrentFault"
	InvalidPowerAbsorbed = "PowerAndElectrical.InvalidPowerAbsorption"
	ChargingComplete     = "PowerAndElectrical.ChargingComplete"

	PowerSensorPath = "IoTDataSources.Sensors.SensorPowerAbsorption.Value"
)

// DesiredCurrent is the input variable of SetChargingCurrent.
const DesiredCurrent = "desired_current"

// Schema returns the schema of a charging station whose power absorption is
// measured by the sensor with the given identifier.
func Schema(id, powerSensorID string) *schema.Twin {
	return &schema.Twin{
		ID:          id,
		IDShort:     "ChargingStation",
		Description: "Electric vehicle charging station",
		Submodels: []schema.Submodel{
			{
				ID:      "Nameplate",
				IDShort: "Nameplate",
				Elements: []schema.Element{
					&schema.Property{IDShort: "SerialNumber", ValueType: schema.TypeString, Value: schema.String(id)},
				},
			},
			{
				ID:      "Control",
				IDShort: "Control",
				Elements: []schema.Element{
					&schema.Property{IDShort: "Status", ValueType: schema.TypeString, Value: schema.String(Idle)},
					&schema.Operation{IDShort: "VehicleDetected"},
					&schema.Operation{IDShort: "VehicleDisconnected"},
					&schema.Operation{
						IDShort: "SetChargingCurrent",
						Inputs:  []schema.Variable{{Name: DesiredCurrent, ValueType: schema.TypeFloat}},
						Outputs: []schema.Variable{{Name: "accepted", ValueType: schema.TypeBool}},
					},
					&schema.Operation{IDShort: "Reset"},
				},
			},
			{
				ID:      "Settings",
				IDShort: "Settings",
				Elements: []schema.Element{
					&schema.Property{IDShort: "MinCurrent", ValueType: schema.TypeFloat, Value: schema.Float(DefaultMinCurrent)},
					&schema.Property{IDShort: "MaxCurrent", ValueType: schema.TypeFloat, Value: schema.Float(DefaultMaxCurrent)},
					&schema.Property{IDShort: "MaxSleepPower", ValueType: schema.TypeFloat, Value: schema.Float(DefaultMaxSleepPower)},
				},
			},
			{
				ID:      "PowerAndElectrical",
				IDShort: "PowerAndElectrical",
				Elements: []schema.Element{
					&schema.Property{IDShort: "InputCurrent", ValueType: schema.TypeFloat, Value: schema.Float(0)},
					&schema.ReferenceElement{IDShort: "CurrentPowerDraw", Target: PowerSensorPath},
					&schema.Event{IDShort: "OvercurrentFault"},
					&schema.Event{IDShort: "InvalidPowerAbsorption"},
					&schema.Event{IDShort: "ChargingComplete"},
				},
			},
			{
				ID:      "IoTDataSources",
				IDShort: "IoTDataSources",
				Elements: []schema.Element{
					&schema.Collection{IDShort: "Sensors", Children: []schema.Element{
						&schema.Collection{IDShort: "SensorPowerAbsorption", Children: []schema.Element{
							&schema.Property{IDShort: "SensorID", ValueType: schema.TypeString, Value: schema.String(powerSensorID)},
							&schema.Property{IDShort: "Value", ValueType: schema.TypeFloat, Value: schema.Float(0)},
						}},
					}},
				},
			},
		},
	}
}

// Logic returns the behaviour of a charging station.
func Logic() operation.Logic {
	return operation.Logic{}.
		Handle(VehicleDetected, operation.HandlerFunc(connectVehicle)).
		Handle(VehicleDisconnect, operation.HandlerFunc(disconnectVehicle)).
		Handle(SetCurrent, operation.HandlerFunc(setChargingCurrent)).
		Handle(Reset, operation.HandlerFunc(reset)).
		On(InputCurrentPath, currentChanged).
		On(PowerSensorPath, powerChanged)
}

func connectVehicle(ctx context.Context, _ operation.Values, fx operation.Effects) (operation.Values, error) {
	s, err := status(ctx, fx)
	if err != nil {
		return nil, err
	}
	if s != Idle {
		return nil, operation.Failf("cannot connect a vehicle while %s", s)
	}
	return nil, fx.Write(ctx, StatusPath, schema.String(Connected))
}

func disconnectVehicle(ctx context.Context, _ operation.Values, fx operation.Effects) (operation.Values, error) {
	s, err := status(ctx, fx)
	if err != nil {
		return nil, err
	}
	if s != Connected && s != Charging {
		return nil, operation.Failf("no vehicle is connected while %s", s)
	}
	return nil, fx.Write(ctx, StatusPath, schema.String(Idle))
}

func setChargingCurrent(ctx context.Context, in operation.Values, fx operation.Effects) (operation.Values, error) {
	s, err := status(ctx, fx)
	if err != nil {
		return nil, err
	}
	desired := in[DesiredCurrent].(schema.Float)
	switch {
	case s == Fault:
		return nil, operation.Failf("cannot set the charging current while in fault state")
	case desired < 0:
		return nil, operation.Failf("negative charging current %v A", desired)
	}
	// The current is validated by the InputCurrent trigger, like a reading from the
	// device would be.
	if err := fx.Write(ctx, InputCurrentPath, desired); err != nil {
		return nil, err
	}
	return operation.Values{"accepted": schema.Bool(true)}, nil
}

func reset(ctx context.Context, _ operation.Values, fx operation.Effects) (operation.Values, error) {
	s, err := status(ctx, fx)
	if err != nil {
		return nil, err
	}
	if s != Fault {
		return nil, operation.Failf("nothing to reset while %s", s)
	}
	return nil, fx.Write(ctx, StatusPath, schema.String(Idle))
}

func currentChanged(ctx context.Context, c operation.Change, fx operation.Effects) error {
	current := c.Value.(schema.Float)
	s, err := status(ctx, fx)
	if err != nil || s == Fault {
		return err
	}
	maxCurrent, err := readFloat(ctx, fx, MaxCurrentPath)
	if err != nil {
		return err
	}
	if current > maxCurrent {
		if err := fx.Write(ctx, StatusPath, schema.String(Fault)); err != nil {
			return err
		}
		return fx.Emit(ctx, OvercurrentFault, schema.Record{
			"current":    current,
			"maxCurrent": maxCurrent,
			"status":     schema.String(s),
		})
	}

	minCurrent, err := readFloat(ctx, fx, MinCurrentPath)
	if err != nil {
		return err
	}
	if s == Connected && current > minCurrent {
		return fx.Write(ctx, StatusPath, schema.String(Charging))
	}
	return nil
}

func powerChanged(ctx context.Context, _ operation.Change, fx operation.Effects) error {
	s, err := status(ctx, fx)
	if err != nil {
		return err
	}
	if s != Idle && s != Charging {
		return nil
	}
	// Read through the reference so that rebinding the sensor only takes a
	// schema change.
	power, err := readFloat(ctx, fx, PowerDrawPath)
	if err != nil {
		return err
	}
	sleep, err := readFloat(ctx, fx, MaxSleepPowerPath)
	if err != nil {
		return err
	}

	switch {
	case s == Idle && power > sleep:
		if err := fx.Write(ctx, StatusPath, schema.String(Fault)); err != nil {
			return err
		}
		return fx.Emit(ctx, InvalidPowerAbsorbed, schema.Record{"power": power, "maxSleepPower": sleep})
	case s == Charging && power < sleep:
		if err := fx.Write(ctx, StatusPath, schema.String(Connected)); err != nil {
			return err
		}
		return fx.Emit(ctx, ChargingComplete, schema.Record{"power": power})
	}
	return nil
}

func status(ctx context.Context, fx operation.Effects) (string, error) {
	v, err := fx.Read(ctx, StatusPath)
	if err != nil {
		return "", err
	}
	s, ok := v.(schema.String)
	if !ok {
		return "", fmt.Errorf("status is a %s", v.Type())
	}
	return string(s), nil
}

func readFloat(ctx context.Context, fx operation.Effects, address string) (schema.Float, error) {
	v, err := fx.Read(ctx, address)
	if err != nil {
		return 0, err
	}
	f, ok := v.(schema.Float)
	if !ok {
		return 0, fmt.Errorf("%s is a %s, want a float", address, v.Type())
	}
	return f, nil
}
