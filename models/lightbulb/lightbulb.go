// Package lightbulb models a light bulb that is On whenever its measured power
// draw reaches a threshold.
package lightbulb

import (
	"context"
	"fmt"

	"github.com/go-digitaltwin/go-twin/operation"
	"github.com/go-digitaltwin/go-twin/schema"
)

const (
	On  = "On"
	Off = "Off"
)

// DefaultThreshold is the power draw, in watts, from which a bulb is On.
const DefaultThreshold = 0.5

const (
	StatusPath    = "Control.Status"
	SwitchOnPath  = "Control.SwitchOn"
	SwitchOffPath = "Control.SwitchOff"
	StatusChanged = "Control.StatusChanged"
	ThresholdPath = "Settings.Threshold"
	PowerDrawPath = "PowerAndElectrical.CurrentPowerDraw"
	SensorPath    = "IoTDataSources.Sensors.SensorPower.Value"
)

// Schema returns the schema of a light bulb whose power draw is measured by
// the sensor with the given identifier.
func Schema(id, powerSensorID string) *schema.Twin {
	return &schema.Twin{
		ID:      id,
		IDShort: "LightBulb",
		Submodels: []schema.Submodel{
			{ID: "Control", Elements: []schema.Element{
				&schema.Property{IDShort: "Status", ValueType: schema.TypeString, Value: schema.String(Off)},
				&schema.Operation{IDShort: "SwitchOn"},
				&schema.Operation{IDShort: "SwitchOff"},
				&schema.Event{IDShort: "StatusChanged"},
			}},
			{ID: "Settings", Elements: []schema.Element{
				&schema.Property{IDShort: "Threshold", ValueType: schema.TypeFloat, Value: schema.Float(DefaultThreshold)},
			}},
			{ID: "PowerAndElectrical", Elements: []schema.Element{
				&schema.ReferenceElement{IDShort: "CurrentPowerDraw", Target: SensorPath},
			}},
			{ID: "IoTDataSources", Elements: []schema.Element{
				&schema.Collection{IDShort: "Sensors", Children: []schema.Element{
					&schema.Collection{IDShort: "SensorPower", Children: []schema.Element{
						&schema.Property{IDShort: "SensorID", ValueType: schema.TypeString, Value: schema.String(powerSensorID)},
						&schema.Property{IDShort: "Value", ValueType: schema.TypeFloat, Value: schema.Float(0)},
					}},
				}},
			}},
		},
	}
}

// Logic returns the behaviour of a light bulb.
func Logic() operation.Logic {
	return operation.Logic{}.
		Handle(SwitchOnPath, switchTo(On)).
		Handle(SwitchOffPath, switchTo(Off)).
		On(SensorPath, powerChanged)
}

func switchTo(status string) operation.HandlerFunc {
	return func(ctx context.Context, _ operation.Values, fx operation.Effects) (operation.Values, error) {
		return nil, transition(ctx, fx, status)
	}
}

func powerChanged(ctx context.Context, _ operation.Change, fx operation.Effects) error {
	power, err := fx.Read(ctx, PowerDrawPath)
	if err != nil {
		return err
	}
	threshold, err := fx.Read(ctx, ThresholdPath)
	if err != nil {
		return err
	}
	p, ok1 := power.(schema.Float)
	th, ok2 := threshold.(schema.Float)
	if !ok1 || !ok2 {
		return fmt.Errorf("power %v or threshold %v is not a float", power, threshold)
	}
	if p >= th {
		return transition(ctx, fx, On)
	}
	return transition(ctx, fx, Off)
}

// transition sets the status and announces actual changes.
func transition(ctx context.Context, fx operation.Effects, to string) error {
	from, err := fx.Read(ctx, StatusPath)
	if err != nil {
		return err
	}
	if from == schema.String(to) {
		return nil
	}
	if err := fx.Write(ctx, StatusPath, schema.String(to)); err != nil {
		return err
	}
	return fx.Emit(ctx, StatusChanged, schema.Record{"from": from, "to": schema.String(to)})
}
