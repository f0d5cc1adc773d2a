package twin_test

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"

	twin "github.com/go-digitaltwin/go-twin"
	"github.com/go-digitaltwin/go-twin/egress"
	"github.com/go-digitaltwin/go-twin/eventbus"
	"github.com/go-digitaltwin/go-twin/ingress"
	"github.com/go-digitaltwin/go-twin/models/chargingstation"
	"github.com/go-digitaltwin/go-twin/models/lightbulb"
	"github.com/go-digitaltwin/go-twin/operation"
	"github.com/go-digitaltwin/go-twin/schema"
)

// ExampleRuntime_Exec is an example [component.Descriptor] hosting twins: device
// messages are consumed from an interest and twin events are published to an
// aspect.
func ExampleRuntime_Exec() {
	updatesInterest := "twins.updates"
	eventsAspect := "twins.events"

	d := &component.Descriptor{
		Name: "twin-runtime",
		Doc:  "Hosts a charging station and a light bulb.",
		Bootstrap: func(l *component.L, target component.Linker, options any) error {
			logger := component.Logger(l.Context())

			cfg, err := twin.LoadConfig()
			if err != nil {
				return err
			}
			router := new(ingress.Router)
			rt, err := twin.New(l.Context(), cfg, twin.WithObserver(router))
			if err != nil {
				return err
			}
			if _, err := rt.Instantiate(l.Context(), chargingstation.Schema("urn:twin:ev:1", "urn:sensor:power:1"), chargingstation.Logic()); err != nil {
				return err
			}
			if _, err := rt.Instantiate(l.Context(), lightbulb.Schema("urn:twin:bulb:1", "urn:sensor:bulb:1"), lightbulb.Logic()); err != nil {
				return err
			}

			logger.Debug("Opening interest subscription...", slog.String("topic-name", updatesInterest))
			updates, err := target.LinkInterest(l.GraceContext(), updatesInterest)
			if err != nil {
				return fmt.Errorf("open interest %q: %w", updatesInterest, err)
			}
			l.CleanupBackground(updates.Shutdown)

			logger.Debug("Opening aspect topic...", slog.String("topic-name", eventsAspect))
			events, err := target.LinkAspect(l.GraceContext(), eventsAspect)
			if err != nil {
				return fmt.Errorf("open aspect %q: %w", eventsAspect, err)
			}
			l.CleanupContext(events.Shutdown)

			l.Fork("runtime", rt)
			l.Fork("ingress", router.Stream(updates))
			l.Fork("egress", egress.NewForwarder(rt.Bus(), events, eventbus.Filter{}))
			return nil
		},
		Aspects:   []string{eventsAspect},
		Interests: []string{updatesInterest},
	}

	fmt.Print(d)
}

func ExampleHandle_Read() {
	ctx := context.Background()
	rt, err := twin.New(ctx, twin.DefaultConfig())
	if err != nil {
		panic(err)
	}
	defer rt.Shutdown(ctx)

	// The display shows the reading of another twin through a reference.
	sensor := &schema.Twin{ID: "sensor", Submodels: []schema.Submodel{{ID: "M", Elements: []schema.Element{
		&schema.Property{IDShort: "Reading", ValueType: schema.TypeFloat, Value: schema.Float(0)},
	}}}}
	display := &schema.Twin{ID: "display", Submodels: []schema.Submodel{{ID: "M", Elements: []schema.Element{
		&schema.ReferenceElement{IDShort: "Shown", Target: "sensor#M.Reading"},
	}}}}
	s, err := rt.Instantiate(ctx, sensor, operation.Logic{})
	if err != nil {
		panic(err)
	}
	h, err := rt.Instantiate(ctx, display, operation.Logic{})
	if err != nil {
		panic(err)
	}

	if _, err := s.Write(ctx, "M.Reading", schema.Float(21.5)); err != nil {
		panic(err)
	}
	r, err := h.Read(ctx, "M.Shown")
	if err != nil {
		panic(err)
	}
	fmt.Println(r.Address, r.Value)
	// Output: sensor#M.Reading 21.5
}
