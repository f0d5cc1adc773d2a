// Package mqtt feeds the ingress Router from an MQTT broker.
//
// Devices publish JSON-encoded ingress.Messages on a single topic, by default
// "twins/updates".
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v7"
	"github.com/danielorbach/go-component"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/go-digitaltwin/go-twin/ingress"
)

// DefaultTopic is the topic devices publish their updates and commands to.
const DefaultTopic = "twins/updates"

// DefaultTimeout bounds exchanges with the broker when Config leaves Timeout
// unset.
const DefaultTimeout = 10 * time.Second

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "MQTT_"

var errTimeout = errors.New("timed out waiting for the broker")

// Config locates the broker and the topic to consume.
type Config struct {
	// Broker is the URL of the broker, e.g. "tcp://localhost:1883".
	Broker   string        `env:"BROKER,required"`
	Topic    string        `env:"TOPIC" envDefault:"twins/updates"`
	ClientID string        `env:"CLIENT_ID" envDefault:"dt-recv"`
	QoS      byte          `env:"QOS" envDefault:"1"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// LoadConfig reads the configuration from MQTT_-prefixed environment variables,
// e.g. MQTT_BROKER=tcp://localhost:1883.
func LoadConfig() (Config, error) {
	return parseConfig(env.Options{Prefix: EnvPrefix})
}

// LoadConfigFrom is like LoadConfig but reads the given variables instead of
// the process environment.
func LoadConfigFrom(environ map[string]string) (Config, error) {
	return parseConfig(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func parseConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse mqtt config: %w", err)
	}
	if cfg.QoS > 2 {
		return Config{}, fmt.Errorf("invalid mqtt config: qos %d", cfg.QoS)
	}
	if cfg.Timeout <= 0 {
		return Config{}, fmt.Errorf("invalid mqtt config: timeout %s is not positive", cfg.Timeout)
	}
	return cfg, nil
}

// Dial connects a new client to the configured broker.
func Dial(cfg Config) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(5 * time.Second).
		SetAutoReconnect(true)
	client := paho.NewClient(opts)
	if err := wait(client.Connect(), cfg.Timeout); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// A Router routes decoded messages, see ingress.Router.
type Router interface {
	Route(ctx context.Context, m ingress.Message) error
}

// Subscribe routes every message published on the configured topic through r.
// It waits at most cfg.Timeout for the broker to acknowledge the subscription.
// Handlers run on the client's goroutine; ctx supplies their logger and trace.
func Subscribe(ctx context.Context, client paho.Client, cfg Config, r Router) error {
	topic := cfg.Topic
	logger := component.Logger(ctx).With(slog.String("topic", topic))
	handler := func(_ paho.Client, msg paho.Message) {
		m, err := ingress.Decode(msg.Payload())
		if err != nil {
			logger.Warn("Skipping undecodable message", slog.Any("error", err))
			return
		}
		if err := r.Route(ctx, m); err != nil {
			logger.Warn("Couldn't route message", slog.Any("error", err))
		}
	}
	if err := wait(client.Subscribe(topic, cfg.QoS, handler), cfg.Timeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	logger.Info("Subscribed to device messages")
	return nil
}

// Proc returns a component.Proc that consumes the configured topic until the
// component stops, then unsubscribes and disconnects the client.
func Proc(client paho.Client, cfg Config, r Router) component.Proc {
	return func(l *component.L) {
		if err := Subscribe(context.WithoutCancel(l.Context()), client, cfg, r); err != nil {
			l.Fatal(err)
		}
		<-l.Context().Done()
		if err := wait(client.Unsubscribe(cfg.Topic), cfg.Timeout); err != nil {
			l.Errorf("unsubscribe %s: %v", cfg.Topic, err)
		}
		client.Disconnect(uint(cfg.Timeout / time.Millisecond))
	}
}

// wait blocks until t completes, or for at most timeout if positive.
// wait bounds every exchange with the broker, a zero timeout meaning
// DefaultTimeout.
func wait(t paho.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !t.WaitTimeout(timeout) {
		return errTimeout
	}
	return t.Error()
}
