package twin

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v7"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "TWIN_"

// A ShutdownPolicy decides the fate of messages still queued when a twin is
// asked to shut down.
type ShutdownPolicy uint8

const (
	// Drain processes every message queued before the shutdown request.
	Drain ShutdownPolicy = iota
	// Discard fails every queued message with ErrTerminated.
	Discard
)

func (p ShutdownPolicy) String() string {
	switch p {
	case Drain:
		return "drain"
	case Discard:
		return "discard"
	}
	return fmt.Sprintf("ShutdownPolicy(%d)", uint8(p))
}

func (p ShutdownPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ShutdownPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "drain":
		*p = Drain
	case "discard":
		*p = Discard
	default:
		return fmt.Errorf("unknown shutdown policy %q", text)
	}
	return nil
}

// Config tunes a Runtime. The zero value is not valid; start from
// DefaultConfig or LoadConfig.
type Config struct {
	// MailboxCapacity bounds the number of data messages queued per twin. Zero
	// means unbounded.
	MailboxCapacity int `env:"MAILBOX_CAPACITY" envDefault:"1024"`
	// ResolveTimeout bounds every cross-twin lookup.
	ResolveTimeout time.Duration `env:"RESOLVE_TIMEOUT" envDefault:"2s"`
	// MaxReferenceDepth bounds the number of reference elements followed by a
	// single resolution.
	MaxReferenceDepth int `env:"MAX_REFERENCE_DEPTH" envDefault:"8"`
	// MaxTriggerDepth bounds nested trigger invocations within one message.
	MaxTriggerDepth int `env:"MAX_TRIGGER_DEPTH" envDefault:"8"`
	// SubscriberBuffer is the number of events buffered per subscription.
	SubscriberBuffer int `env:"SUBSCRIBER_BUFFER" envDefault:"64"`
	// ShutdownPolicy applies to every twin of the runtime.
	ShutdownPolicy ShutdownPolicy `env:"SHUTDOWN_POLICY" envDefault:"drain"`
}

// DefaultConfig returns the configuration LoadConfig yields for an empty
// environment.
func DefaultConfig() Config {
	return Config{
		MailboxCapacity:   1024,
		ResolveTimeout:    2 * time.Second,
		MaxReferenceDepth: 8,
		MaxTriggerDepth:   8,
		SubscriberBuffer:  64,
		ShutdownPolicy:    Drain,
	}
}

// LoadConfig reads the configuration from TWIN_-prefixed environment variables,
// e.g. TWIN_RESOLVE_TIMEOUT=500ms.
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
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that would make a Runtime misbehave.
func (c Config) Validate() error {
	switch {
	case c.MailboxCapacity < 0:
		return fmt.Errorf("invalid config: negative mailbox capacity %d", c.MailboxCapacity)
	case c.ResolveTimeout <= 0:
		return fmt.Errorf("invalid config: resolve timeout %s is not positive", c.ResolveTimeout)
	case c.MaxReferenceDepth <= 0:
		return fmt.Errorf("invalid config: max reference depth %d is not positive", c.MaxReferenceDepth)
	case c.MaxTriggerDepth <= 0:
		return fmt.Errorf("invalid config: max trigger depth %d is not positive", c.MaxTriggerDepth)
	case c.SubscriberBuffer <= 0:
		return fmt.Errorf("invalid config: subscriber buffer %d is not positive", c.SubscriberBuffer)
	}
	return nil
}
