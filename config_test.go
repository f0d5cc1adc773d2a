package twin

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfigFrom(map[string]string{})
	if err != nil {
		t.Fatal("LoadConfigFrom():", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Error("empty environment differs from DefaultConfig():", diff)
	}
}

func TestLoadConfigFrom(t *testing.T) {
	cfg, err := LoadConfigFrom(map[string]string{
		"TWIN_MAILBOX_CAPACITY":    "0",
		"TWIN_RESOLVE_TIMEOUT":     "250ms",
		"TWIN_MAX_REFERENCE_DEPTH": "4",
		"TWIN_SHUTDOWN_POLICY":     "Discard",
		"MAX_TRIGGER_DEPTH":        "1", // not prefixed, ignored
	})
	if err != nil {
		t.Fatal("LoadConfigFrom():", err)
	}
	want := DefaultConfig()
	want.MailboxCapacity = 0
	want.ResolveTimeout = 250 * time.Millisecond
	want.MaxReferenceDepth = 4
	want.ShutdownPolicy = Discard
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Error("LoadConfigFrom() differs:", diff)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	for _, environ := range []map[string]string{
		{"TWIN_SHUTDOWN_POLICY": "abandon"},
		{"TWIN_RESOLVE_TIMEOUT": "0s"},
		{"TWIN_MAILBOX_CAPACITY": "-1"},
		{"TWIN_SUBSCRIBER_BUFFER": "many"},
	} {
		if _, err := LoadConfigFrom(environ); err == nil {
			t.Errorf("LoadConfigFrom(%v) succeeded; want an error", environ)
		}
	}
}
