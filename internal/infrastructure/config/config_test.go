package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	s, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if s.General.BaseTopic != "loxrelay/" {
		t.Errorf("BaseTopic = %q, want %q", s.General.BaseTopic, "loxrelay/")
	}
	if s.Miniserver.MaxParallelConnections != 5 {
		t.Errorf("MaxParallelConnections = %d, want 5", s.Miniserver.MaxParallelConnections)
	}
	if !s.Processing.ExpandJSON {
		t.Error("ExpandJSON = false, want true")
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
general:
  base_topic: relay/
broker:
  host: broker.local
  port: 8883
  tls: true
miniserver:
  host: 192.168.1.77
  use_websocket: false
`)

	s, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if s.Broker.Host != "broker.local" || s.Broker.Port != 8883 || !s.Broker.TLS {
		t.Errorf("broker = %+v, want broker.local:8883 tls", s.Broker)
	}
	if s.Miniserver.UseWebsocket {
		t.Error("UseWebsocket = true, want false")
	}
	// Unset fields keep their defaults.
	if s.UDP.InPort != 11884 {
		t.Errorf("InPort = %d, want 11884", s.UDP.InPort)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"empty base topic", func(s *Snapshot) { s.General.BaseTopic = "" }},
		{"base topic without slash", func(s *Snapshot) { s.General.BaseTopic = "relay" }},
		{"zero cache size", func(s *Snapshot) { s.General.CacheSize = 0 }},
		{"broker port out of range", func(s *Snapshot) { s.Broker.Port = 70000 }},
		{"invalid qos", func(s *Snapshot) { s.Broker.QoS = 3 }},
		{"empty miniserver host", func(s *Snapshot) { s.Miniserver.Host = "" }},
		{"zero parallel connections", func(s *Snapshot) { s.Miniserver.MaxParallelConnections = 0 }},
		{"udp port out of range", func(s *Snapshot) { s.UDP.InPort = -1 }},
		{"negative ui restart delay", func(s *Snapshot) { s.UI.RestartDelay = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(s)
			err := s.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestApplyListOpSet(t *testing.T) {
	s := Default()
	s.Topics.Subscriptions = []string{"old/#"}

	got, err := s.ApplyListOp("subscriptions", []string{"a/#", "b/#"}, ListSet)
	if err != nil {
		t.Fatalf("ApplyListOp() error = %v", err)
	}

	if want := []string{"a/#", "b/#"}; !reflect.DeepEqual(got.Topics.Subscriptions, want) {
		t.Errorf("Subscriptions = %v, want %v", got.Topics.Subscriptions, want)
	}
	// Original is untouched.
	if !reflect.DeepEqual(s.Topics.Subscriptions, []string{"old/#"}) {
		t.Errorf("source snapshot mutated: %v", s.Topics.Subscriptions)
	}
}

func TestApplyListOpAddRemoveRoundTrip(t *testing.T) {
	s := Default()
	s.Topics.Subscriptions = []string{"a/#", "b/#"}

	added, err := s.ApplyListOp("subscriptions", []string{"x"}, ListAdd)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(added.Topics.Subscriptions) != 3 {
		t.Fatalf("after add: %v", added.Topics.Subscriptions)
	}

	removed, err := added.ApplyListOp("subscriptions", []string{"x"}, ListRemove)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !reflect.DeepEqual(removed.Topics.Subscriptions, s.Topics.Subscriptions) {
		t.Errorf("add+remove did not restore: got %v, want %v",
			removed.Topics.Subscriptions, s.Topics.Subscriptions)
	}
}

func TestApplyListOpAddDeduplicates(t *testing.T) {
	s := Default()
	s.Topics.DoNotForward = []string{"internal_topic"}

	got, err := s.ApplyListOp("do_not_forward", []string{"internal_topic", "other"}, ListAdd)
	if err != nil {
		t.Fatalf("ApplyListOp() error = %v", err)
	}
	if want := []string{"internal_topic", "other"}; !reflect.DeepEqual(got.Topics.DoNotForward, want) {
		t.Errorf("DoNotForward = %v, want %v", got.Topics.DoNotForward, want)
	}
}

func TestApplyListOpUnknownField(t *testing.T) {
	s := Default()

	_, err := s.ApplyListOp("no_such_field", []string{"x"}, ListSet)
	if !errors.Is(err, ErrUnknownField) {
		t.Errorf("ApplyListOp() error = %v, want ErrUnknownField", err)
	}
}

func TestRedacted(t *testing.T) {
	s := Default()
	s.Broker.User = "broker-user"
	s.Broker.Password = "broker-pass"
	s.Miniserver.User = "admin"
	s.Miniserver.Pass = "secret"

	r := s.Redacted()

	if r.Broker.User != "" || r.Broker.Password != "" {
		t.Errorf("broker credentials not redacted: %+v", r.Broker)
	}
	if r.Miniserver.User != "" || r.Miniserver.Pass != "" {
		t.Errorf("miniserver credentials not redacted: %+v", r.Miniserver)
	}
	// Redaction must not touch the original.
	if s.Miniserver.Pass != "secret" {
		t.Error("Redacted() mutated the source snapshot")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	store := NewStore(path)

	s := Default()
	s.Topics.Subscriptions = []string{"home/#"}
	s.Topics.TopicWhitelist = []string{"home_kitchen_light"}

	if err := store.Save(s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !reflect.DeepEqual(got.Topics.Subscriptions, s.Topics.Subscriptions) {
		t.Errorf("Subscriptions = %v, want %v", got.Topics.Subscriptions, s.Topics.Subscriptions)
	}
	if !reflect.DeepEqual(got.Topics.TopicWhitelist, s.Topics.TopicWhitelist) {
		t.Errorf("TopicWhitelist = %v, want %v", got.Topics.TopicWhitelist, s.Topics.TopicWhitelist)
	}
}

func TestStoreLoadMissingFileReturnsDefaults(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.yaml"))

	s, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.General.BaseTopic != "loxrelay/" {
		t.Errorf("BaseTopic = %q, want default", s.General.BaseTopic)
	}
}

func TestStoreLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	store := NewStore(path)
	if err := os.WriteFile(path, []byte("broker: [not a mapping"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := store.Load()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
	}
}
