package relay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"slices"
	"sync"
	"testing"

	"github.com/nerrad567/loxrelay/internal/infrastructure/config"
)

func TestConfigGetPublishesRedactedSnapshot(t *testing.T) {
	h := newHarness(t, func(snap *config.Snapshot) {
		snap.Broker.User = "user"
		snap.Broker.Password = "hunter2"
		snap.Miniserver.Pass = "hunter2"
	})

	h.bus.deliver(t, h.topics.ConfigGet(), "")

	responses := h.bus.messagesTo(h.topics.ConfigResponse())
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}

	var snap config.Snapshot
	if err := json.Unmarshal([]byte(responses[0].payload), &snap); err != nil {
		t.Fatalf("response is not a snapshot: %v", err)
	}
	if snap.Broker.Password != "" || snap.Miniserver.Pass != "" {
		t.Error("config response leaked credentials")
	}
}

func TestConfigSetReplacesListAndBumpsEpoch(t *testing.T) {
	h := newHarness(t, nil)
	before := h.relay.Epoch()

	payload := `{"do_not_forward": ["home/private"], "bogus_field": ["x"]}`
	h.bus.deliver(t, h.topics.ConfigSet(), payload)

	snap := h.relay.Snapshot()
	if !slices.Equal(snap.Topics.DoNotForward, []string{"home/private"}) {
		t.Errorf("do_not_forward = %v, want [home/private]", snap.Topics.DoNotForward)
	}
	if h.relay.Epoch() <= before {
		t.Errorf("epoch = %d, want > %d", h.relay.Epoch(), before)
	}

	// The unknown field was skipped, not fatal.
	h.relay.HandleData("home/private", []byte("1"))
	if len(h.forwarder.sent()) != 0 {
		t.Error("do_not_forward not effective after set")
	}

	// A successful mutation answers with the active config.
	responses := h.bus.messagesTo(h.topics.ConfigResponse())
	if len(responses) != 1 {
		t.Fatalf("got %d config responses, want 1", len(responses))
	}
	var echoed config.Snapshot
	if err := json.Unmarshal([]byte(responses[0].payload), &echoed); err != nil {
		t.Fatalf("response is not a snapshot: %v", err)
	}
	if !slices.Equal(echoed.Topics.DoNotForward, []string{"home/private"}) {
		t.Errorf("echoed do_not_forward = %v", echoed.Topics.DoNotForward)
	}
}

func TestConfigSetPersists(t *testing.T) {
	h := newHarness(t, nil)

	h.bus.deliver(t, h.topics.ConfigSet(), `{"topic_whitelist": ["home/keeper"]}`)

	persisted, err := h.store.Load()
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	if !slices.Equal(persisted.Topics.TopicWhitelist, []string{"home/keeper"}) {
		t.Errorf("persisted whitelist = %v, want [home/keeper]", persisted.Topics.TopicWhitelist)
	}
}

func TestConfigAddRemoveRoundTrip(t *testing.T) {
	h := newHarness(t, func(snap *config.Snapshot) {
		snap.Topics.DoNotForward = []string{"a"}
	})

	h.bus.deliver(t, h.topics.ConfigAdd(), `{"do_not_forward": ["b"]}`)
	got := h.relay.Snapshot().Topics.DoNotForward
	if !slices.Contains(got, "a") || !slices.Contains(got, "b") {
		t.Errorf("after add: %v, want a and b", got)
	}

	h.bus.deliver(t, h.topics.ConfigRemove(), `{"do_not_forward": ["b"]}`)
	got = h.relay.Snapshot().Topics.DoNotForward
	if !slices.Equal(got, []string{"a"}) {
		t.Errorf("after remove: %v, want [a]", got)
	}
}

func TestConcurrentMutationsBothApply(t *testing.T) {
	// The MQTT client dispatches handlers on separate goroutines; two
	// mutations arriving together must both land instead of the later
	// install discarding the earlier change.
	h := newHarness(t, nil)

	for range 50 {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.relay.handleListOp([]byte(`{"topic_whitelist": ["home/keeper"]}`), config.ListAdd)
		}()
		go func() {
			defer wg.Done()
			h.relay.handleListOp([]byte(`{"do_not_forward": ["home/private"]}`), config.ListAdd)
		}()
		wg.Wait()

		snap := h.relay.Snapshot()
		if !slices.Contains(snap.Topics.TopicWhitelist, "home/keeper") {
			t.Fatalf("whitelist add lost: %v", snap.Topics.TopicWhitelist)
		}
		if !slices.Contains(snap.Topics.DoNotForward, "home/private") {
			t.Fatalf("do_not_forward add lost: %v", snap.Topics.DoNotForward)
		}

		h.bus.deliver(t, h.topics.ConfigRemove(), `{"topic_whitelist": ["home/keeper"], "do_not_forward": ["home/private"]}`)
	}
}

func TestConfigSetRejectsInvalidJSON(t *testing.T) {
	h := newHarness(t, nil)
	before := h.relay.Epoch()

	h.bus.deliver(t, h.topics.ConfigSet(), `{not json`)

	if h.relay.Epoch() != before {
		t.Error("invalid payload still swapped a snapshot")
	}

	responses := h.bus.messagesTo(h.topics.ConfigResponse())
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1 error reply", len(responses))
	}
	var reply map[string]string
	if err := json.Unmarshal([]byte(responses[0].payload), &reply); err != nil {
		t.Fatalf("error reply is not JSON: %v", err)
	}
	if reply["error"] == "" {
		t.Error("error reply missing error field")
	}
}

func TestConfigSetRejectsInvalidFilter(t *testing.T) {
	h := newHarness(t, nil)
	before := h.relay.Snapshot()

	h.bus.deliver(t, h.topics.ConfigSet(), `{"subscription_filters": ["([unclosed"]}`)

	if h.relay.Epoch() != before.Epoch {
		t.Error("invalid filter regex still swapped a snapshot")
	}
}

func TestConfigUpdateReloadsFromStore(t *testing.T) {
	h := newHarness(t, nil)

	// Mutate the file behind the relay's back, as an operator would.
	snap := h.relay.Snapshot().Clone()
	snap.Topics.DoNotForward = []string{"edited/on/disk"}
	if err := h.store.Save(snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	h.bus.deliver(t, h.topics.ConfigUpdate(), "")

	got := h.relay.Snapshot().Topics.DoNotForward
	if !slices.Equal(got, []string{"edited/on/disk"}) {
		t.Errorf("after update: %v, want [edited/on/disk]", got)
	}
}

func TestConfigUpdateKeepsCurrentOnParseFailure(t *testing.T) {
	h := newHarness(t, nil)
	before := h.relay.Epoch()

	if err := os.WriteFile(h.store.Path(), []byte("broker: [broken"), 0o600); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	h.bus.deliver(t, h.topics.ConfigUpdate(), "")

	if h.relay.Epoch() != before {
		t.Error("broken file still swapped a snapshot")
	}
}

func TestSubscriptionDeltaOnSwap(t *testing.T) {
	h := newHarness(t, nil)

	if !h.bus.subscribedTo("home/#") {
		t.Fatal("initial subscription missing")
	}

	h.bus.deliver(t, h.topics.ConfigSet(), `{"subscriptions": ["office/#"]}`)

	if h.bus.subscribedTo("home/#") {
		t.Error("stale subscription kept after set")
	}
	if !h.bus.subscribedTo("office/#") {
		t.Error("new subscription missing after set")
	}
}

// ============================================================================
// Whitelist sync
// ============================================================================

func TestResyncWhitelistSwapsRuntimeOnly(t *testing.T) {
	h := newHarness(t, func(snap *config.Snapshot) {
		snap.Miniserver.SyncWithMiniserver = true
		snap.Topics.TopicWhitelist = []string{"configured"}
	})
	h.relay.fetch = func(context.Context, config.MiniserverConfig) ([]string, error) {
		return []string{"Kitchen Light", "heating/setpoint"}, nil
	}

	h.relay.resyncWhitelist(context.Background())

	got := h.relay.Snapshot().Topics.TopicWhitelist
	want := []string{"Kitchen Light", "heating_setpoint"}
	if !slices.Equal(got, want) {
		t.Errorf("runtime whitelist = %v, want %v", got, want)
	}

	// The inventory never touches the config file.
	persisted, err := h.store.Load()
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	if !slices.Equal(persisted.Topics.TopicWhitelist, []string{"configured"}) {
		t.Errorf("persisted whitelist = %v, want [configured]", persisted.Topics.TopicWhitelist)
	}
}

func TestResyncWhitelistKeepsConfiguredOnFailure(t *testing.T) {
	h := newHarness(t, func(snap *config.Snapshot) {
		snap.Miniserver.SyncWithMiniserver = true
		snap.Topics.TopicWhitelist = []string{"configured"}
	})
	h.relay.fetch = func(context.Context, config.MiniserverConfig) ([]string, error) {
		return nil, errors.New("ftp unreachable")
	}

	h.relay.resyncWhitelist(context.Background())

	got := h.relay.Snapshot().Topics.TopicWhitelist
	if !slices.Equal(got, []string{"configured"}) {
		t.Errorf("whitelist = %v, want configured kept", got)
	}
}

// ============================================================================
// UI control
// ============================================================================

func TestStartStopUI(t *testing.T) {
	h := newHarness(t, nil)
	ui := &fakeUI{}
	h.relay.ui = ui

	h.bus.deliver(t, h.topics.StartUI(), "")
	if !ui.running || ui.starts != 1 {
		t.Errorf("ui after start: %+v, want running", ui)
	}

	// Second start reports already running.
	h.bus.deliver(t, h.topics.StartUI(), "")
	if ui.starts != 1 {
		t.Errorf("starts = %d, want 1", ui.starts)
	}

	h.bus.deliver(t, h.topics.StopUI(), "")
	if ui.running || ui.stops != 1 {
		t.Errorf("ui after stop: %+v, want stopped", ui)
	}

	statuses := h.bus.messagesTo(h.topics.UIStatus())
	if len(statuses) != 3 {
		t.Errorf("ui status messages = %d, want 3", len(statuses))
	}
}

func TestRestartStopsUIAndRespawns(t *testing.T) {
	h := newHarness(t, nil)
	ui := &fakeUI{running: true}
	h.relay.ui = ui

	respawned := false
	h.relay.respawn = func() error { respawned = true; return nil }

	h.bus.deliver(t, h.topics.ConfigRestart(), "")

	if ui.running {
		t.Error("UI still running after restart")
	}
	if !respawned {
		t.Error("respawn not invoked")
	}
}
