package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/loxrelay/internal/filter"
	"github.com/nerrad567/loxrelay/internal/infrastructure/config"
)

// subscribeControl registers handlers for the relay's control topics.
func (r *Relay) subscribeControl() error {
	handlers := map[string]func(payload []byte){
		r.topics.ConfigGet():         func([]byte) { r.handleConfigGet() },
		r.topics.ConfigSet():         func(p []byte) { r.handleListOp(p, config.ListSet) },
		r.topics.ConfigAdd():         func(p []byte) { r.handleListOp(p, config.ListAdd) },
		r.topics.ConfigRemove():      func(p []byte) { r.handleListOp(p, config.ListRemove) },
		r.topics.ConfigUpdate():      func([]byte) { r.handleConfigUpdate() },
		r.topics.ConfigRestart():     func([]byte) { r.handleRestart() },
		r.topics.MiniserverStartup(): func([]byte) { r.handleMiniserverStartup() },
		r.topics.StartUI():           func([]byte) { r.handleStartUI() },
		r.topics.StopUI():            func([]byte) { r.handleStopUI() },
	}

	for topic, handle := range handlers {
		err := r.bus.Subscribe(topic, func(_ string, payload []byte) error {
			handle(payload)
			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribe control topic %s: %w", topic, err)
		}
	}

	return nil
}

// handleConfigGet publishes the active configuration, credentials redacted,
// on the response topic.
func (r *Relay) handleConfigGet() {
	if err := r.bus.PublishJSON(r.topics.ConfigResponse(), r.Snapshot().Redacted()); err != nil {
		r.logger.Error("Publishing config response failed", "error", err)
	}
}

// handleListOp applies a set/add/remove mutation to the list-valued config
// fields.
//
// The payload is a JSON object mapping field names to value lists. Unknown
// fields are rejected individually; the remaining fields still apply. The
// result is validated, persisted and swapped in without a restart, so the
// new filters take effect on the next message.
func (r *Relay) handleListOp(payload []byte, mode config.ListMode) {
	var fields map[string][]string
	if err := json.Unmarshal(payload, &fields); err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidControlPayload, err)
		r.logger.Error("Rejecting config mutation", "error", err)
		r.publishMutationError(err)
		return
	}

	r.mutateMu.Lock()
	defer r.mutateMu.Unlock()

	next := r.Snapshot()
	applied := 0
	for field, values := range fields {
		updated, err := next.ApplyListOp(field, values, mode)
		if err != nil {
			r.logger.Warn("Skipping config field", "field", field, "error", err)
			continue
		}
		next = updated
		applied++
	}
	if applied == 0 {
		r.logger.Warn("Config mutation changed nothing")
		r.publishMutationError(ErrInvalidControlPayload)
		return
	}

	if err := r.commit(next); err != nil {
		r.logger.Error("Rejecting config mutation", "error", err)
		r.publishMutationError(err)
		return
	}

	r.logger.Info("Configuration updated",
		"fields", applied,
		"epoch", r.Epoch(),
	)

	// Answer with the now-active configuration so the requester sees the
	// outcome without a separate get.
	r.handleConfigGet()
}

// publishMutationError reports a rejected mutation on the response topic.
func (r *Relay) publishMutationError(opErr error) {
	err := r.bus.PublishJSON(r.topics.ConfigResponse(), map[string]string{"error": opErr.Error()})
	if err != nil {
		r.logger.Warn("Publishing mutation error failed", "error", err)
	}
}

// handleConfigUpdate reloads the configuration file. A file that fails to
// parse or validate leaves the current snapshot in effect.
func (r *Relay) handleConfigUpdate() {
	r.mutateMu.Lock()
	defer r.mutateMu.Unlock()

	loaded, err := r.store.Load()
	if err != nil {
		r.logger.Error("Config reload failed, keeping current configuration", "error", err)
		return
	}

	if err := r.swap(loaded); err != nil {
		r.logger.Error("Config reload rejected, keeping current configuration", "error", err)
		return
	}

	r.logger.Info("Configuration reloaded", "epoch", r.Epoch())
}

// handleRestart stops the UI and respawns the whole relay process.
func (r *Relay) handleRestart() {
	r.logger.Info("Restart requested via control topic")

	if r.ui != nil {
		r.ui.Stop()
	}
	if r.respawn == nil {
		r.logger.Error("Restart requested but no respawn handler configured")
		return
	}
	if err := r.respawn(); err != nil {
		r.logger.Error("Respawn failed", "error", err)
	}
}

// handleMiniserverStartup resynchronises the whitelist when the Miniserver
// announces a (re)start and sync is enabled.
func (r *Relay) handleMiniserverStartup() {
	if !r.Snapshot().Miniserver.SyncWithMiniserver {
		return
	}
	r.logger.Info("Miniserver startup detected, resyncing whitelist")
	go r.resyncWhitelist(r.context())
}

func (r *Relay) handleStartUI() {
	if r.ui == nil {
		r.publishUIStatus("UI not configured")
		return
	}
	if r.ui.Running() {
		r.publishUIStatus("UI is already running")
		return
	}
	if err := r.ui.Start(); err != nil {
		r.publishUIStatus(fmt.Sprintf("Failed to start UI: %v", err))
		return
	}
	r.publishUIStatus("UI started successfully")
}

func (r *Relay) handleStopUI() {
	if r.ui == nil {
		r.publishUIStatus("UI not configured")
		return
	}
	if !r.ui.Running() {
		r.publishUIStatus("UI is not running")
		return
	}
	if err := r.ui.Stop(); err != nil {
		r.publishUIStatus(fmt.Sprintf("Error stopping UI: %v", err))
		return
	}
	r.publishUIStatus("UI stopped successfully")
}

func (r *Relay) publishUIStatus(status string) {
	if err := r.bus.Publish(r.topics.UIStatus(), []byte(status)); err != nil {
		r.logger.Warn("Publishing UI status failed", "error", err)
	}
}

// ============================================================================
// Snapshot lifecycle
// ============================================================================

// commit validates, persists and activates a mutated snapshot.
func (r *Relay) commit(next *config.Snapshot) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if err := r.swap(next); err != nil {
		return err
	}
	if err := r.store.Save(next); err != nil {
		// The runtime swap already happened; losing persistence is worth
		// surfacing but not worth rolling back a working config.
		r.logger.Error("Persisting configuration failed", "error", err)
	}
	return nil
}

// swap activates a snapshot: engine rebuild, epoch bump, subscription
// reconciliation. Runtime only, nothing is persisted.
func (r *Relay) swap(next *config.Snapshot) error {
	if err := r.install(next); err != nil {
		return err
	}
	if err := r.syncSubscriptions(r.Snapshot()); err != nil {
		r.logger.Warn("Subscription reconciliation incomplete", "error", err)
	}
	return nil
}

// resyncWhitelist replaces the runtime whitelist with the Miniserver's
// virtual input inventory. Fetch failures keep the configured whitelist;
// the inventory is runtime state and is never written to the config file.
func (r *Relay) resyncWhitelist(ctx context.Context) {
	if r.fetch == nil {
		r.logger.Warn("Whitelist sync enabled but no input fetcher wired")
		return
	}

	snap := r.Snapshot()
	inputs, err := r.fetch(ctx, snap.Miniserver)
	if err != nil {
		r.logger.Error("Whitelist sync failed, keeping configured whitelist", "error", err)
		return
	}

	normalized := make([]string, 0, len(inputs))
	for _, input := range inputs {
		normalized = append(normalized, filter.Normalize(input))
	}

	// The fetch ran unlocked; re-read the snapshot under the mutation lock
	// so a config change that landed meanwhile is not clobbered.
	r.mutateMu.Lock()
	defer r.mutateMu.Unlock()

	next := r.Snapshot().Clone()
	next.Topics.TopicWhitelist = normalized
	if err := r.swap(next); err != nil {
		r.logger.Error("Whitelist sync rejected", "error", err)
		return
	}

	r.logger.Info("Whitelist synced from miniserver",
		"inputs", len(normalized),
		"epoch", r.Epoch(),
	)
}
