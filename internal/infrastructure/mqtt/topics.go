package mqtt

import "strings"

// Topics builds the relay's well-known topic names from the configured base
// topic. The base topic always carries a trailing slash.
type Topics struct {
	base string
}

// NewTopics creates a Topics builder, normalising the base to end with a
// single trailing slash.
func NewTopics(base string) Topics {
	base = strings.TrimRight(base, "/") + "/"
	return Topics{base: base}
}

// Base returns the normalised base topic, trailing slash included.
func (t Topics) Base() string { return t.base }

// Status is the relay availability topic (retained, also the LWT target).
func (t Topics) Status() string { return t.base + "status" }

// Control topics for the configuration controller.

func (t Topics) ConfigGet() string      { return t.base + "config/get" }
func (t Topics) ConfigResponse() string { return t.base + "config/response" }
func (t Topics) ConfigSet() string      { return t.base + "config/set" }
func (t Topics) ConfigAdd() string      { return t.base + "config/add" }
func (t Topics) ConfigRemove() string   { return t.base + "config/remove" }
func (t Topics) ConfigUpdate() string   { return t.base + "config/update" }
func (t Topics) ConfigRestart() string  { return t.base + "config/restart" }

// MiniserverStartup is published by the connector whenever a Miniserver
// session reaches the connected state.
func (t Topics) MiniserverStartup() string { return t.base + "miniserverevent/startup" }

// UI process control topics.

func (t Topics) StartUI() string  { return t.base + "startui" }
func (t Topics) StopUI() string   { return t.base + "stopui" }
func (t Topics) UIStatus() string { return t.base + "ui/status" }

// ProcessedTopic returns the debug echo topic for a message that passed
// filtering, keyed by its normalised topic.
func (t Topics) ProcessedTopic(normalized string) string {
	return t.base + "processedtopics/" + normalized
}

// ForwardedTopic returns the debug echo topic for a message that was
// forwarded to the Miniserver, keyed by its normalised topic.
func (t Topics) ForwardedTopic(normalized string) string {
	return t.base + "forwardedtopics/" + normalized
}

// IsRelayTopic reports whether topic lives under the relay's own base topic.
// The routing pipeline uses this to avoid feeding its own control and debug
// traffic back through the filter engine.
func (t Topics) IsRelayTopic(topic string) bool {
	return strings.HasPrefix(topic, t.base)
}
