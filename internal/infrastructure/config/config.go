package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is the root configuration structure for the relay.
//
// A Snapshot is treated as immutable once published: every mutation path
// (config/set, config/add, config/remove, config/update, whitelist sync)
// builds a fresh Snapshot and swaps it in wholesale. Readers take a local
// reference at the start of an operation and use it consistently throughout
// that operation. Epoch tags each published snapshot so that cached filter
// decisions can be invalidated in bulk after a swap.
type Snapshot struct {
	General    GeneralConfig    `yaml:"general" json:"general"`
	Broker     BrokerConfig     `yaml:"broker" json:"broker"`
	Miniserver MiniserverConfig `yaml:"miniserver" json:"miniserver"`
	Topics     TopicsConfig     `yaml:"topics" json:"topics"`
	Processing ProcessingConfig `yaml:"processing" json:"processing"`
	UDP        UDPConfig        `yaml:"udp" json:"udp"`
	UI         UIConfig         `yaml:"ui" json:"ui"`
	API        APIConfig        `yaml:"api" json:"api"`
	Debug      DebugConfig      `yaml:"debug" json:"debug"`

	// Epoch is the snapshot version. It is assigned by the configuration
	// controller on every swap and never persisted.
	Epoch uint64 `yaml:"-" json:"-"`
}

// GeneralConfig contains relay-wide settings.
type GeneralConfig struct {
	BaseTopic string        `yaml:"base_topic" json:"base_topic"`
	CacheSize int           `yaml:"cache_size" json:"cache_size"`
	Logging   LoggingConfig `yaml:"logging" json:"logging"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// BrokerConfig contains MQTT broker connection settings.
type BrokerConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	ClientID string `yaml:"client_id" json:"client_id"`
	QoS      int    `yaml:"qos" json:"qos"`
	TLS      bool   `yaml:"tls" json:"tls"`
}

// MiniserverConfig contains Loxone Miniserver connection settings.
type MiniserverConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	User string `yaml:"user" json:"user"`
	Pass string `yaml:"pass" json:"pass"`

	// UseWebsocket selects the encrypted WebSocket transport. When false,
	// every forward is an individual HTTP request instead.
	UseWebsocket bool `yaml:"use_websocket" json:"use_websocket"`

	// MaxParallelConnections bounds concurrent HTTP requests to the
	// Miniserver. Forwards beyond the bound queue rather than spawning
	// unbounded connections.
	MaxParallelConnections int `yaml:"max_parallel_connections" json:"max_parallel_connections"`

	// SyncWithMiniserver enables deriving the topic whitelist from the
	// Miniserver's virtual input inventory at startup and on the
	// miniserverevent/startup control topic.
	SyncWithMiniserver bool `yaml:"sync_with_miniserver" json:"sync_with_miniserver"`

	// TokenRefreshMargin is how long before token expiry a proactive
	// refresh is issued.
	TokenRefreshMargin time.Duration `yaml:"token_refresh_margin" json:"token_refresh_margin"`
}

// TopicsConfig contains the routing lists consumed by the filter engine.
// All four fields are mutable at runtime via the config/set, config/add and
// config/remove control topics.
type TopicsConfig struct {
	// Subscriptions are the MQTT patterns whose traffic is considered for
	// forwarding to the Miniserver.
	Subscriptions []string `yaml:"subscriptions" json:"subscriptions"`

	// SubscriptionFilters is an ordered list of regular expressions. A
	// topic matching any of them is dropped before forwarding.
	SubscriptionFilters []string `yaml:"subscription_filters" json:"subscription_filters"`

	// TopicWhitelist, when non-empty, takes precedence over DoNotForward:
	// only normalized topics in this set are forwarded.
	TopicWhitelist []string `yaml:"topic_whitelist" json:"topic_whitelist"`

	// DoNotForward lists normalized topics that must never reach the
	// Miniserver. Ignored while TopicWhitelist is non-empty.
	DoNotForward []string `yaml:"do_not_forward" json:"do_not_forward"`
}

// ProcessingConfig contains payload transformation settings.
type ProcessingConfig struct {
	ExpandJSON      bool `yaml:"expand_json" json:"expand_json"`
	ConvertBooleans bool `yaml:"convert_booleans" json:"convert_booleans"`

	// TrueValues and FalseValues override the recognised boolean vocabulary.
	// Empty slices select the built-in defaults. Strings outside the
	// vocabulary always pass through unchanged.
	TrueValues  []string `yaml:"true_values" json:"true_values"`
	FalseValues []string `yaml:"false_values" json:"false_values"`
}

// UDPConfig contains the UDP ingestion listener settings.
type UDPConfig struct {
	InPort int `yaml:"udp_in_port" json:"udp_in_port"`
}

// UIConfig describes the external UI collaborator process. An empty
// Command leaves the UI unmanaged; startui/stopui then report
// "UI not configured".
type UIConfig struct {
	// Command is the argv of the UI process, binary first.
	Command []string `yaml:"command" json:"command"`

	// RestartOnFailure re-launches the UI when it exits unexpectedly.
	RestartOnFailure bool `yaml:"restart_on_failure" json:"restart_on_failure"`

	// RestartDelay is the pause before each re-launch attempt.
	RestartDelay time.Duration `yaml:"restart_delay" json:"restart_delay"`

	// MaxRestartAttempts caps re-launches. 0 means unlimited.
	MaxRestartAttempts int `yaml:"max_restart_attempts" json:"max_restart_attempts"`

	// GracefulTimeout is how long stop waits for SIGTERM to take effect
	// before escalating to SIGKILL.
	GracefulTimeout time.Duration `yaml:"graceful_timeout" json:"graceful_timeout"`
}

// APIConfig contains the read-only HTTP status surface settings. An empty
// Listen address disables the server.
type APIConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// DebugConfig contains observability and mock settings.
type DebugConfig struct {
	// PublishProcessedTopics echoes every processed (topic, value) pair to
	// {base}processedtopics/{normalized} before the whitelist gate.
	PublishProcessedTopics bool `yaml:"publish_processed_topics" json:"publish_processed_topics"`

	// PublishForwardedTopics echoes every forwarded topic with its result
	// code to {base}forwardedtopics/{normalized} after dispatch.
	PublishForwardedTopics bool `yaml:"publish_forwarded_topics" json:"publish_forwarded_topics"`

	// EnableMock redirects Miniserver traffic to MockHost when set.
	EnableMock bool   `yaml:"enable_mock" json:"enable_mock"`
	MockHost   string `yaml:"mock_host" json:"mock_host"`
}

// Default returns a Snapshot with sensible defaults applied.
func Default() *Snapshot {
	return &Snapshot{
		General: GeneralConfig{
			BaseTopic: "loxrelay/",
			CacheSize: 100000,
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
		},
		Broker: BrokerConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "loxrelay",
			QoS:      0,
		},
		Miniserver: MiniserverConfig{
			Host:                   "127.0.0.1",
			Port:                   80,
			UseWebsocket:           true,
			MaxParallelConnections: 5,
			SyncWithMiniserver:     true,
			TokenRefreshMargin:     5 * time.Minute,
		},
		Processing: ProcessingConfig{
			ExpandJSON:      true,
			ConvertBooleans: true,
		},
		UDP: UDPConfig{
			InPort: 11884,
		},
		UI: UIConfig{
			RestartOnFailure:   true,
			RestartDelay:       5 * time.Second,
			MaxRestartAttempts: 3,
			GracefulTimeout:    10 * time.Second,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8501",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the snapshot.
// Environment variables follow the pattern: LOXRELAY_SECTION_KEY
func applyEnvOverrides(s *Snapshot) {
	if v := os.Getenv("LOXRELAY_BROKER_HOST"); v != "" {
		s.Broker.Host = v
	}
	if v := os.Getenv("LOXRELAY_BROKER_USER"); v != "" {
		s.Broker.User = v
	}
	if v := os.Getenv("LOXRELAY_BROKER_PASSWORD"); v != "" {
		s.Broker.Password = v
	}
	if v := os.Getenv("LOXRELAY_MINISERVER_HOST"); v != "" {
		s.Miniserver.Host = v
	}
	if v := os.Getenv("LOXRELAY_MINISERVER_USER"); v != "" {
		s.Miniserver.User = v
	}
	if v := os.Getenv("LOXRELAY_MINISERVER_PASS"); v != "" {
		s.Miniserver.Pass = v
	}
}

// Validate checks the snapshot for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (s *Snapshot) Validate() error {
	var errs []string

	if s.General.BaseTopic == "" {
		errs = append(errs, "general.base_topic is required")
	} else if !strings.HasSuffix(s.General.BaseTopic, "/") {
		errs = append(errs, "general.base_topic must end with '/'")
	}
	if s.General.CacheSize < 1 {
		errs = append(errs, "general.cache_size must be positive")
	}
	if s.Broker.Port < 1 || s.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if s.Broker.QoS < 0 || s.Broker.QoS > 2 {
		errs = append(errs, "broker.qos must be 0, 1, or 2")
	}
	if s.Miniserver.Host == "" {
		errs = append(errs, "miniserver.host is required")
	}
	if s.Miniserver.Port < 1 || s.Miniserver.Port > 65535 {
		errs = append(errs, "miniserver.port must be between 1 and 65535")
	}
	if s.Miniserver.MaxParallelConnections < 1 {
		errs = append(errs, "miniserver.max_parallel_connections must be at least 1")
	}
	if s.UDP.InPort < 0 || s.UDP.InPort > 65535 {
		errs = append(errs, "udp.udp_in_port must be between 0 and 65535")
	}
	if s.UI.RestartDelay < 0 {
		errs = append(errs, "ui.restart_delay must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// Clone returns a deep copy of the snapshot. Mutation paths clone first,
// modify the clone, and publish it; the original is never touched.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Topics.Subscriptions = append([]string(nil), s.Topics.Subscriptions...)
	c.Topics.SubscriptionFilters = append([]string(nil), s.Topics.SubscriptionFilters...)
	c.Topics.TopicWhitelist = append([]string(nil), s.Topics.TopicWhitelist...)
	c.Topics.DoNotForward = append([]string(nil), s.Topics.DoNotForward...)
	c.Processing.TrueValues = append([]string(nil), s.Processing.TrueValues...)
	c.Processing.FalseValues = append([]string(nil), s.Processing.FalseValues...)
	c.UI.Command = append([]string(nil), s.UI.Command...)
	return &c
}

// Redacted returns a copy of the snapshot with credential fields emptied.
// Used for the config/response topic and the read-only HTTP surface.
func (s *Snapshot) Redacted() *Snapshot {
	c := s.Clone()
	c.Broker.User = ""
	c.Broker.Password = ""
	c.Miniserver.User = ""
	c.Miniserver.Pass = ""
	return c
}

// ListMode selects how a list-valued field mutation is applied.
type ListMode string

// List mutation modes for ApplyListOp.
const (
	ListSet    ListMode = "set"    // replace contents wholesale
	ListAdd    ListMode = "add"    // set union
	ListRemove ListMode = "remove" // set difference
)

// listFieldNames are the mutable list-valued fields addressable by the
// config/set, config/add and config/remove control topics.
var listFieldNames = map[string]bool{
	"subscriptions":        true,
	"subscription_filters": true,
	"topic_whitelist":      true,
	"do_not_forward":       true,
}

// IsListField reports whether name addresses a known mutable list field.
func IsListField(name string) bool {
	return listFieldNames[name]
}

// ApplyListOp returns a new snapshot with the named list field mutated
// according to mode. The receiver is not modified. Unknown field names
// return ErrUnknownField and leave every field untouched.
func (s *Snapshot) ApplyListOp(field string, values []string, mode ListMode) (*Snapshot, error) {
	if !IsListField(field) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}

	c := s.Clone()
	target := c.listField(field)

	switch mode {
	case ListSet:
		*target = append([]string(nil), values...)
	case ListAdd:
		*target = unionStrings(*target, values)
	case ListRemove:
		*target = subtractStrings(*target, values)
	default:
		return nil, fmt.Errorf("%w: list mode %q", ErrInvalidConfig, mode)
	}

	return c, nil
}

// listField returns a pointer to the named list field within the snapshot.
// Callers must have checked IsListField first.
func (s *Snapshot) listField(field string) *[]string {
	switch field {
	case "subscriptions":
		return &s.Topics.Subscriptions
	case "subscription_filters":
		return &s.Topics.SubscriptionFilters
	case "topic_whitelist":
		return &s.Topics.TopicWhitelist
	case "do_not_forward":
		return &s.Topics.DoNotForward
	}
	panic("config: listField called with unknown field " + field)
}

// unionStrings appends the values not already present, preserving the order
// of existing entries.
func unionStrings(existing, values []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, v := range existing {
		seen[v] = true
	}
	for _, v := range values {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	return out
}

// subtractStrings removes the given values, preserving the order of the
// remaining entries.
func subtractStrings(existing, values []string) []string {
	drop := make(map[string]bool, len(values))
	for _, v := range values {
		drop[v] = true
	}
	out := make([]string, 0, len(existing))
	for _, v := range existing {
		if !drop[v] {
			out = append(out, v)
		}
	}
	return out
}

// Parse decodes YAML into a snapshot on top of defaults and validates it.
// Used by Store.Load and by tests that build snapshots from literals.
func Parse(data []byte) (*Snapshot, error) {
	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	applyEnvOverrides(s)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
