package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nerrad567/loxrelay/internal/infrastructure/config"
)

// Verdict is the forwarding decision for a single processed topic.
type Verdict int

const (
	// VerdictForward: the value is sent to the Miniserver.
	VerdictForward Verdict = iota

	// VerdictFiltered: the topic matched a subscription filter and was not
	// whitelisted.
	VerdictFiltered

	// VerdictNotWhitelisted: a whitelist is configured and the normalised
	// topic is not on it.
	VerdictNotWhitelisted

	// VerdictDoNotForward: the normalised topic is on the do-not-forward
	// list. The message is still processed (and echoed on the debug topic)
	// but never reaches the Miniserver.
	VerdictDoNotForward
)

// String returns the verdict name for logging and debug echoes.
func (v Verdict) String() string {
	switch v {
	case VerdictForward:
		return "forward"
	case VerdictFiltered:
		return "filtered"
	case VerdictNotWhitelisted:
		return "not_whitelisted"
	case VerdictDoNotForward:
		return "do_not_forward"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Message is one processed leaf of an inbound MQTT or UDP message, carrying
// the forwarding decision alongside the converted value.
type Message struct {
	// Topic is the raw leaf topic (original topic plus any flattened JSON
	// key path).
	Topic string

	// Normalized is Topic with MQTT separators folded for the Miniserver.
	Normalized string

	// Value is the payload after boolean conversion.
	Value string

	// Verdict is the forwarding decision for this leaf.
	Verdict Verdict
}

// normalizeReplacer folds the characters Loxone virtual inputs cannot carry.
var normalizeReplacer = strings.NewReplacer("/", "_", "%", "_")

// Normalize converts an MQTT topic into a Miniserver virtual input name by
// replacing "/" and "%" with "_". The transform is idempotent.
func Normalize(topic string) string {
	return normalizeReplacer.Replace(topic)
}

// Engine evaluates inbound messages against one immutable configuration
// snapshot: subscription filters, whitelist, do-not-forward list, JSON
// expansion and boolean conversion.
//
// An Engine is built per snapshot and never mutated afterwards, so it is
// safe for concurrent use. Forwarding decisions are memoised in the shared
// Cache keyed by the snapshot epoch; swapping config builds a new Engine
// with a new epoch, which makes stale entries unreachable.
type Engine struct {
	epoch   uint64
	filters []*regexp.Regexp

	whitelist    map[string]struct{}
	doNotForward map[string]struct{}

	expandJSON bool
	booleans   *booleanTable

	cache *Cache
}

// New builds an Engine from a configuration snapshot.
//
// Invalid filter regexes are reported rather than skipped: a broken filter
// silently matching nothing would forward traffic the operator meant to
// block.
func New(snap *config.Snapshot, cache *Cache) (*Engine, error) {
	e := &Engine{
		epoch:        snap.Epoch,
		whitelist:    make(map[string]struct{}, len(snap.Topics.TopicWhitelist)),
		doNotForward: make(map[string]struct{}, len(snap.Topics.DoNotForward)),
		expandJSON:   snap.Processing.ExpandJSON,
		cache:        cache,
	}

	for _, pattern := range snap.Topics.SubscriptionFilters {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidFilter, pattern, err)
		}
		e.filters = append(e.filters, re)
	}

	// Whitelist and do-not-forward entries are compared in normalised form
	// so operators can write either the MQTT topic or the virtual input
	// name.
	for _, topic := range snap.Topics.TopicWhitelist {
		e.whitelist[Normalize(topic)] = struct{}{}
	}
	for _, topic := range snap.Topics.DoNotForward {
		e.doNotForward[Normalize(topic)] = struct{}{}
	}

	if snap.Processing.ConvertBooleans {
		table := newBooleanTable(snap.Processing.TrueValues, snap.Processing.FalseValues)
		e.booleans = &table
	}

	return e, nil
}

// Epoch returns the snapshot epoch this engine was built from.
func (e *Engine) Epoch() uint64 { return e.epoch }

// Process runs one inbound message through the full pipeline: first-pass
// filtering on the raw topic, JSON expansion, per-leaf second-pass
// filtering, boolean conversion, normalisation and the forwarding decision.
//
// A first-pass filter hit drops the message before expansion and returns no
// leaves at all, so one regex can suppress an entire JSON payload without
// producing debug echoes for it.
func (e *Engine) Process(topic string, payload []byte) []Message {
	if e.filteredOut(topic) {
		return nil
	}

	leaves := e.expand(topic, payload)
	results := make([]Message, 0, len(leaves))
	for _, leaf := range leaves {
		results = append(results, e.evaluate(leaf.topic, leaf.value))
	}
	return results
}

type leaf struct {
	topic string
	value string
}

// expand applies JSON flattening when enabled and the payload is a JSON
// object; otherwise the message is a single leaf with its raw payload.
func (e *Engine) expand(topic string, payload []byte) []leaf {
	if e.expandJSON {
		if flat, ok := Flatten(payload); ok {
			leaves := make([]leaf, 0, len(flat))
			for key, value := range flat {
				leaves = append(leaves, leaf{topic: topic + "/" + key, value: value})
			}
			return leaves
		}
	}
	return []leaf{{topic: topic, value: string(payload)}}
}

// evaluate produces the Message for one leaf, consulting the decision cache
// for the verdict and applying boolean conversion to the value.
func (e *Engine) evaluate(topic, value string) Message {
	normalized := Normalize(topic)

	verdict, cached := e.cache.Get(e.epoch, topic)
	if !cached {
		verdict = e.decide(topic, normalized)
		e.cache.Set(e.epoch, topic, verdict)
	}

	if e.booleans != nil {
		value = e.booleans.convert(value)
	}

	return Message{
		Topic:      topic,
		Normalized: normalized,
		Value:      value,
		Verdict:    verdict,
	}
}

// decide computes the forwarding verdict for a leaf topic. The
// subscription filters drop unconditionally, even whitelisted topics, so
// one regex can always silence a noisy source. A non-empty whitelist then
// gates membership; the do-not-forward list only applies while no
// whitelist is configured.
func (e *Engine) decide(topic, normalized string) Verdict {
	if e.matchesFilter(topic) {
		return VerdictFiltered
	}
	if len(e.whitelist) > 0 {
		if _, ok := e.whitelist[normalized]; !ok {
			return VerdictNotWhitelisted
		}
		return VerdictForward
	}
	if _, ok := e.doNotForward[normalized]; ok {
		return VerdictDoNotForward
	}
	return VerdictForward
}

// filteredOut is the first-pass check on the raw inbound topic, before any
// JSON expansion.
func (e *Engine) filteredOut(topic string) bool {
	return e.matchesFilter(topic)
}

func (e *Engine) matchesFilter(topic string) bool {
	for _, re := range e.filters {
		if re.MatchString(topic) {
			return true
		}
	}
	return false
}
