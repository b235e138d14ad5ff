package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/loxrelay/internal/filter"
	"github.com/nerrad567/loxrelay/internal/infrastructure/config"
	"github.com/nerrad567/loxrelay/internal/infrastructure/mqtt"
	"github.com/nerrad567/loxrelay/internal/miniserver"
)

// Logger is the minimal logging interface the package needs. Compatible
// with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Bus is the MQTT surface the relay uses, implemented by mqtt.Client.
type Bus interface {
	Publish(topic string, payload []byte) error
	PublishRetained(topic string, payload []byte) error
	PublishJSON(topic string, v any) error
	Subscribe(topic string, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Forwarder delivers values to the Miniserver, implemented by
// miniserver.Connector.
type Forwarder interface {
	Forward(ctx context.Context, input, value string) miniserver.Result
	State() miniserver.State
	SetOnConnect(callback func())
}

// UIRunner manages the external UI collaborator process.
type UIRunner interface {
	Start() error
	Stop() error
	Running() bool
}

// InputFetcher retrieves the Miniserver's virtual input inventory, normally
// miniserver.FetchVirtualInputs.
type InputFetcher func(ctx context.Context, cfg config.MiniserverConfig) ([]string, error)

// Counters are the pipeline's running totals, exposed on the status
// surface.
type Counters struct {
	Ingested     int64 `json:"ingested"`
	Forwarded    int64 `json:"forwarded"`
	Dropped      int64 `json:"dropped"`
	UDPPublished int64 `json:"udp_published"`
}

type counters struct {
	ingested     *xsync.Counter
	forwarded    *xsync.Counter
	dropped      *xsync.Counter
	udpPublished *xsync.Counter
}

// Options configure a Relay.
type Options struct {
	// Store persists configuration mutations and serves reloads.
	Store *config.Store

	// Snapshot is the starting configuration.
	Snapshot *config.Snapshot

	Bus       Bus
	Topics    mqtt.Topics
	Forwarder Forwarder

	// UI is optional; without it the UI control topics report unavailable.
	UI UIRunner

	// FetchInputs is optional; without it whitelist sync is disabled.
	FetchInputs InputFetcher

	// Respawn restarts the whole process for the restart control topic.
	Respawn func() error

	Logger Logger
}

// Relay is the routing pipeline and configuration controller.
type Relay struct {
	store     *config.Store
	bus       Bus
	topics    mqtt.Topics
	forwarder Forwarder
	ui        UIRunner
	fetch     InputFetcher
	respawn   func() error
	logger    Logger

	snapshot atomic.Pointer[config.Snapshot]
	engine   atomic.Pointer[filter.Engine]
	cache    *filter.Cache
	epoch    atomic.Uint64

	// subscribed tracks active data subscriptions for delta resubscribe
	// on config swaps.
	subscribed map[string]struct{}
	subMu      sync.Mutex

	// mutateMu serialises every read-modify-install of the snapshot. The
	// MQTT client runs handlers concurrently, and two mutations cloning the
	// same base would silently lose one of the changes.
	mutateMu sync.Mutex

	counters counters

	// runCtx is the lifetime of Run, used by MQTT handlers that need a
	// context for forwarding.
	runCtx context.Context
	ctxMu  sync.RWMutex
}

// New creates a Relay from its wired dependencies.
//
// Invalid subscription filters in the starting snapshot are logged and
// dropped rather than refused: a relay that will not boot over one bad
// regex helps nobody. Mutations arriving later are stricter.
func New(opts Options) (*Relay, error) {
	if opts.Snapshot == nil || opts.Store == nil || opts.Bus == nil || opts.Forwarder == nil {
		return nil, fmt.Errorf("relay: store, snapshot, bus and forwarder are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	cacheSize := opts.Snapshot.General.CacheSize
	if cacheSize <= 0 {
		cacheSize = 100000
	}
	cache, err := filter.NewCache(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("decision cache: %w", err)
	}

	r := &Relay{
		store:      opts.Store,
		bus:        opts.Bus,
		topics:     opts.Topics,
		forwarder:  opts.Forwarder,
		ui:         opts.UI,
		fetch:      opts.FetchInputs,
		respawn:    opts.Respawn,
		logger:     logger,
		cache:      cache,
		subscribed: make(map[string]struct{}),
		counters: counters{
			ingested:     xsync.NewCounter(),
			forwarded:    xsync.NewCounter(),
			dropped:      xsync.NewCounter(),
			udpPublished: xsync.NewCounter(),
		},
	}

	snap := pruneInvalidFilters(opts.Snapshot, logger)
	if err := r.install(snap); err != nil {
		return nil, err
	}

	return r, nil
}

// pruneInvalidFilters drops subscription filter patterns that do not
// compile, logging each one.
func pruneInvalidFilters(snap *config.Snapshot, logger Logger) *config.Snapshot {
	valid := snap.Topics.SubscriptionFilters[:0:0]
	for _, pattern := range snap.Topics.SubscriptionFilters {
		probe := snap.Clone()
		probe.Topics.SubscriptionFilters = []string{pattern}
		if _, err := filter.New(probe, nil); err != nil {
			logger.Error("Dropping invalid subscription filter", "pattern", pattern, "error", err)
			continue
		}
		valid = append(valid, pattern)
	}
	if len(valid) == len(snap.Topics.SubscriptionFilters) {
		return snap
	}
	pruned := snap.Clone()
	pruned.Topics.SubscriptionFilters = valid
	return pruned
}

// install assigns the next epoch to snap, builds its engine and swaps both
// in. The epoch bump makes every cached decision from older snapshots
// unreachable.
func (r *Relay) install(snap *config.Snapshot) error {
	next := snap.Clone()
	next.Epoch = r.epoch.Add(1)

	engine, err := filter.New(next, r.cache)
	if err != nil {
		return err
	}

	r.snapshot.Store(next)
	r.engine.Store(engine)
	return nil
}

// Snapshot returns the active configuration snapshot.
func (r *Relay) Snapshot() *config.Snapshot {
	return r.snapshot.Load()
}

// Stats returns the pipeline counters.
func (r *Relay) Stats() Counters {
	return Counters{
		Ingested:     r.counters.ingested.Value(),
		Forwarded:    r.counters.forwarded.Value(),
		Dropped:      r.counters.dropped.Value(),
		UDPPublished: r.counters.udpPublished.Value(),
	}
}

// MiniserverState reports the connector session state for the status
// surface.
func (r *Relay) MiniserverState() string {
	return r.forwarder.State().String()
}

// Epoch returns the active snapshot epoch.
func (r *Relay) Epoch() uint64 {
	return r.Snapshot().Epoch
}

// Run starts the relay and blocks until ctx is cancelled: control and data
// subscriptions, startup whitelist sync, the UDP listener and the UI
// process.
func (r *Relay) Run(ctx context.Context) error {
	r.ctxMu.Lock()
	r.runCtx = ctx
	r.ctxMu.Unlock()

	r.forwarder.SetOnConnect(func() {
		// Announce the session on the bus; the startup handler (here and
		// in any other subscriber) reacts to the event itself.
		if err := r.bus.Publish(r.topics.MiniserverStartup(), []byte("connected")); err != nil {
			r.logger.Warn("Publishing miniserver startup event failed", "error", err)
		}
	})

	if err := r.subscribeControl(); err != nil {
		return err
	}
	if err := r.syncSubscriptions(r.Snapshot()); err != nil {
		return err
	}

	if r.Snapshot().Miniserver.SyncWithMiniserver {
		r.resyncWhitelist(ctx)
	}

	if r.ui != nil {
		if err := r.ui.Start(); err != nil {
			r.logger.Error("UI start failed", "error", err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return r.ServeUDP(groupCtx) })
	group.Go(func() error {
		<-groupCtx.Done()
		if r.ui != nil {
			r.ui.Stop()
		}
		return nil
	})

	r.logger.Info("Relay started", "epoch", r.Epoch())
	return group.Wait()
}

func (r *Relay) context() context.Context {
	r.ctxMu.RLock()
	defer r.ctxMu.RUnlock()
	if r.runCtx != nil {
		return r.runCtx
	}
	return context.Background()
}

// ============================================================================
// Data path
// ============================================================================

// HandleData processes one inbound data message through the filter engine
// and forwards passing leaves to the Miniserver. It is the MQTT handler
// for all data subscriptions and is also fed by tests directly.
func (r *Relay) HandleData(topic string, payload []byte) error {
	// The relay's own control and debug traffic never re-enters the
	// pipeline.
	if r.topics.IsRelayTopic(topic) {
		return nil
	}

	r.counters.ingested.Inc()

	snap := r.Snapshot()
	engine := r.engine.Load()
	ctx := r.context()

	msgs := engine.Process(topic, payload)
	if len(msgs) == 0 {
		// The raw topic hit a subscription filter (or the payload flattened
		// to nothing); no leaves exist, so no debug echoes either.
		r.counters.dropped.Inc()
		r.logger.Debug("Message dropped", "topic", topic)
		return nil
	}

	for _, msg := range msgs {
		if snap.Debug.PublishProcessedTopics {
			r.publishDebug(r.topics.ProcessedTopic(msg.Normalized), []byte(msg.Value))
		}

		if msg.Verdict != filter.VerdictForward {
			r.counters.dropped.Inc()
			r.logger.Debug("Message dropped",
				"topic", msg.Topic,
				"verdict", msg.Verdict.String(),
			)
			continue
		}

		result := r.forwarder.Forward(ctx, msg.Normalized, msg.Value)
		if result.OK {
			r.counters.forwarded.Inc()
		}

		if snap.Debug.PublishForwardedTopics {
			echo := map[string]any{
				"value":     msg.Value,
				"http_code": result.Code,
			}
			topic := r.topics.ForwardedTopic(msg.Normalized)
			if err := r.bus.PublishJSON(topic, echo); err != nil {
				r.logger.Debug("Debug echo publish failed", "topic", topic, "error", err)
			}
		}
	}

	return nil
}

func (r *Relay) publishDebug(topic string, payload []byte) {
	if err := r.bus.Publish(topic, payload); err != nil {
		r.logger.Debug("Debug echo publish failed", "topic", topic, "error", err)
	}
}

// ============================================================================
// Subscription management
// ============================================================================

// syncSubscriptions reconciles data subscriptions after a snapshot swap:
// new topics are subscribed, removed topics unsubscribed, the rest left
// alone.
func (r *Relay) syncSubscriptions(next *config.Snapshot) error {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	want := make(map[string]struct{}, len(next.Topics.Subscriptions))
	for _, topic := range next.Topics.Subscriptions {
		want[topic] = struct{}{}
	}

	for topic := range r.subscribed {
		if _, keep := want[topic]; keep {
			continue
		}
		if err := r.bus.Unsubscribe(topic); err != nil {
			r.logger.Warn("Unsubscribe failed", "topic", topic, "error", err)
		}
		delete(r.subscribed, topic)
	}

	for topic := range want {
		if _, have := r.subscribed[topic]; have {
			continue
		}
		if err := r.bus.Subscribe(topic, r.HandleData); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		r.subscribed[topic] = struct{}{}
	}

	return nil
}
