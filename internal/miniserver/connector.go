package miniserver

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/loxrelay/internal/infrastructure/config"
)

// Logger is the minimal logging interface the package needs. Compatible
// with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output. Used when no logger is provided.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ============================================================================
// Session state
// ============================================================================

// State is the connector's session state.
type State int32

const (
	StateDisconnected State = iota
	StateHandshaking
	StateAuthenticated
	StateConnected
	StateRefreshing
	StateReconnecting
)

// String returns the state name for logging and the status surface.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateConnected:
		return "connected"
	case StateRefreshing:
		return "refreshing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reconnect and keepalive tuning.
const (
	initialBackoff     = time.Second
	maxBackoff         = 2 * time.Minute
	keepaliveInterval  = 30 * time.Second
	maxMissedPongs     = 3
	maxAuthFailures    = 3
	commandTimeout     = 10 * time.Second
	handshakeTimeout   = 15 * time.Second
	defaultTokenMargin = 5 * time.Minute

	// tokenPermission requests an app-class token from getjwt.
	tokenPermission = 4
)

// ============================================================================
// Connector
// ============================================================================

// Connector maintains the session with the Miniserver and forwards values
// to its virtual inputs.
//
// One goroutine (Run) owns the session end to end: handshake, keepalives,
// token refresh, command dispatch and reconnect backoff. Forward is safe to
// call from any goroutine; requests cross into the session goroutine over a
// channel and fall back to the HTTP pool when no WebSocket session is up.
type Connector struct {
	cfg    config.MiniserverConfig
	dbg    config.DebugConfig
	logger Logger

	httpPool   *HTTPPool
	httpClient *http.Client
	dialer     *websocket.Dialer

	commands chan forwardRequest
	state    atomic.Int32

	// keepaliveEvery is the ping cadence for the serve loop, shortened by
	// tests.
	keepaliveEvery time.Duration

	onConnect  func()
	callbackMu sync.RWMutex

	// clientID identifies this relay instance in token requests, so a
	// restart does not revoke another instance's token.
	clientID string
}

type forwardRequest struct {
	input string
	value string
	reply chan Result
}

// New creates a Connector for the configured Miniserver. The debug config
// may redirect traffic to a mock target.
func New(cfg config.MiniserverConfig, dbg config.DebugConfig, logger Logger) *Connector {
	if logger == nil {
		logger = noopLogger{}
	}

	return &Connector{
		cfg:        cfg,
		dbg:        dbg,
		logger:     logger,
		httpPool:   NewHTTPPool(cfg, dbg, logger),
		httpClient: &http.Client{Timeout: handshakeTimeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			Subprotocols:     []string{"remotecontrol"},
		},
		commands:       make(chan forwardRequest),
		keepaliveEvery: keepaliveInterval,
		clientID:       uuid.NewString(),
	}
}

// State returns the current session state.
func (c *Connector) State() State {
	return State(c.state.Load())
}

func (c *Connector) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("Miniserver session state changed", "from", old.String(), "to", s.String())
	}
}

// SetOnConnect sets a callback invoked each time a session reaches the
// connected state, including after reconnects.
func (c *Connector) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// Run drives the session until ctx is cancelled.
//
// With use_websocket disabled the connector stays idle and every Forward
// travels over the HTTP pool. Otherwise Run cycles the session FSM:
// handshake, serve, reconnect with capped exponential backoff. Credential
// rejections are retried up to maxAuthFailures and then surfaced as
// ErrAuthFailed; hammering a Miniserver with a wrong password locks the
// account.
func (c *Connector) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)

	if !c.cfg.UseWebsocket {
		c.logger.Info("WebSocket path disabled, forwarding via HTTP only")
		<-ctx.Done()
		return nil
	}

	backoff := initialBackoff
	authFailures := 0

	for {
		c.setState(StateHandshaking)
		sess, err := c.handshake(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isAuthError(err) {
				authFailures++
				if authFailures >= maxAuthFailures {
					c.logger.Error("Miniserver rejected credentials repeatedly, giving up",
						"attempts", authFailures,
					)
					return fmt.Errorf("%w: after %d attempts", ErrAuthFailed, authFailures)
				}
			}
			c.logger.Warn("Miniserver handshake failed",
				"error", err,
				"retry_in", backoff.String(),
			)
			c.setState(StateReconnecting)
			if !sleepCtx(ctx, jitter(backoff)) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		authFailures = 0
		backoff = initialBackoff
		c.setState(StateConnected)
		c.logger.Info("Miniserver session established",
			"token_expiry", sess.token.Expiry.Format(time.RFC3339),
		)
		c.notifyConnect()

		err = c.serve(ctx, sess)
		sess.close()
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn("Miniserver session lost",
			"error", err,
			"retry_in", backoff.String(),
		)
		c.setState(StateReconnecting)
		if !sleepCtx(ctx, jitter(backoff)) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *Connector) notifyConnect() {
	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// Forward sends one processed value to a virtual input.
//
// The WebSocket session is preferred when up; otherwise (disabled, down,
// or mid-reconnect) the value goes through the bounded HTTP pool. Failures
// are reported in the Result code, never as an error, so one bad message
// cannot stall the pipeline.
func (c *Connector) Forward(ctx context.Context, input, value string) Result {
	if c.cfg.UseWebsocket && c.State() == StateConnected {
		req := forwardRequest{input: input, value: value, reply: make(chan Result, 1)}
		handoff := time.NewTimer(commandTimeout)
		select {
		case c.commands <- req:
			handoff.Stop()
			select {
			case res := <-req.reply:
				return res
			case <-ctx.Done():
				return Result{Code: 499}
			}
		case <-ctx.Done():
			handoff.Stop()
			return Result{Code: 499}
		case <-handoff.C:
			// Session died between the state check and the handoff; the
			// HTTP pool below picks it up.
		}
	}

	return c.httpPool.Send(ctx, input, value)
}

// ============================================================================
// Backoff helpers
// ============================================================================

// nextBackoff doubles the wait up to the cap.
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// jitter spreads reconnect attempts by ±20% so a fleet of relays does not
// stampede a recovering Miniserver.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// sleepCtx waits for d or until ctx is cancelled. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
