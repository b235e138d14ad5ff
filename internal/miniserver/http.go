package miniserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/loxrelay/internal/infrastructure/config"
)

// Result reports the outcome of forwarding one value to the Miniserver.
type Result struct {
	// OK is true when the Miniserver accepted the value.
	OK bool

	// Code is an HTTP-style status code: the Miniserver's own response
	// code on the HTTP path, or a synthesised code (408 timeout, 499
	// cancelled, 503 unreachable, 500 other) on transport failures.
	Code int
}

// httpRequestTimeout bounds one forward request end to end.
const httpRequestTimeout = 10 * time.Second

// HTTPPool sends values to the Miniserver's HTTP interface through a
// bounded pool of concurrent requests.
//
// Each value becomes GET /dev/sps/io/{input}/{value} with basic auth. The
// semaphore caps in-flight requests at max_parallel_connections so a burst
// of MQTT traffic cannot exhaust the Miniserver's tiny HTTP server.
type HTTPPool struct {
	client  *http.Client
	sem     *semaphore.Weighted
	baseURL string
	user    string
	pass    string
	logger  Logger
}

// NewHTTPPool creates a pool targeting the host resolved from the
// miniserver and debug config (the mock target wins when enabled).
func NewHTTPPool(cfg config.MiniserverConfig, dbg config.DebugConfig, logger Logger) *HTTPPool {
	if logger == nil {
		logger = noopLogger{}
	}

	limit := cfg.MaxParallelConnections
	if limit <= 0 {
		limit = 5
	}

	scheme := "http"
	if cfg.Port == 443 {
		scheme = "https"
	}

	return &HTTPPool{
		client:  &http.Client{Timeout: httpRequestTimeout},
		sem:     semaphore.NewWeighted(int64(limit)),
		baseURL: fmt.Sprintf("%s://%s", scheme, targetAddr(cfg, dbg)),
		user:    cfg.User,
		pass:    cfg.Pass,
		logger:  logger,
	}
}

// Send forwards one value to a virtual input over HTTP.
//
// Blocks while the pool is saturated. Transport failures are reported in
// the Result code rather than as errors: the pipeline logs and moves on,
// matching the per-message fault isolation of the MQTT path.
func (p *HTTPPool) Send(ctx context.Context, input, value string) Result {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{Code: 499}
	}
	defer p.sem.Release(1)

	target := fmt.Sprintf("%s/dev/sps/io/%s/%s",
		p.baseURL, url.PathEscape(input), url.PathEscape(value))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		p.logger.Error("Building miniserver request failed", "url", target, "error", err)
		return Result{Code: 500}
	}
	if p.user != "" {
		req.SetBasicAuth(p.user, p.pass)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		code := classifyTransportError(err)
		p.logger.Error("Forward to miniserver failed",
			"input", input,
			"code", code,
			"error", err,
		)
		return Result{Code: code}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("Miniserver rejected value",
			"input", input,
			"status", resp.StatusCode,
		)
	}

	return Result{OK: resp.StatusCode == http.StatusOK, Code: resp.StatusCode}
}

// classifyTransportError maps request failures onto HTTP-style codes for
// the debug echo payloads: 408 timeout, 499 cancelled, 503 unreachable,
// 500 anything else.
func classifyTransportError(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return 408
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 408
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return 503
	}

	return 500
}

// targetAddr resolves the host:port the relay talks to, honouring the mock
// target when debugging.
func targetAddr(cfg config.MiniserverConfig, dbg config.DebugConfig) string {
	host := cfg.Host
	if dbg.EnableMock && dbg.MockHost != "" {
		host = dbg.MockHost
	}
	if cfg.Port != 0 && cfg.Port != 80 && cfg.Port != 443 {
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	}
	return host
}
