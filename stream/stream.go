// Package stream consumes the remote authority's push-event channel and
// reconciles incoming deltas into the engine. The connection runs a small
// explicit state machine so the rest of the daemon can observe channel
// health without poking at the transport.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

// State is the push-channel connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Applier receives reconciliation work: individual deltas in arrival order,
// and full resyncs when the channel may have dropped events.
type Applier interface {
	Apply(ev domain.StreamEvent)
	Resync(ctx context.Context) error
}

// Config carries the push-channel endpoint and tuning knobs.
type Config struct {
	// URL is the SSE endpoint of the remote authority.
	URL string
	// Token supplies the bearer token per connection attempt.
	Token func() string

	HTTPClient       *http.Client
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// ResyncQuiet is the debounce window for post-reconnect resyncs;
	// another reconnect inside the window resets the timer instead of
	// stacking a second resync.
	ResyncQuiet time.Duration
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ResyncQuiet <= 0 {
		c.ResyncQuiet = 2 * time.Second
	}
}

// Client maintains one long-lived SSE subscription against the authority.
type Client struct {
	cfg     Config
	applier Applier
	conn    *domain.Connectivity
	logger  *log.Logger

	state atomic.Int32

	mu          sync.Mutex
	resyncTimer *time.Timer
	runCtx      context.Context
}

func New(cfg Config, applier Applier, conn *domain.Connectivity, logger *log.Logger) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg, applier: applier, conn: conn, logger: logger}
}

// State reports the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// StateName is State as its wire-friendly string form.
func (c *Client) StateName() string { return c.State().String() }

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.logger.WithField("state", s.String()).Debug("push channel state changed")
	}
}

// Run connects and reads until ctx is cancelled, reconnecting with doubling
// backoff after drops. While the daemon is flagged offline no connection is
// attempted.
func (c *Client) Run(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	backoff := c.cfg.ReconnectInitial
	everConnected := false
	for {
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}
		if c.conn.Offline() {
			c.setState(Disconnected)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if everConnected {
			c.setState(Reconnecting)
		} else {
			c.setState(Connecting)
		}

		err := c.stream(ctx, &everConnected, &backoff)
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}
		if err != nil {
			c.logger.WithError(err).Warn("push channel dropped")
		}
		if !sleep(ctx, backoff) {
			c.setState(Disconnected)
			return
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// stream performs one connection attempt and reads it to exhaustion.
func (c *Client) stream(ctx context.Context, everConnected *bool, backoff *time.Duration) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.cfg.Token != nil {
		if t := c.cfg.Token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: unexpected status %d", resp.StatusCode)
	}

	c.setState(Connected)
	*backoff = c.cfg.ReconnectInitial
	if *everConnected {
		// The drop may have swallowed events; catch up once things settle.
		c.ScheduleResync()
	}
	*everConnected = true

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var ev domain.StreamEvent
		if err := sonic.UnmarshalString(data, &ev); err != nil {
			c.logger.WithError(err).Warn("unparseable push event")
			continue
		}
		c.applier.Apply(ev)
	}
	return scanner.Err()
}

// ScheduleResync arms (or re-arms) the debounced full resync. Repeated
// calls inside the quiet window collapse into a single resync.
func (c *Client) ScheduleResync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resyncTimer != nil {
		c.resyncTimer.Stop()
	}
	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	c.resyncTimer = time.AfterFunc(c.cfg.ResyncQuiet, func() {
		if ctx.Err() != nil {
			return
		}
		if err := c.applier.Resync(ctx); err != nil {
			c.logger.WithError(err).Error("resync failed")
		}
	})
}

// Stop cancels any armed resync timer. Connection shutdown rides on the
// Run context.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resyncTimer != nil {
		c.resyncTimer.Stop()
		c.resyncTimer = nil
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
