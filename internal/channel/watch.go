// Package channel - Expiry watcher. Servers must settle before the client's
// refund path matures or they forfeit everything earned; clients must
// reclaim once expiry has safely passed and the server stayed silent.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/klingpay/pkg/logging"
)

// WatchConfig tunes the expiry watcher.
type WatchConfig struct {
	Oracle ChainOracle

	// SettleMargin is how long before expiry a server channel is force
	// settled.
	SettleMargin time.Duration

	// ReclaimDelay is how long after expiry the client waits before
	// broadcasting its refund, giving a slow server settlement time to
	// land.
	ReclaimDelay time.Duration

	// Interval between expiry sweeps.
	Interval time.Duration
}

// Watcher periodically sweeps registered channels against the chain clock.
type Watcher struct {
	mu  sync.Mutex
	cfg WatchConfig

	clients []*Client
	servers []*Server

	log *logging.Logger
}

// NewWatcher creates a watcher. Zero durations get conservative defaults.
func NewWatcher(cfg WatchConfig) *Watcher {
	if cfg.SettleMargin == 0 {
		cfg.SettleMargin = 4 * time.Hour
	}
	if cfg.ReclaimDelay == 0 {
		cfg.ReclaimDelay = 30 * time.Minute
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	return &Watcher{
		cfg: cfg,
		log: logging.GetDefault().Component("channel-watch"),
	}
}

// WatchClient registers a client channel for expiry handling.
func (w *Watcher) WatchClient(c *Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clients = append(w.clients, c)
}

// WatchServer registers a server channel for forced settlement.
func (w *Watcher) WatchServer(s *Server) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.servers = append(w.servers, s)
}

// Run sweeps until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep runs one expiry pass: force-settle servers whose margin has been
// reached, reclaim client channels whose delay has passed, and drop
// channels that reached a terminal state.
func (w *Watcher) Sweep() {
	now := w.cfg.Oracle.MedianTime()

	w.mu.Lock()
	servers := append([]*Server(nil), w.servers...)
	clients := append([]*Client(nil), w.clients...)
	w.mu.Unlock()

	var liveServers []*Server
	for _, s := range servers {
		switch s.State() {
		case ServerClosed, ServerError:
			continue
		case ServerReady:
			if !now.Before(s.Expiry().Add(-w.cfg.SettleMargin)) {
				w.log.Warn("expiry margin reached, settling channel",
					"expiry", s.Expiry().Unix())
				if _, err := s.Close(); err != nil {
					w.log.Error("forced settlement failed", "err", err)
				}
			}
		}
		liveServers = append(liveServers, s)
	}

	var liveClients []*Client
	for _, c := range clients {
		switch c.State() {
		case ClientClosed:
			continue
		case ClientReady, ClientExpired:
			if !now.Before(c.Expiry().Add(w.cfg.ReclaimDelay)) {
				w.log.Warn("server silent past expiry, reclaiming",
					"expiry", c.Expiry().Unix())
				if _, err := c.ReclaimExpired(); err != nil {
					w.log.Error("reclaim failed", "err", err)
				}
			}
		}
		liveClients = append(liveClients, c)
	}

	w.mu.Lock()
	w.servers = liveServers
	w.clients = liveClients
	w.mu.Unlock()
}
