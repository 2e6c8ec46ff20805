package hub

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/jnap-presence/internal/config"
	"github.com/nugget/jnap-presence/internal/jnap"
	"github.com/nugget/jnap-presence/internal/presence"
)

// Run polls immediately, then every PollInterval and whenever Trigger is
// called, until ctx is cancelled. It blocks. Poll errors are recorded in
// Status and logged; they never stop the loop.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	h.pollLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pollLogged(ctx)
		case <-h.trigger:
			h.pollLogged(ctx)
		}
	}
}

// Trigger asks Run for an extra poll. It never blocks; requests made
// while one is already pending are coalesced.
func (h *Hub) Trigger() {
	select {
	case h.trigger <- struct{}{}:
	default:
	}
}

func (h *Hub) pollLogged(ctx context.Context) {
	if err := h.Poll(ctx); errors.Is(err, ErrReauthRequired) {
		h.logger.Debug("poll skipped, waiting for re-authentication")
	}
}

// Poll runs exactly one cycle: fetch the device list and the connection
// list concurrently, then merge both into the registry. If either fetch
// fails the registry is left exactly as it was.
func (h *Hub) Poll(ctx context.Context) error {
	h.pollMu.Lock()
	defer h.pollMu.Unlock()

	h.mu.RLock()
	setUp, reauth := h.status.SetUp, h.status.ReauthRequired
	h.mu.RUnlock()
	if !setUp {
		return ErrNotSetUp
	}
	if reauth {
		return ErrReauthRequired
	}

	start := time.Now()
	var (
		devices []jnap.Device
		conns   []jnap.Connection
		wan     *jnap.WANStatus
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		devices, err = h.cfg.Client.GetDevices(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		conns, err = h.cfg.Client.GetNetworkConnections(gctx)
		return err
	})
	g.Go(func() error {
		// WAN status only feeds the router sensors; a failure here must
		// not hold back presence.
		w, err := h.cfg.Client.GetWANStatus(gctx)
		if err != nil {
			h.logger.Debug("WAN status refresh failed", "error", err)
			return nil
		}
		wan = w
		return nil
	})

	if err := g.Wait(); err != nil {
		h.recordFailure(ctx, err, time.Since(start))
		return err
	}

	res := h.cfg.Registry.Merge(devices, conns)
	evicted := h.cfg.Registry.Evict(h.cfg.EvictAfter)
	records := h.cfg.Registry.List()
	elapsed := time.Since(start)

	h.persist(ctx, records, evicted)

	now := time.Now()
	h.mu.Lock()
	if wan != nil {
		h.router.WAN = *wan
	}
	h.status.LastPoll = now
	h.status.LastSuccess = now
	h.status.LastError = ""
	h.status.LastErrorKind = ""
	h.status.ConsecutiveFailures = 0
	h.status.Polls++
	h.status.Devices = len(records)
	h.status.Online = res.Online
	router := h.router
	observers := append([]Observer(nil), h.observers...)
	h.mu.Unlock()

	if m := h.cfg.Metrics; m != nil {
		m.ObservePoll(jnap.Kind(nil), elapsed)
		m.SetDevices(len(records), res.Online)
		m.SetLastSuccess(now)
	}

	h.logMerge(ctx, res, evicted, elapsed)

	u := Update{Router: router, Records: records, Result: res, Evicted: evicted}
	for _, o := range observers {
		o.PresenceUpdated(ctx, u)
	}
	return nil
}

func (h *Hub) persist(ctx context.Context, records []presence.DeviceRecord, evicted []string) {
	if h.cfg.Store == nil {
		return
	}
	if err := h.cfg.Store.Save(ctx, records); err != nil {
		h.logger.Warn("failed to persist devices", "error", err)
	}
	if len(evicted) > 0 {
		if err := h.cfg.Store.Delete(ctx, evicted...); err != nil {
			h.logger.Warn("failed to delete evicted devices", "keys", evicted, "error", err)
		}
	}
}

func (h *Hub) recordFailure(ctx context.Context, err error, elapsed time.Duration) {
	kind := jnap.Kind(err)

	h.mu.Lock()
	h.status.LastPoll = time.Now()
	h.status.LastError = err.Error()
	h.status.LastErrorKind = kind
	h.status.ConsecutiveFailures++
	failures := h.status.ConsecutiveFailures
	if errors.Is(err, jnap.ErrAuthentication) {
		h.status.ReauthRequired = true
	}
	h.mu.Unlock()

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ObservePoll(kind, elapsed)
	}

	attrs := []any{"error", err, "kind", kind, "consecutive_failures", failures}
	switch kind {
	case "auth_error":
		h.logger.Error("router rejected credentials, polling suspended until re-authentication", attrs...)
	case "transport_error":
		h.logger.Warn("router poll failed, will retry", attrs...)
	default:
		if ctx.Err() != nil {
			h.logger.Debug("router poll cancelled", attrs...)
			return
		}
		h.logger.Error("router poll returned unexpected data", attrs...)
	}
}

func (h *Hub) logMerge(ctx context.Context, res presence.MergeResult, evicted []string, elapsed time.Duration) {
	for _, key := range res.Added {
		h.logger.Info("new device", "key", key)
	}
	for _, key := range res.WentOnline {
		h.logger.Debug("device online", "key", key)
	}
	for _, key := range res.WentOffline {
		h.logger.Debug("device offline", "key", key)
	}
	if len(evicted) > 0 {
		h.logger.Info("evicted long-offline devices", "keys", evicted)
	}
	if res.Duplicates > 0 {
		h.logger.Debug("device list contained duplicate keys", "duplicates", res.Duplicates)
	}
	h.logger.Log(ctx, config.LevelTrace, "poll complete",
		"devices", res.Devices,
		"online", res.Online,
		"unmatched_connections", res.Unmatched,
		"elapsed", elapsed,
	)
}
