// Package hub owns everything that belongs to one configured router:
// the JNAP client handle, the presence registry, the persisted device
// store, and the poll loop that ties them together.
//
// A Hub is created with New, seeded with Setup, driven by Run, and torn
// down with Unload. Nothing here is package-level state; every
// collaborator is passed in through Config.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/jnap-presence/internal/jnap"
	"github.com/nugget/jnap-presence/internal/presence"
)

// ErrReauthRequired is returned by Poll while the router is rejecting
// the configured credentials and no new ones have been supplied.
var ErrReauthRequired = errors.New("hub: router credentials rejected, re-authentication required")

// ErrNotSetUp is returned when Poll or Run is called before Setup.
var ErrNotSetUp = errors.New("hub: setup has not completed")

// RouterAPI is the subset of jnap.Client the hub needs. Tests provide a
// fake.
type RouterAPI interface {
	GetDeviceInfo(ctx context.Context) (*jnap.RouterInfo, error)
	GetWANStatus(ctx context.Context) (*jnap.WANStatus, error)
	GetDevices(ctx context.Context) ([]jnap.Device, error)
	GetNetworkConnections(ctx context.Context) ([]jnap.Connection, error)
	VerifyCredentials(ctx context.Context, username, password string) error
	SetCredentials(username, password string)
}

// Store persists known records across restarts. See devicestore.Store.
type Store interface {
	Load(ctx context.Context) ([]presence.DeviceRecord, error)
	Save(ctx context.Context, records []presence.DeviceRecord) error
	Delete(ctx context.Context, keys ...string) error
}

// Recorder receives poll metrics. See metrics.Metrics.
type Recorder interface {
	ObservePoll(result string, elapsed time.Duration)
	SetDevices(tracked, online int)
	SetLastSuccess(t time.Time)
}

// Config holds a Hub's collaborators and tunables.
type Config struct {
	Client   RouterAPI
	Registry *presence.Registry

	// Store is optional; without it records live only in memory.
	Store Store

	// Metrics is optional.
	Metrics Recorder

	// PollInterval is the time between scheduled polls (default 10s).
	PollInterval time.Duration

	// EvictAfter removes records offline for longer than this. Zero
	// keeps every record for the life of the process.
	EvictAfter time.Duration

	// SelfPolicy controls how the router's own MAC is tracked.
	SelfPolicy presence.SelfPolicy

	Logger *slog.Logger
}

// Router is the router identity captured at setup, with the WAN status
// refreshed on every successful poll.
type Router struct {
	Info jnap.RouterInfo `json:"info"`
	WAN  jnap.WANStatus  `json:"wan"`
	MAC  string          `json:"mac"`
}

// Name returns a human-readable router name.
func (r Router) Name() string {
	switch {
	case r.Info.Description != "":
		return r.Info.Description
	case r.Info.ModelNumber != "":
		return r.Info.Manufacturer + " " + r.Info.ModelNumber
	}
	return "JNAP router"
}

// Status describes the health of the poll loop.
type Status struct {
	SetUp               bool      `json:"set_up"`
	LastPoll            time.Time `json:"last_poll,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ReauthRequired      bool      `json:"reauth_required"`
	Polls               uint64    `json:"polls"`
	Devices             int       `json:"devices"`
	Online              int       `json:"online"`
}

// Update is what observers receive after each successful poll.
type Update struct {
	Router  Router
	Records []presence.DeviceRecord
	Result  presence.MergeResult
	Evicted []string
}

// Observer is notified after every successful merge. Calls happen on
// the polling goroutine, one at a time.
type Observer interface {
	PresenceUpdated(ctx context.Context, u Update)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, u Update)

// PresenceUpdated calls f.
func (f ObserverFunc) PresenceUpdated(ctx context.Context, u Update) { f(ctx, u) }

// Hub is the explicit context object for one router.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	// pollMu serializes polls so that merges never overlap.
	pollMu  sync.Mutex
	trigger chan struct{}

	mu        sync.RWMutex
	router    Router
	status    Status
	observers []Observer
}

// New creates a hub. Call Setup before Run or Poll.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.SelfPolicy == "" {
		cfg.SelfPolicy = presence.SelfOnline
	}
	if cfg.Registry == nil {
		cfg.Registry = presence.NewRegistry(presence.WithLogger(cfg.Logger))
	}
	return &Hub{
		cfg:     cfg,
		logger:  cfg.Logger,
		trigger: make(chan struct{}, 1),
	}
}

// Registry returns the hub's presence registry.
func (h *Hub) Registry() *presence.Registry { return h.cfg.Registry }

// Setup fetches the router's identity and WAN status, applies the self
// policy, and restores persisted records. Any router error here is
// fatal: the integration cannot describe the router without it.
func (h *Hub) Setup(ctx context.Context) error {
	info, err := h.cfg.Client.GetDeviceInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetch router device info: %w", err)
	}
	wan, err := h.cfg.Client.GetWANStatus(ctx)
	if err != nil {
		return fmt.Errorf("fetch router WAN status: %w", err)
	}

	h.cfg.Registry.SetRouterIdentity(wan.MACAddress, h.cfg.SelfPolicy)

	h.mu.Lock()
	h.router = Router{Info: *info, WAN: *wan, MAC: wan.MACAddress}
	h.status.SetUp = true
	h.mu.Unlock()

	h.logger.Info("router identified",
		"manufacturer", info.Manufacturer,
		"model", info.ModelNumber,
		"firmware", info.FirmwareVersion,
		"mac", wan.MACAddress,
		"wan_status", wan.WANStatus,
	)

	if h.cfg.Store != nil {
		records, err := h.cfg.Store.Load(ctx)
		if err != nil {
			h.logger.Warn("failed to load persisted devices", "error", err)
		} else if n := h.cfg.Registry.Restore(records); n > 0 {
			h.logger.Info("restored persisted devices", "count", n)
		}
	}
	return nil
}

// Unload persists the registry one last time and detaches observers.
// The hub must not be used afterwards.
func (h *Hub) Unload(ctx context.Context) error {
	h.pollMu.Lock()
	defer h.pollMu.Unlock()

	h.mu.Lock()
	h.observers = nil
	h.status.SetUp = false
	h.mu.Unlock()

	if h.cfg.Store == nil {
		return nil
	}
	if err := h.cfg.Store.Save(ctx, h.cfg.Registry.List()); err != nil {
		return fmt.Errorf("persist devices on unload: %w", err)
	}
	return nil
}

// AddObserver registers o for future updates.
func (h *Hub) AddObserver(o Observer) {
	h.mu.Lock()
	h.observers = append(h.observers, o)
	h.mu.Unlock()
}

// Router returns the router identity.
func (h *Hub) Router() Router {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.router
}

// Status returns a copy of the poll loop status.
func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Reauthenticate verifies new credentials against the router and, if
// accepted, installs them and resumes polling. Rejected credentials
// leave the current ones in place.
func (h *Hub) Reauthenticate(ctx context.Context, username, password string) error {
	if err := h.cfg.Client.VerifyCredentials(ctx, username, password); err != nil {
		return err
	}

	// A poll still running with the old credentials must finish before
	// the flag is cleared, or its failure would set it again.
	h.pollMu.Lock()
	h.cfg.Client.SetCredentials(username, password)
	h.mu.Lock()
	h.status.ReauthRequired = false
	h.status.ConsecutiveFailures = 0
	h.mu.Unlock()
	h.pollMu.Unlock()

	h.logger.Info("router credentials updated, resuming polling")
	h.Trigger()
	return nil
}
