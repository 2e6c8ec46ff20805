package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/jnap-presence/internal/config"
	"github.com/nugget/jnap-presence/internal/hub"
	"github.com/nugget/jnap-presence/internal/presence"
)

// publishClient is the part of autopaho.ConnectionManager the publisher
// uses. Tests substitute a recorder.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and mirrors every presence update to the
// broker. It implements hub.Observer.
type Publisher struct {
	cfg       config.MQTTConfig
	entryID   string
	detection time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	client    publishClient
	cm        *autopaho.ConnectionManager
	update    hub.Update
	haveData  bool
	announced map[string]string // record key → display name in its discovery payload
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. detection is the router's
// detection_time: an offline device keeps reporting home for that long
// after it was last seen.
func New(cfg config.MQTTConfig, entryID string, detection time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:       cfg,
		entryID:   entryID,
		detection: detection,
		logger:    logger,
		now:       time.Now,
		announced: make(map[string]string),
	}
}

// Start connects to the MQTT broker and begins the periodic state
// refresh loop. It blocks until ctx is cancelled. On every (re-)connect
// it publishes discovery configs, a birth message and current states.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.mu.Lock()
			p.client = cm
			p.mu.Unlock()
			p.subscribeBirth(ctx, cm)
			p.announceAll(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "jnap-presence-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				p.handlePublish,
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	// Wait for the initial connection before starting the refresh loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	if p.client != nil {
		p.publishAvailability(ctx, "offline")
	}
	p.mu.Unlock()

	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. It is the connwatch probe for the broker.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// PresenceUpdated mirrors one poll's result to the broker: discovery for
// new or renamed devices, removal for evicted ones, and fresh states for
// everything. Before the first connection it only remembers the update.
func (p *Publisher) PresenceUpdated(ctx context.Context, u hub.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()

	first := !p.haveData
	p.update = u
	p.haveData = true
	if p.client == nil {
		return
	}

	if first {
		p.publishSensorDiscovery(ctx)
	}
	p.removeTrackers(ctx, u.Evicted)
	p.syncTrackers(ctx)
	p.publishStates(ctx)
}

// announceAll republishes everything. Called on (re-)connect and when
// Home Assistant restarts.
func (p *Publisher) announceAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return
	}
	clear(p.announced)
	p.publishAvailability(ctx, "online")
	if !p.haveData {
		return
	}
	p.publishSensorDiscovery(ctx)
	p.syncTrackers(ctx)
	p.publishStates(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "jnap-presence/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) trackerStateTopic(objectID string) string {
	return p.baseTopic() + "/tracker/" + objectID + "/state"
}

func (p *Publisher) trackerAttributesTopic(objectID string) string {
	return p.baseTopic() + "/tracker/" + objectID + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

func (p *Publisher) birthTopic() string {
	return p.cfg.DiscoveryPrefix + "/status"
}

func (p *Publisher) device() DeviceInfo {
	return NewDeviceInfo(p.entryID, p.cfg.DeviceName, p.update.Router)
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	dev := p.device()
	def := func(suffix, name, icon string) sensorDef {
		return sensorDef{
			entitySuffix: suffix,
			config: SensorConfig{
				Name:              name,
				ObjectID:          suffix,
				HasEntityName:     true,
				UniqueID:          p.entryID + "_" + suffix,
				StateTopic:        p.stateTopic(suffix),
				AvailabilityTopic: avail,
				Device:            dev,
				Origin:            newOrigin(),
				Icon:              icon,
			},
		}
	}

	wan := def("wan_status", "WAN Status", "mdi:wan")
	wan.config.EntityCategory = "diagnostic"

	wanIP := def("wan_ip", "WAN IP", "mdi:ip-network")
	wanIP.config.EntityCategory = "diagnostic"

	online := def("devices_online", "Devices Online", "mdi:lan-connect")
	online.config.StateClass = "measurement"
	online.config.UnitOfMeasurement = "devices"

	tracked := def("devices_tracked", "Devices Tracked", "mdi:devices")
	tracked.config.StateClass = "measurement"
	tracked.config.UnitOfMeasurement = "devices"

	return []sensorDef{wan, wanIP, online, tracked}
}

func (p *Publisher) trackerConfig(rec presence.DeviceRecord) TrackerConfig {
	oid := ObjectID(rec.Key)
	return TrackerConfig{
		Name:                rec.DisplayName,
		ObjectID:            oid,
		UniqueID:            presence.UniqueID(p.entryID, rec.Key),
		StateTopic:          p.trackerStateTopic(oid),
		JsonAttributesTopic: p.trackerAttributesTopic(oid),
		AvailabilityTopic:   p.availabilityTopic(),
		PayloadHome:         stateHome,
		PayloadNotHome:      stateNotHome,
		SourceType:          "router",
		Icon:                "mdi:lan-connect",
		Device:              p.device(),
		Origin:              newOrigin(),
	}
}

func (p *Publisher) publishSensorDiscovery(ctx context.Context) {
	for _, s := range p.sensorDefinitions() {
		p.publishJSON(ctx, p.discoveryTopic("sensor", s.entitySuffix), s.config, s.entitySuffix)
	}
}

// syncTrackers publishes discovery for every record that has not been
// announced on this connection or whose display name changed.
func (p *Publisher) syncTrackers(ctx context.Context) {
	for _, rec := range p.update.Records {
		if name, ok := p.announced[rec.Key]; ok && name == rec.DisplayName {
			continue
		}
		topic := p.discoveryTopic("device_tracker", ObjectID(rec.Key))
		if p.publishJSON(ctx, topic, p.trackerConfig(rec), rec.Key) {
			p.announced[rec.Key] = rec.DisplayName
		}
	}
}

// removeTrackers deletes evicted entities from HA by clearing their
// retained discovery and state messages.
func (p *Publisher) removeTrackers(ctx context.Context, keys []string) {
	for _, key := range keys {
		oid := ObjectID(key)
		for _, topic := range []string{
			p.discoveryTopic("device_tracker", oid),
			p.trackerStateTopic(oid),
			p.trackerAttributesTopic(oid),
		} {
			if err := p.publish(ctx, topic, nil, 1, true); err != nil {
				p.logger.Warn("mqtt tracker removal failed", "key", key, "topic", topic, "error", err)
			}
		}
		delete(p.announced, key)
		p.logger.Info("mqtt tracker removed", "key", key)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if err := p.publish(ctx, p.availabilityTopic(), []byte(status), 1, true); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- States ---

// trackerAttributes is the JSON attributes payload of a tracker. ip,
// mac and host_name are the names HA's router-based trackers use.
type trackerAttributes struct {
	Key         string            `json:"key"`
	DeviceID    string            `json:"device_id"`
	HostName    string            `json:"host_name"`
	MAC         string            `json:"mac,omitempty"`
	IP          string            `json:"ip,omitempty"`
	IPv6        string            `json:"ipv6,omitempty"`
	Online      bool              `json:"online"`
	LastSeen    string            `json:"last_seen,omitempty"`
	Diagnostics map[string]string `json:"diagnostics,omitempty"`
}

func newTrackerAttributes(rec presence.DeviceRecord) trackerAttributes {
	a := trackerAttributes{
		Key:         rec.Key,
		DeviceID:    rec.DeviceID,
		HostName:    rec.DisplayName,
		MAC:         rec.MACAddress,
		IP:          rec.IPAddress,
		IPv6:        rec.IPv6Address,
		Online:      rec.IsOnline,
		Diagnostics: rec.Attributes,
	}
	if !rec.LastSeen.IsZero() {
		a.LastSeen = rec.LastSeen.UTC().Format(time.RFC3339)
	}
	return a
}

func (p *Publisher) publishStates(ctx context.Context) {
	now := p.now()
	online := 0
	for _, rec := range p.update.Records {
		if rec.IsOnline {
			online++
		}
		oid := ObjectID(rec.Key)
		state := stateNotHome
		if rec.Connected(now, p.detection) {
			state = stateHome
		}
		if err := p.publish(ctx, p.trackerStateTopic(oid), []byte(state), 0, true); err != nil {
			p.logger.Debug("mqtt tracker state publish failed", "key", rec.Key, "error", err)
			continue
		}
		attrs, err := json.Marshal(newTrackerAttributes(rec))
		if err != nil {
			continue
		}
		if err := p.publish(ctx, p.trackerAttributesTopic(oid), attrs, 0, true); err != nil {
			p.logger.Debug("mqtt tracker attributes publish failed", "key", rec.Key, "error", err)
		}
	}

	r := p.update.Router
	states := map[string]string{
		"wan_status":      r.WAN.WANStatus,
		"wan_ip":          "",
		"devices_online":  strconv.Itoa(online),
		"devices_tracked": strconv.Itoa(len(p.update.Records)),
	}
	if r.WAN.WANConnection != nil {
		states["wan_ip"] = r.WAN.WANConnection.IPAddress
	}
	if states["wan_status"] == "" {
		states["wan_status"] = "unknown"
	}

	for entity, value := range states {
		if err := p.publish(ctx, p.stateTopic(entity), []byte(value), 0, true); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt states published",
		"trackers", len(p.update.Records),
		"sensors", len(states))
}

// --- Periodic refresh ---

// runLoop re-publishes states from the last update so that detection
// time expiry flips trackers to not_home even when polls fail.
func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *Publisher) refresh(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || !p.haveData {
		return
	}
	p.publishStates(ctx)
}

// --- Low-level publish ---

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	_, err := p.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

// publishJSON publishes a retained discovery payload and reports
// whether it was accepted.
func (p *Publisher) publishJSON(ctx context.Context, topic string, v any, entity string) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload",
			"entity", entity, "error", err)
		return false
	}
	if err := p.publish(ctx, topic, payload, 1, true); err != nil {
		p.logger.Warn("mqtt discovery publish failed",
			"entity", entity, "topic", topic, "error", err)
		return false
	}
	p.logger.Debug("mqtt discovery published",
		"entity", entity, "topic", topic)
	return true
}
