package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/jnap-presence/internal/hub"
	"github.com/nugget/jnap-presence/internal/presence"
)

// Event types pushed on /v1/stream.
const (
	EventDeviceAdded   = "device_added"
	EventDeviceOnline  = "device_online"
	EventDeviceOffline = "device_offline"
	EventDeviceEvicted = "device_evicted"
	EventPoll          = "poll"
)

const (
	streamSendBuffer   = 64
	streamWriteTimeout = 5 * time.Second
	streamPongTimeout  = 60 * time.Second
	streamPingInterval = 25 * time.Second
)

// Event is one message on the presence stream. Device is set for the
// device_added, device_online and device_offline types; Devices and
// Online summarize a poll.
type Event struct {
	Type    string      `json:"type"`
	Key     string      `json:"key,omitempty"`
	Device  *DeviceView `json:"device,omitempty"`
	Devices int         `json:"devices,omitempty"`
	Online  int         `json:"online,omitempty"`
	At      time.Time   `json:"at"`
}

// Stream fans presence changes out to websocket clients. Clients only
// receive; anything they send is discarded.
type Stream struct {
	upgrader websocket.Upgrader
	view     func(presence.DeviceRecord) DeviceView
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newStream(view func(presence.DeviceRecord) DeviceView, logger *slog.Logger) *Stream {
	return &Stream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		view:    view,
		logger:  logger,
		now:     time.Now,
		clients: make(map[*streamClient]struct{}),
	}
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, streamSendBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Debug("stream client connected", "remote", r.RemoteAddr, "clients", n)

	go s.writePump(c)
	s.readPump(c)
}

// ClientCount returns the number of connected clients.
func (s *Stream) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// PresenceUpdated turns one merge into stream events.
func (s *Stream) PresenceUpdated(_ context.Context, u hub.Update) {
	if s.ClientCount() == 0 {
		return
	}

	byKey := make(map[string]presence.DeviceRecord, len(u.Records))
	for _, rec := range u.Records {
		byKey[rec.Key] = rec
	}

	now := s.now().UTC()
	var events []Event
	deviceEvents := func(typ string, keys []string) {
		for _, key := range keys {
			ev := Event{Type: typ, Key: key, At: now}
			if rec, ok := byKey[key]; ok {
				v := s.view(rec)
				ev.Device = &v
			}
			events = append(events, ev)
		}
	}
	deviceEvents(EventDeviceAdded, u.Result.Added)
	deviceEvents(EventDeviceOnline, u.Result.WentOnline)
	deviceEvents(EventDeviceOffline, u.Result.WentOffline)
	for _, key := range u.Evicted {
		events = append(events, Event{Type: EventDeviceEvicted, Key: key, At: now})
	}
	events = append(events, Event{
		Type:    EventPoll,
		Devices: len(u.Records),
		Online:  u.Result.Online,
		At:      now,
	})

	for _, ev := range events {
		s.broadcast(ev)
	}
}

func (s *Stream) broadcast(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal stream event", "type", ev.Type, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- b:
		default:
			// Slow client; drop it.
			s.logger.Debug("dropping slow stream client")
			s.dropLocked(c)
		}
	}
}

// Close disconnects every client. http.Server.Shutdown does not touch
// hijacked connections.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		s.dropLocked(c)
	}
}

func (s *Stream) drop(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(c)
}

// dropLocked removes c if it is still registered. Only the call that
// removes it closes send, so writePump sees exactly one close.
func (s *Stream) dropLocked(c *streamClient) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

func (s *Stream) readPump(c *streamClient) {
	defer s.drop(c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Stream) writePump(c *streamClient) {
	ticker := time.NewTicker(streamPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.drop(c)
				return
			}
		}
	}
}
