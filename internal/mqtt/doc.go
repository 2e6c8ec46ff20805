// Package mqtt exposes the presence registry to Home Assistant through
// MQTT discovery. The router appears as one HA device; every tracked
// network client becomes a device_tracker entity attached to it, and a
// handful of sensors report the router's WAN state and device counts.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for the
// router sensors and every known tracker, a birth message ("online") to
// the availability topic, and the current state of every entity. A will
// message ensures the availability topic transitions to "offline" on
// unexpected disconnects.
//
// Home Assistant announces its own restarts on <prefix>/status. When it
// comes back "online" the publisher re-sends discovery so entities
// reappear even if the broker dropped retained messages.
package mqtt
