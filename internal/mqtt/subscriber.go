package mqtt

import (
	"bytes"
	"context"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// birthOnline is the payload Home Assistant publishes to its status
// topic after it starts.
const birthOnline = "online"

// subscribeBirth subscribes to Home Assistant's status topic. It runs on
// every (re-)connect because subscriptions do not survive a clean
// session.
func (p *Publisher) subscribeBirth(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.birthTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", topic)
}

// handlePublish is the paho OnPublishReceived hook. Re-announcing
// happens on a separate goroutine: publishing with QoS 1 from inside the
// receive callback would wait on an acknowledgement the same goroutine
// has to read.
func (p *Publisher) handlePublish(pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil || pr.Packet.Topic != p.birthTopic() {
		return false, nil
	}
	if !isBirth(pr.Packet.Payload) {
		p.logger.Info("home assistant went offline")
		return true, nil
	}

	p.logger.Info("home assistant came online, re-announcing entities")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.announceAll(ctx)
	}()
	return true, nil
}

func isBirth(payload []byte) bool {
	return bytes.Equal(bytes.TrimSpace(payload), []byte(birthOnline))
}
