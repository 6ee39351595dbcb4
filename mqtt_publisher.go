package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher pushes link state and signal metrics to the broker the
// lighting, haptic and mister controllers subscribe to. The core stays
// pull-based; this publisher is just a snapshot client on a timer plus
// a change listener.
type MQTTPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	session *Session
}

// LinkEventPayload is the retained per-pair message consumers key
// their one-shot effects from.
type LinkEventPayload struct {
	Detector  string  `json:"detector"`
	Peer      string  `json:"peer"`
	Linked    bool    `json:"linked"`
	Level     float64 `json:"level"`
	SNRdB     float64 `json:"snr_db"`
	Timestamp int64   `json:"timestamp"`
	SessionID string  `json:"session_id"`
}

func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "statuelink_" + hex.EncodeToString(bytes)
}

// NewMQTTPublisher connects to the broker and registers a link event
// listener on the session.
func NewMQTTPublisher(config *MQTTConfig, session *Session) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	mp := &MQTTPublisher{
		client:  client,
		config:  config,
		session: session,
	}
	session.OnLinkEvent(mp.PublishLinkEvent)
	return mp, nil
}

// StartPublisher starts the periodic snapshot publisher.
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
		defer ticker.Stop()

		log.Printf("MQTT: Snapshot publisher started with %d second interval", mp.config.PublishInterval)

		mp.publishSnapshots()
		for {
			select {
			case <-ctx.Done():
				log.Println("MQTT: Snapshot publisher stopped")
				mp.client.Disconnect(250)
				return
			case <-ticker.C:
				mp.publishSnapshots()
			}
		}
	}()
}

func (mp *MQTTPublisher) publishSnapshots() {
	timestamp := time.Now().Unix()

	links := map[string]interface{}{
		"timestamp":  timestamp,
		"session_id": mp.session.ID,
		"links":      mp.session.Links(),
		"statues":    mp.session.Status(),
	}
	mp.publishJSON(mp.config.TopicPrefix+"/links", links)

	levels := map[string]interface{}{
		"timestamp": timestamp,
		"readings":  mp.session.Levels(),
	}
	mp.publishJSON(mp.config.TopicPrefix+"/levels", levels)

	mp.publishSystemMetrics(timestamp)
}

// PublishLinkEvent publishes one retained per-pair message on every
// link transition. The pair name is order-independent so both
// directions land on the same topic.
func (mp *MQTTPublisher) PublishLinkEvent(ev LinkEvent) {
	if mp == nil || !mp.client.IsConnected() {
		return
	}

	a, b := ev.Detector, ev.Peer
	if a > b {
		a, b = b, a
	}
	topic := fmt.Sprintf("%s/links/%s/%s", mp.config.TopicPrefix, a, b)

	payload := LinkEventPayload{
		Detector:  ev.Detector,
		Peer:      ev.Peer,
		Linked:    ev.Linked,
		Level:     ev.Level,
		SNRdB:     ev.SNR,
		Timestamp: ev.Time.Unix(),
		SessionID: mp.session.ID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal link event: %v", err)
		return
	}

	// Publish asynchronously - the caller is a detection loop and must
	// not block on the broker.
	token := mp.client.Publish(topic, mp.config.QoS, true, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Printf("MQTT ERROR: Failed to publish link event to %s: %v", topic, token.Error())
		}
	}()
}

// publishSystemMetrics gathers the statuelink collectors from the
// Prometheus registry and forwards them as one flat JSON document.
func (mp *MQTTPublisher) publishSystemMetrics(timestamp int64) {
	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	metrics := make(map[string]float64)
	for _, mf := range metricFamilies {
		name := mf.GetName()
		if len(name) < 11 || name[:11] != "statuelink_" {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			key := name
			labels := m.GetLabel()
			sort.Slice(labels, func(i, j int) bool {
				return labels[i].GetName() < labels[j].GetName()
			})
			for _, label := range labels {
				key += "_" + label.GetValue()
			}
			metrics[key] = value
		}
	}

	payload := map[string]interface{}{
		"timestamp": timestamp,
		"metrics":   metrics,
	}
	mp.publishJSON(mp.config.TopicPrefix+"/system", payload)
}

func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	return 0, false
}

func (mp *MQTTPublisher) publishJSON(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}
	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}

// Disconnect gracefully disconnects from the MQTT broker.
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
