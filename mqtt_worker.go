package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kessler-farms/gensetd/store"
)

// mqttPublishInterval paces telemetry; only keys changed since the last
// publish go out.
const mqttPublishInterval = time.Second

// MQTTPublisher pushes changed store values to the site broker so remote
// dashboards can watch the plant without polling the serial buses. Telemetry
// is best effort: a down broker queues nothing and drops nothing critical.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	store  *store.Store
}

// NewMQTTPublisher connects to the configured broker. Credentials come from
// MQTT_USERNAME and MQTT_PASSWORD in the environment. A connect failure is
// an error; the scheduler logs it and runs without telemetry.
func NewMQTTPublisher(cfg MQTTConfig, st *store.Store) (*MQTTPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:1883", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(os.Getenv("MQTT_USERNAME"))
	opts.SetPassword(os.Getenv("MQTT_PASSWORD"))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v\n", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("Connected to MQTT broker at %s\n", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	return &MQTTPublisher{client: client, prefix: cfg.Prefix, store: st}, nil
}

// Iterate publishes one state document containing every key updated since
// its last publish.
func (p *MQTTPublisher) Iterate(ctx context.Context) error {
	if p.client.IsConnected() {
		changed := make(map[string]float64)
		for _, key := range p.store.Keys() {
			if !p.store.ChangedSincePublished(key) {
				continue
			}
			if v, ok := p.store.Get(key); ok {
				changed[key] = v
			}
		}
		if len(changed) > 0 {
			payload, err := json.Marshal(changed)
			if err != nil {
				return fmt.Errorf("encoding telemetry: %w", err)
			}
			token := p.client.Publish(p.prefix+"/state", 0, false, payload)
			token.Wait()
			if token.Error() != nil {
				log.Printf("Failed to publish telemetry: %v\n", token.Error())
			} else {
				for key := range changed {
					p.store.MarkPublished(key)
				}
			}
		}
	}
	sleepCtx(ctx, mqttPublishInterval)
	return nil
}

// PublishEvent sends a one-off retained event message, used for shutdown
// notices.
func (p *MQTTPublisher) PublishEvent(event string) {
	if !p.client.IsConnected() {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"event": event,
		"time":  time.Now().Format(time.RFC3339),
	})
	token := p.client.Publish(p.prefix+"/event", 1, true, payload)
	token.Wait()
	if token.Error() != nil {
		log.Printf("Failed to publish event: %v\n", token.Error())
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		log.Println("Disconnected from MQTT broker")
	}
}
