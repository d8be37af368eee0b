package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// sensor describes one reading field as a Home Assistant sensor.
type sensor struct {
	Name        string
	DeviceClass string
	StateClass  string
	Unit        string
	value       func(Reading) float64
}

var sensors = []sensor{
	{"power", "power", "measurement", "W", func(r Reading) float64 { return r.PowerW }},
	{"voltage", "voltage", "measurement", "V", func(r Reading) float64 { return r.VoltageV }},
	{"current", "current", "measurement", "A", func(r Reading) float64 { return r.CurrentA }},
	{"power_factor", "power_factor", "measurement", "", func(r Reading) float64 { return r.PowerFactor }},
	{"energy_import", "energy", "total_increasing", "Wh", func(r Reading) float64 { return r.ImportWh }},
	{"energy_export", "energy", "total_increasing", "Wh", func(r Reading) float64 { return r.ExportWh }},
	{"gas", "gas", "total_increasing", "m³", func(r Reading) float64 { return r.GasM3 }},
	{"tariff", "", "", "", func(r Reading) float64 { return float64(r.Tariff) }},
}

// Publisher mirrors published readings to an MQTT broker.
type Publisher struct {
	client   mqtt.Client
	topic    string
	identity Identity
}

var _ Sink = (*Publisher)(nil)

func NewPublisher(cfg MQTTConfig, identity Identity) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	log.Printf("[mqtt] Connected to broker %s", cfg.Broker)
	return &Publisher{client: client, topic: cfg.Topic, identity: identity}, nil
}

func (p *Publisher) Close() {
	p.client.Disconnect(1000)
}

func stateTopic(prefix, deviceID, field string) string {
	return fmt.Sprintf("%s/%s/%s/state", prefix, deviceID, field)
}

func discoveryTopic(sensorID string) string {
	return fmt.Sprintf("homeassistant/sensor/%s/config", sensorID)
}

func discoveryPayload(prefix string, id Identity, s sensor) map[string]interface{} {
	payload := map[string]interface{}{
		"name":           s.Name,
		"unique_id":      sensorID(id, s),
		"state_topic":    stateTopic(prefix, id.ID, s.Name),
		"value_template": "{{ value }}",
		"device": map[string]interface{}{
			"identifiers":  []string{id.ID},
			"name":         id.Name,
			"manufacturer": "p1shelly",
			"model":        id.Model,
		},
	}
	if s.DeviceClass != "" {
		payload["device_class"] = s.DeviceClass
	}
	if s.Unit != "" {
		payload["unit_of_measurement"] = s.Unit
	}
	if s.StateClass != "" {
		payload["state_class"] = s.StateClass
	}
	return payload
}

func sensorID(id Identity, s sensor) string {
	return fmt.Sprintf("%s_%s", id.ID, s.Name)
}

// PublishDiscovery announces every reading field to Home Assistant.
func (p *Publisher) PublishDiscovery() {
	for _, s := range sensors {
		data, _ := json.Marshal(discoveryPayload(p.topic, p.identity, s))
		token := p.client.Publish(discoveryTopic(sensorID(p.identity, s)), 1, true, data)
		token.WaitTimeout(5 * time.Second)
		if token.Error() != nil {
			log.Printf("[mqtt] Failed to publish discovery for %s: %v", s.Name, token.Error())
		} else {
			log.Printf("[mqtt] Published HA discovery: %s", sensorID(p.identity, s))
		}
	}
}

// Publish sends the state of every field of r.
func (p *Publisher) Publish(r Reading) {
	for _, s := range sensors {
		payload := fmt.Sprintf("%.4f", s.value(r))
		token := p.client.Publish(stateTopic(p.topic, p.identity.ID, s.Name), 0, false, payload)
		token.WaitTimeout(50 * time.Millisecond)
	}
}
