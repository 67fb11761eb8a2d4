// Package telemetry publishes session events to an MQTT broker.
package telemetry

import (
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fieldline/swathguide/common"
	"github.com/fieldline/swathguide/engine"
)

type Config struct {
	Broker   string
	ClientID string
	// Topic is the prefix; events go to <Topic>/<kind>.
	Topic string
}

const publishTimeout = 2 * time.Second

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher forwards session events from its own goroutine so a slow
// broker never holds up the session.
type Publisher struct {
	client     mqttPublisher
	topic      string
	disconnect func()

	events chan engine.Event
	eh     *common.ExitHelper

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Dial connects to the broker and starts publishing.
func Dial(cfg Config) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	log.Printf("telemetry: connected to MQTT broker at %s", cfg.Broker)

	p := newPublisher(client, cfg.Topic)
	p.disconnect = func() { client.Disconnect(250) }
	return p, nil
}

func newPublisher(client mqttPublisher, topic string) *Publisher {
	p := &Publisher{
		client: client,
		topic:  topic,
		events: make(chan engine.Event, 64),
		eh:     common.NewExitHelper(),
	}
	p.eh.Go(p.run)
	return p
}

// Listen is an engine.Listener. Events arriving faster than the broker
// takes them are dropped.
func (p *Publisher) Listen(e engine.Event) {
	select {
	case p.events <- e:
	default:
		p.dropped.Add(1)
	}
}

// Close stops publishing and disconnects from the broker.
func (p *Publisher) Close() {
	p.eh.Exit()
	if p.disconnect != nil {
		p.disconnect()
	}
}

func (p *Publisher) Published() uint64 { return p.published.Load() }
func (p *Publisher) Dropped() uint64   { return p.dropped.Load() }

func (p *Publisher) run(exit <-chan struct{}) {
	for {
		select {
		case <-exit:
			return
		case e := <-p.events:
			p.publish(e)
		}
	}
}

func (p *Publisher) publish(e engine.Event) {
	topic := p.topic + "/" + string(e.Kind)
	// Connection state is retained so new subscribers see the current link.
	retained := e.Kind == engine.EventConnection

	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("telemetry: marshal %s: %s", e.Kind, err.Error())
		return
	}
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Printf("telemetry: publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("telemetry: publish to %s: %s", topic, err.Error())
		return
	}
	p.published.Add(1)
}
