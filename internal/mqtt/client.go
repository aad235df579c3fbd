package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"rointe_sync/internal/config"
	"rointe_sync/internal/logger"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout   = 10 * time.Second
	operationTimeout = 5 * time.Second
	disconnectQuiet  = 250 // ms
	qos              = 1
)

var errTimeout = errors.New("mqtt: operation timed out")

// MessageHandler receives one inbound message.
type MessageHandler func(topic string, payload []byte)

// Client is the part of a broker connection the bridge uses.
type Client interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
	Disconnect()
}

// pahoClient adapts paho and re-establishes subscriptions after reconnects.
type pahoClient struct {
	c   paho.Client
	log *logger.Logger

	mu   sync.Mutex
	subs map[string]MessageHandler
}

// Dial connects to the broker in cfg. The bridge status topic carries a
// retained "offline" will so consumers notice an unclean exit.
func Dial(cfg config.MQTTConfig, log *logger.Logger) (Client, error) {
	pc := &pahoClient{log: log.Named("mqtt"), subs: make(map[string]MessageHandler)}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(bridgeTopic(cfg.TopicPrefix), stateOffline, qos, true).
		SetOnConnectHandler(func(paho.Client) { pc.resubscribe() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			pc.log.Warnw("mqtt_connection_lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	pc.c = paho.NewClient(opts)
	tok := pc.c.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, errTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	pc.log.Infow("mqtt_connected", "broker", cfg.Broker)
	return pc, nil
}

func (p *pahoClient) Publish(topic string, retained bool, payload []byte) error {
	return wait(p.c.Publish(topic, qos, retained, payload))
}

func (p *pahoClient) Subscribe(topic string, handler MessageHandler) error {
	p.mu.Lock()
	p.subs[topic] = handler
	p.mu.Unlock()
	return p.subscribe(topic, handler)
}

func (p *pahoClient) subscribe(topic string, handler MessageHandler) error {
	return wait(p.c.Subscribe(topic, qos, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	}))
}

func (p *pahoClient) resubscribe() {
	p.mu.Lock()
	subs := make(map[string]MessageHandler, len(p.subs))
	for t, h := range p.subs {
		subs[t] = h
	}
	p.mu.Unlock()

	for t, h := range subs {
		if err := p.subscribe(t, h); err != nil {
			p.log.Warnw("mqtt_resubscribe_failed", "topic", t, "err", err)
		}
	}
}

func (p *pahoClient) Disconnect() {
	p.c.Disconnect(disconnectQuiet)
}

func wait(tok paho.Token) error {
	if !tok.WaitTimeout(operationTimeout) {
		return errTimeout
	}
	return tok.Error()
}
