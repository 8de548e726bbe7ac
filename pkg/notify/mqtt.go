// Package notify publishes inventory changes to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"pantrycam/pkg/inventory"
)

// Config describes the broker connection.
type Config struct {
	Broker   string
	ClientID string
	Topic    string
	// Timeout bounds one publish on the sending goroutine. Zero means 2 seconds.
	Timeout time.Duration
	// QueueSize is the number of changes waiting to be sent. Zero means 64.
	QueueSize int
}

// Stats is a point-in-time view of the publisher.
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Failures  uint64 `json:"failures"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// MQTTPublisher sends each inventory change to <topic>/<item name>.
//
// InventoryChanged only enqueues; a single goroutine performs the publishes, so a slow or hung
// broker never holds up the caller. Changes arriving while the queue is full are dropped.
type MQTTPublisher struct {
	cfg    Config
	client mqtt.Client
	logger *slog.Logger

	queue     chan inventory.Change
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.RWMutex
	stats Stats
}

var _ inventory.Observer = (*MQTTPublisher)(nil)

// NewMQTTPublisher prepares a client with auto-reconnect and starts the sending goroutine.
// Call Connect before changes can be delivered and Close on shutdown.
func NewMQTTPublisher(cfg Config, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	p := &MQTTPublisher{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan inventory.Change, cfg.QueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}
	p.client = mqtt.NewClient(opts)

	go p.run()
	return p
}

// brokerURL accepts "host:port" as well as full tcp://, ssl:// or ws:// URLs.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.stats.Connected = v
	p.mu.Unlock()
}

// Connect starts the connection. With connect-retry enabled the client keeps trying in the
// background, so a timeout here is only logged.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", p.cfg.Broker, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.Timeout):
		p.logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", p.cfg.Broker)
	}
	return nil
}

// Topic returns the topic a change for name is published on.
func (p *MQTTPublisher) Topic(name string) string {
	return p.cfg.Topic + "/" + name
}

// InventoryChanged enqueues change without blocking. A full queue drops it.
func (p *MQTTPublisher) InventoryChanged(_ context.Context, change inventory.Change) {
	select {
	case <-p.quit:
		return
	default:
	}
	select {
	case p.queue <- change:
	default:
		p.mu.Lock()
		p.stats.Dropped++
		p.mu.Unlock()
		p.logger.Warn("inventory change dropped, publish queue full", "name", change.Name, "queue", p.cfg.QueueSize)
	}
}

func (p *MQTTPublisher) run() {
	defer close(p.done)
	for {
		select {
		case change := <-p.queue:
			p.publish(change)
		case <-p.quit:
			return
		}
	}
}

func (p *MQTTPublisher) publish(change inventory.Change) {
	payload, err := json.Marshal(change)
	if err != nil {
		p.fail("encode", change, err)
		return
	}
	token := p.client.Publish(p.Topic(change.Name), 0, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			p.fail("publish", change, err)
			return
		}
	case <-p.quit:
		p.fail("publish", change, fmt.Errorf("publisher closed"))
		return
	case <-time.After(p.cfg.Timeout):
		p.fail("publish", change, fmt.Errorf("timed out after %s", p.cfg.Timeout))
		return
	}
	p.mu.Lock()
	p.stats.Published++
	p.mu.Unlock()
}

func (p *MQTTPublisher) fail(stage string, change inventory.Change, err error) {
	p.mu.Lock()
	p.stats.Failures++
	p.mu.Unlock()
	p.logger.Warn("inventory change not published", "stage", stage, "name", change.Name, "error", err)
}

// Stats reports connection state and publish counters.
func (p *MQTTPublisher) Stats() Stats {
	p.mu.RLock()
	s := p.stats
	p.mu.RUnlock()
	s.Queued = len(p.queue)
	return s
}

// Close stops the sending goroutine and disconnects, waiting briefly for in-flight messages.
// Changes still queued are discarded.
func (p *MQTTPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		<-p.done
		p.client.Disconnect(250)
	})
}
