package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/airvinyl/internal/device"
	"github.com/nerrad567/airvinyl/internal/session"
)

const (
	// outboxSize bounds queued publishes. Observers never block on the broker.
	outboxSize = 64

	// commandQueueSize bounds commands waiting for the session.
	commandQueueSize = 8

	// defaultCommandTimeout bounds one session reconfiguration.
	defaultCommandTimeout = 30 * time.Second
)

// Publisher is the part of Client the Bridge uses.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topic string) error
	Topics() Topics
}

// Commander applies session requests.
type Commander interface {
	Apply(ctx context.Context, devices session.DeviceLookup, req session.Request) error
}

type message struct {
	topic   string
	payload []byte
}

// Bridge mirrors the session and the device registry onto retained MQTT
// topics and applies requests published to the command topic.
//
// It implements session.Observer and device.Observer. Callbacks only queue
// work; Run performs the publishing. When the queue is full updates are
// dropped and logged.
type Bridge struct {
	pub       Publisher
	commander Commander
	devices   session.DeviceLookup
	topics    Topics
	qos       byte
	timeout   time.Duration

	outbox   chan message
	commands chan []byte

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge publishing through pub. Commands are resolved
// against devices and applied with commander.
func NewBridge(pub Publisher, commander Commander, devices session.DeviceLookup, qos byte) *Bridge {
	return &Bridge{
		pub:       pub,
		commander: commander,
		devices:   devices,
		topics:    pub.Topics(),
		qos:       qos,
		timeout:   defaultCommandTimeout,
		outbox:    make(chan message, outboxSize),
		commands:  make(chan []byte, commandQueueSize),
	}
}

// SetLogger sets a logger for dropped updates and failed commands.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) warn(msg string, args ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, args...)
	}
}

// SessionChanged queues the retained session state.
func (b *Bridge) SessionChanged(st session.State) {
	b.queueJSON(b.topics.State(), st)
}

// DeviceAdded queues the retained device record.
func (b *Bridge) DeviceAdded(d device.Device) {
	b.queueJSON(b.topics.Device(d.ID), d)
}

// DeviceRemoved clears the device's retained record.
func (b *Bridge) DeviceRemoved(d device.Device) {
	b.queue(message{topic: b.topics.Device(d.ID)})
}

func (b *Bridge) queueJSON(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.warn("MQTT payload encoding failed", "topic", topic, "error", err)
		return
	}
	b.queue(message{topic: topic, payload: payload})
}

func (b *Bridge) queue(m message) {
	select {
	case b.outbox <- m:
	default:
		b.warn("MQTT outbox full, update dropped", "topic", m.topic)
	}
}

// Run subscribes to the command topic and publishes queued updates until
// ctx is cancelled, then drops the command subscription.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.pub.Subscribe(b.topics.Command(), b.qos, b.handleCommand); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	defer b.unsubscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.runCommands(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-b.outbox:
			if err := b.pub.PublishRetained(m.topic, m.payload); err != nil {
				b.warn("MQTT publish failed", "topic", m.topic, "error", err)
			}
		}
	}
}

// unsubscribe stops command delivery. A connection already closed during
// shutdown has nothing left to unsubscribe from.
func (b *Bridge) unsubscribe() {
	err := b.pub.Unsubscribe(b.topics.Command())
	if err != nil && !errors.Is(err, ErrNotConnected) {
		b.warn("MQTT unsubscribe failed", "topic", b.topics.Command(), "error", err)
	}
}

// handleCommand runs on a paho goroutine and only queues the payload.
func (b *Bridge) handleCommand(_ string, payload []byte) error {
	select {
	case b.commands <- append([]byte(nil), payload...):
		return nil
	default:
		return ErrCommandQueueFull
	}
}

func (b *Bridge) runCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-b.commands:
			if err := b.applyCommand(ctx, payload); err != nil {
				b.warn("MQTT command failed", "error", err)
			}
		}
	}
}

func (b *Bridge) applyCommand(ctx context.Context, payload []byte) error {
	var req session.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.commander.Apply(ctx, b.devices, req)
}
