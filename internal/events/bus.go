// Package events carries the hub's domain events over NATS. The core
// publishes a RoomMessage whenever a user's room message has been committed
// to the store; collaborators such as the bot and the assistant subscribe
// and respond by posting back through the hub, keeping the core free of any
// knowledge about them.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/homechat/server/internal/protocol"
)

// SubjectRoomCommitted carries one event per committed user room message.
const SubjectRoomCommitted = "homechat.room.committed"

// RoomMessage describes a room message that has been persisted and fanned
// out. It is the payload on SubjectRoomCommitted.
type RoomMessage struct {
	ID   string `json:"id"`
	Room string `json:"room"`
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "homechat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bus wraps the NATS connection with typed publish/subscribe helpers.
type Bus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect dials NATS with the given config and returns a ready bus. It
// returns an error if the initial connection fails.
func Connect(config Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[events] disconnected: %v", err)
			} else {
				log.Printf("[events] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[events] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[events] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}

	log.Printf("[events] connected to %s", nc.ConnectedUrl())

	return &Bus{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishRoomMessage publishes a committed room message event. msg must be a
// room message that has already been persisted (ID assigned).
func (b *Bus) PublishRoomMessage(msg protocol.Message) error {
	event := RoomMessage{
		ID:   msg.ID,
		Room: msg.Room,
		From: msg.From,
		Text: msg.Text,
		Ts:   msg.Ts,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal room message: %w", err)
	}
	return b.conn.Publish(SubjectRoomCommitted, data)
}

// SubscribeRoomMessages registers handler for every committed room message.
// The name keys the subscription so each collaborator can be unsubscribed
// independently; registering the same name twice replaces the subscription.
func (b *Bus) SubscribeRoomMessages(name string, handler func(RoomMessage)) error {
	sub, err := b.conn.Subscribe(SubjectRoomCommitted, func(msg *nats.Msg) {
		var event RoomMessage
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[events] %s: bad room message payload: %v", name, err)
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("events: subscribe %s: %w", SubjectRoomCommitted, err)
	}

	b.mu.Lock()
	if prev, ok := b.subs[name]; ok {
		_ = prev.Unsubscribe()
	}
	b.subs[name] = sub
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes the named subscription.
func (b *Bus) Unsubscribe(name string) error {
	b.mu.Lock()
	sub, ok := b.subs[name]
	delete(b.subs, name)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("events: no subscription named %s", name)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("events: unsubscribe %s: %w", name, err)
	}
	return nil
}

// Close drains all active subscriptions and the NATS connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[events] drain %s: %v", name, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[events] connection drain: %v", err)
	}

	log.Printf("[events] bus closed")
}
