// Package pubsub implements a per-database publish/subscribe broker.
//
// Each open database owns one Broker. Callers register a Subscriber,
// attach it to zero or more topics, and publish payloads to a single
// topic or to the union of subscribers across a list of topics.
// Delivery is best-effort: a subscriber that is not draining its
// channel fast enough has messages dropped rather than blocking the
// publisher.
package pubsub

import (
	"sync"

	"github.com/cuemby/brook/pkg/metrics"
	"github.com/google/uuid"
)

// SubscriberID identifies a registered subscriber within a Broker.
type SubscriberID = uuid.UUID

// Message is a payload delivered to a subscriber, tagged with the
// topic it was published on.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscriber is a registered delivery channel. The bufferSize passed
// to CreateSubscriber controls how many undelivered messages can queue
// before Publish starts dropping for this subscriber.
type Subscriber struct {
	ID      SubscriberID
	Channel chan Message
}

// Broker fans out published messages to subscribers registered for
// the matching topic. It is safe for concurrent use.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[SubscriberID]*Subscriber
	topicsOf    map[SubscriberID]map[string]bool
	subsOfTopic map[string]map[SubscriberID]bool
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{
		subscribers: make(map[SubscriberID]*Subscriber),
		topicsOf:    make(map[SubscriberID]map[string]bool),
		subsOfTopic: make(map[string]map[SubscriberID]bool),
	}
}

// CreateSubscriber registers a new subscriber with no topics attached
// and returns its delivery channel. bufferSize bounds the channel's
// capacity; a value of 0 is treated as 1.
func (b *Broker) CreateSubscriber(bufferSize int) *Subscriber {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{ID: uuid.New(), Channel: make(chan Message, bufferSize)}
	b.subscribers[sub.ID] = sub
	b.topicsOf[sub.ID] = make(map[string]bool)
	return sub
}

// SubscribeTo attaches an existing subscriber to topic. It is a no-op
// if the subscriber is already attached to topic.
func (b *Broker) SubscribeTo(id SubscriberID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[id]; !ok {
		return errUnknownSubscriber(id)
	}
	b.topicsOf[id][topic] = true
	if b.subsOfTopic[topic] == nil {
		b.subsOfTopic[topic] = make(map[SubscriberID]bool)
	}
	b.subsOfTopic[topic][id] = true
	return nil
}

// UnsubscribeFrom detaches a subscriber from topic. It is a no-op if
// the subscriber was not attached to topic.
func (b *Broker) UnsubscribeFrom(id SubscriberID, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[id]; !ok {
		return errUnknownSubscriber(id)
	}
	delete(b.topicsOf[id], topic)
	if subs := b.subsOfTopic[topic]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subsOfTopic, topic)
		}
	}
	return nil
}

// UnregisterSubscriber removes a subscriber entirely, detaching it
// from every topic it held. The subscriber's channel is closed so a
// blocked reader unblocks; it is not returned to other callers.
func (b *Broker) UnregisterSubscriber(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	for topic := range b.topicsOf[id] {
		if subs := b.subsOfTopic[topic]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subsOfTopic, topic)
			}
		}
	}
	delete(b.topicsOf, id)
	delete(b.subscribers, id)
	close(sub.Channel)
}

// Publish delivers payload to every subscriber attached to topic. A
// subscriber whose channel is full has the message dropped rather
// than blocking the publisher.
func (b *Broker) Publish(topic string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for id := range b.subsOfTopic[topic] {
		b.deliver(id, msg)
	}
}

// PublishToAll delivers payload to the union of subscribers attached
// to any of topics, each subscriber receiving the message exactly
// once even if it is attached to more than one of the listed topics.
func (b *Broker) PublishToAll(topics []string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := make(map[SubscriberID]bool)
	for _, topic := range topics {
		msg := Message{Topic: topic, Payload: payload}
		for id := range b.subsOfTopic[topic] {
			if delivered[id] {
				continue
			}
			delivered[id] = true
			b.deliver(id, msg)
		}
	}
}

// deliver must be called with b.mu held for at least reading.
func (b *Broker) deliver(id SubscriberID, msg Message) {
	sub := b.subscribers[id]
	if sub == nil {
		return
	}
	select {
	case sub.Channel <- msg:
	default:
		metrics.PubsubMessagesDroppedTotal.Inc()
	}
}

// SubscriberCount returns the number of currently registered
// subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

type errUnknownSubscriber SubscriberID

func (e errUnknownSubscriber) Error() string {
	return "pubsub: unknown subscriber"
}
