package pubsub

import (
	"testing"

	"github.com/cuemby/brook/pkg/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSubscribeAndPublishDeliversToMatchingTopic(t *testing.T) {
	b := New()
	sub := b.CreateSubscriber(4)
	if err := b.SubscribeTo(sub.ID, "orders"); err != nil {
		t.Fatalf("SubscribeTo: %v", err)
	}

	b.Publish("orders", []byte("hello"))

	select {
	case msg := <-sub.Channel:
		if msg.Topic != "orders" || string(msg.Payload) != "hello" {
			t.Fatalf("got %+v, want topic=orders payload=hello", msg)
		}
	default:
		t.Fatal("expected a message to be delivered")
	}
}

func TestPublishDoesNotReachUnsubscribedTopic(t *testing.T) {
	b := New()
	sub := b.CreateSubscriber(4)
	if err := b.SubscribeTo(sub.ID, "orders"); err != nil {
		t.Fatalf("SubscribeTo: %v", err)
	}

	b.Publish("shipments", []byte("hello"))

	select {
	case msg := <-sub.Channel:
		t.Fatalf("unexpected delivery: %+v", msg)
	default:
	}
}

func TestUnsubscribeFromStopsDelivery(t *testing.T) {
	b := New()
	sub := b.CreateSubscriber(4)
	if err := b.SubscribeTo(sub.ID, "orders"); err != nil {
		t.Fatalf("SubscribeTo: %v", err)
	}
	if err := b.UnsubscribeFrom(sub.ID, "orders"); err != nil {
		t.Fatalf("UnsubscribeFrom: %v", err)
	}

	b.Publish("orders", []byte("hello"))

	select {
	case msg := <-sub.Channel:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", msg)
	default:
	}
}

func TestPublishFansOutToMultipleSubscribers(t *testing.T) {
	b := New()
	subA := b.CreateSubscriber(4)
	subB := b.CreateSubscriber(4)
	for _, sub := range []*Subscriber{subA, subB} {
		if err := b.SubscribeTo(sub.ID, "orders"); err != nil {
			t.Fatalf("SubscribeTo: %v", err)
		}
	}

	b.Publish("orders", []byte("hello"))

	for _, sub := range []*Subscriber{subA, subB} {
		select {
		case msg := <-sub.Channel:
			if string(msg.Payload) != "hello" {
				t.Fatalf("got payload %q, want %q", msg.Payload, "hello")
			}
		default:
			t.Fatalf("subscriber %d did not receive message", sub.ID)
		}
	}
}

func TestPublishToAllOnlyReachesListedTopicsSubscribers(t *testing.T) {
	b := New()
	unsubscribed := b.CreateSubscriber(4)

	b.PublishToAll([]string{"orders", "shipments"}, []byte("hi"))

	select {
	case msg := <-unsubscribed.Channel:
		t.Fatalf("unexpected delivery to subscriber with no matching subscription: %+v", msg)
	default:
	}
}

func TestPublishToAllDeliversUnionOfTopicsOnce(t *testing.T) {
	b := New()
	ordersOnly := b.CreateSubscriber(4)
	both := b.CreateSubscriber(4)
	shipmentsOnly := b.CreateSubscriber(4)

	if err := b.SubscribeTo(ordersOnly.ID, "orders"); err != nil {
		t.Fatalf("SubscribeTo: %v", err)
	}
	if err := b.SubscribeTo(both.ID, "orders"); err != nil {
		t.Fatalf("SubscribeTo: %v", err)
	}
	if err := b.SubscribeTo(both.ID, "shipments"); err != nil {
		t.Fatalf("SubscribeTo: %v", err)
	}
	if err := b.SubscribeTo(shipmentsOnly.ID, "shipments"); err != nil {
		t.Fatalf("SubscribeTo: %v", err)
	}

	b.PublishToAll([]string{"orders", "shipments"}, []byte("hi"))

	for _, sub := range []*Subscriber{ordersOnly, both, shipmentsOnly} {
		select {
		case msg := <-sub.Channel:
			if string(msg.Payload) != "hi" {
				t.Fatalf("got payload %q, want %q", msg.Payload, "hi")
			}
		default:
			t.Fatalf("subscriber %s did not receive message", sub.ID)
		}
	}

	// both is attached to both listed topics but must receive exactly one message.
	select {
	case msg := <-both.Channel:
		t.Fatalf("expected exactly one delivery, got a second: %+v", msg)
	default:
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	b := New()
	sub := b.CreateSubscriber(1)
	if err := b.SubscribeTo(sub.ID, "orders"); err != nil {
		t.Fatalf("SubscribeTo: %v", err)
	}

	before := testutil.ToFloat64(metrics.PubsubMessagesDroppedTotal)
	b.Publish("orders", []byte("first"))
	b.Publish("orders", []byte("second"))

	if len(sub.Channel) != 1 {
		t.Fatalf("channel length = %d, want 1", len(sub.Channel))
	}
	queued := <-sub.Channel
	if string(queued.Payload) != "first" {
		t.Fatalf("delivered payload = %q, want %q (second should have been dropped)", queued.Payload, "first")
	}
	after := testutil.ToFloat64(metrics.PubsubMessagesDroppedTotal)
	if after <= before {
		t.Fatalf("expected dropped-message counter to increase, before=%v after=%v", before, after)
	}
}

func TestUnregisterSubscriberClosesChannelAndStopsDelivery(t *testing.T) {
	b := New()
	sub := b.CreateSubscriber(4)
	if err := b.SubscribeTo(sub.ID, "orders"); err != nil {
		t.Fatalf("SubscribeTo: %v", err)
	}

	b.UnregisterSubscriber(sub.ID)

	if _, open := <-sub.Channel; open {
		t.Fatal("expected channel to be closed after UnregisterSubscriber")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}

	b.Publish("orders", []byte("hello"))
}

func TestSubscribeToUnknownSubscriberErrors(t *testing.T) {
	b := New()
	if err := b.SubscribeTo(uuid.New(), "orders"); err == nil {
		t.Fatal("expected error for unknown subscriber")
	}
}
