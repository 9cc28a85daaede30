// Package broadcast distributes tracker state envelopes to live
// subscribers over NATS, keeping the latest snapshot in a JetStream
// key-value bucket so new subscribers start with a full picture.
package broadcast

import (
	"log"
	"sync"

	"github.com/nats-io/nats.go"
)

// stateKey is the KV key holding the latest full state envelope
const stateKey = "state"

// subscriberQueueSize bounds each subscriber's pending payloads; slow
// consumers lose intermediate updates rather than stalling the publisher
const subscriberQueueSize = 10

// Broadcaster publishes state payloads over NATS and fans them out to
// in-process subscribers. It also works without a NATS connection, for a
// single-process deployment, falling back to direct fanout and an
// in-memory snapshot.
type Broadcaster struct {
	log      *log.Logger
	natsConn *nats.Conn
	subject  string
	kv       nats.KeyValue

	mu          sync.Mutex
	subscribers map[chan []byte]bool
	lastPayload []byte
}

// NewBroadcaster builds a Broadcaster on natsConn, which may be nil.
// With a connection it subscribes to its own subject so envelopes
// published by other instances also reach local subscribers.
func NewBroadcaster(log *log.Logger,
	natsConn *nats.Conn,
	subject string,
	kvBucket string,
	wg *sync.WaitGroup,
	shutdownSignal chan bool) (*Broadcaster, error) {

	b := &Broadcaster{
		log:         log,
		natsConn:    natsConn,
		subject:     subject,
		subscribers: make(map[chan []byte]bool),
	}
	if natsConn == nil {
		return b, nil
	}

	js, err := natsConn.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(kvBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: kvBucket})
		if err != nil {
			return nil, err
		}
	}
	b.kv = kv

	ch := make(chan *nats.Msg, 64)
	log.Printf("Subscribing to state updates on subject:%s on nats: %v\n", subject, natsConn.Servers())
	sub, err := natsConn.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case msg := <-ch:
				b.fanOut(msg.Data)
			case <-shutdownSignal:
				log.Printf("ending state listener on shutdown signal\n")
				if err := sub.Unsubscribe(); err != nil {
					log.Printf("Error unsubscribing from nats:%s", err)
				}
				return
			}
		}
	}()
	return b, nil
}

// Publish stores payload as the latest snapshot and sends it to all
// subscribers
func (b *Broadcaster) Publish(payload []byte) error {
	b.mu.Lock()
	b.lastPayload = payload
	b.mu.Unlock()

	if b.natsConn == nil {
		b.fanOut(payload)
		return nil
	}
	if b.kv != nil {
		if _, err := b.kv.Put(stateKey, payload); err != nil {
			b.log.Printf("failed to store state snapshot in kv bucket, error:%v", err)
		}
	}
	return b.natsConn.Publish(b.subject, payload)
}

// Subscribe registers a new subscriber channel. The caller must drain it
// and call Unsubscribe when done; the channel is closed if the caller
// falls too far behind.
func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberQueueSize)
	b.mu.Lock()
	b.subscribers[ch] = true
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel
func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
}

// LatestSnapshot returns the most recent payload, preferring the shared
// KV bucket over the local copy. nil when nothing was published yet.
func (b *Broadcaster) LatestSnapshot() []byte {
	if b.kv != nil {
		if entry, err := b.kv.Get(stateKey); err == nil {
			return entry.Value()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPayload
}

// SubscriberCount returns the number of live subscribers
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// fanOut delivers payload to every subscriber queue without blocking. A
// full queue means the consumer stopped keeping up, so the subscriber is
// dropped and its channel closed rather than awaited.
func (b *Broadcaster) fanOut(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var stalled []chan []byte
	for ch := range b.subscribers {
		select {
		case ch <- payload:
		default:
			stalled = append(stalled, ch)
		}
	}
	for _, ch := range stalled {
		delete(b.subscribers, ch)
		close(ch)
	}
}
