package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Broker fans out one session's derived events to its SSE subscribers.
// Publishing never blocks: subscribers with a full buffer have the event
// dropped so one slow client cannot stall the translation loop.
type Broker struct {
	buffer int

	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
	closed      bool

	dropped atomic.Int64
}

// NewBroker creates a broker whose subscriber channels hold up to buffer
// undelivered events.
func NewBroker(buffer int) *Broker {
	return &Broker{
		buffer:      buffer,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Subscribe returns a channel of SSE-formatted frames. The channel is closed
// when the session's event stream ends. The caller must call Unsubscribe
// when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel. Safe to call after Close.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Subscribers reports the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Dropped returns the number of frames dropped on full subscriber buffers.
// A non-zero value indicates at least one subscriber cannot keep up.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Publish sends one SSE frame to every subscriber. Frames published after
// Close are discarded.
func (b *Broker) Publish(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
			// Subscriber buffer full, drop this frame for them.
			b.dropped.Add(1)
		}
	}
}

// Close ends the stream: all subscriber channels are closed and later
// Subscribe calls return an already-closed channel. Idempotent.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// formatSSE formats a derived event as a Server-Sent Events frame,
// "event: <name>\ndata: <payload>\n\n".
func formatSSE(ev model.StreamEvent) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	return []byte("event: " + ev.Event + "\ndata: " + string(data) + "\n\n")
}

// formatSSEError formats the terminal error frame for a failed translation.
func formatSSEError(message string) []byte {
	data, _ := json.Marshal(map[string]string{"message": message})
	return []byte("event: error\ndata: " + string(data) + "\n\n")
}
