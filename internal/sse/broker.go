// Package sse pushes view updates to connected clients as Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/larder/internal/itemstore"
	"github.com/starford/larder/internal/notify"
)

// Event types.
const (
	TypeItemsChanged = "items.changed"
	TypeAlert        = "alert"
)

// Event represents an SSE event addressed to one user's views.
type Event struct {
	OwnerID string `json:"-"`
	Type    string `json:"type"`
	Data    any    `json:"data"`
}

type client struct {
	ownerID string
	ch      chan []byte
}

type subscribeReq struct {
	ownerID string
	ch      chan []byte
}

type changedReq struct {
	ownerID string
	counts  itemstore.Counts
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients + per-user throttle state). Public methods communicate with this loop
// through channels, so no mutexes are required.
type Broker struct {
	changedMin time.Duration

	subscribeCh   chan subscribeReq
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	changedCh     chan changedReq
	flushCh       chan string
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that sends at most one items.changed event per
// user per throttle interval. The last counts of a burst are always sent.
func NewBroker(throttle time.Duration) *Broker {
	if throttle <= 0 {
		throttle = 250 * time.Millisecond
	}

	b := &Broker{
		changedMin:    throttle,
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		changedCh:     make(chan changedReq, 256),
		flushCh:       make(chan string, 16),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

type throttleState struct {
	last    time.Time
	pending *itemstore.Counts
	armed   bool
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]client)
	throttle := make(map[string]*throttleState)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))

		for ch, c := range clients {
			if c.ownerID != event.OwnerID {
				continue
			}
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	sendChanged := func(ownerID string, counts itemstore.Counts) {
		broadcast(Event{OwnerID: ownerID, Type: TypeItemsChanged, Data: map[string]any{"counts": counts}})
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case req := <-b.subscribeCh:
			clients[req.ch] = client{ownerID: req.ownerID, ch: req.ch}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.changedCh:
			st := throttle[req.ownerID]
			if st == nil {
				st = &throttleState{}
				throttle[req.ownerID] = st
			}
			now := time.Now()
			if wait := b.changedMin - now.Sub(st.last); wait > 0 {
				counts := req.counts
				st.pending = &counts
				if !st.armed {
					st.armed = true
					owner := req.ownerID
					time.AfterFunc(wait, func() {
						select {
						case b.flushCh <- owner:
						case <-b.stopped:
						}
					})
				}
				continue
			}
			st.last = now
			st.pending = nil
			sendChanged(req.ownerID, req.counts)

		case owner := <-b.flushCh:
			st := throttle[owner]
			if st == nil {
				continue
			}
			st.armed = false
			if st.pending != nil {
				st.last = time.Now()
				sendChanged(owner, *st.pending)
				st.pending = nil
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client of ownerID and returns its channel.
func (b *Broker) Subscribe(ownerID string) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscribeReq{ownerID: ownerID, ch: ch}:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to the clients of event.OwnerID.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// ItemsChanged publishes a throttled items.changed event. It never blocks
// the caller for long: the request queue is buffered.
func (b *Broker) ItemsChanged(ownerID string, counts itemstore.Counts) {
	if b.closed.Load() {
		return
	}
	select {
	case b.changedCh <- changedReq{ownerID: ownerID, counts: counts}:
	case <-b.stopped:
	}
}

// Show publishes an alert event, making the broker a notify.Notifier.
func (b *Broker) Show(_ context.Context, a notify.Alert) error {
	b.Publish(Event{OwnerID: a.OwnerID, Type: TypeAlert, Data: a})
	return nil
}

// Serve streams ownerID's events to the client until it disconnects.
func (b *Broker) Serve(w http.ResponseWriter, r *http.Request, ownerID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(ownerID)
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
