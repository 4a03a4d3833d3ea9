// Package events provides the in-process publish/subscribe bus that connects
// the queue, the download engine and its workers.
package events

import (
	"sync"
	"time"

	"github.com/cesargomez89/crate/internal/constants"
	"github.com/cesargomez89/crate/internal/domain"
	"github.com/cesargomez89/crate/internal/logger"
)

type Type string

const (
	ItemAdded      Type = "ITEM_ADDED"
	StateChanged   Type = "STATE_CHANGED"
	Progress       Type = "PROGRESS"
	AllFinished    Type = "ALL_FINISHED"
	WorkerFinished Type = "WORKER_FINISHED"

	// All subscribes to every event type.
	All Type = "*"
)

// Event is a single notification. Payload carries type specific data such as
// a worker outcome.
type Event struct {
	Type       Type         `json:"type"`
	ItemID     string       `json:"item_id,omitempty"`
	TrackID    string       `json:"track_id,omitempty"`
	State      domain.State `json:"state,omitempty"`
	Progress   float64      `json:"progress,omitempty"`
	BytesRead  int64        `json:"bytes_read,omitempty"`
	BytesTotal int64        `json:"bytes_total,omitempty"`
	Error      string       `json:"error,omitempty"`
	Payload    any          `json:"-"`
	Time       time.Time    `json:"time"`
}

type Handler func(Event)

type delivery struct {
	evt Event
	ack chan struct{}
}

type subscription struct {
	id      uint64
	topic   Type
	handler Handler
	ch      chan delivery
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.quit) })
}

// Bus delivers events to subscribers. Each subscription has its own goroutine
// and buffer, so a slow handler only delays itself.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Type]map[uint64]*subscription
	nextID  uint64
	closed  bool
	bufSize int
	logger  *logger.Logger
}

func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		subs:    make(map[Type]map[uint64]*subscription),
		bufSize: constants.EventBufferSize,
		logger:  log.WithComponent("events"),
	}
}

// Subscribe registers handler for events of type t and returns a function that
// removes it. Unsubscribing does not wait for an in-flight handler.
func (b *Bus) Subscribe(t Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		topic:   t,
		handler: handler,
		ch:      make(chan delivery, b.bufSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if b.subs[t] == nil {
		b.subs[t] = make(map[uint64]*subscription)
	}
	b.subs[t][sub.id] = sub

	go b.run(sub)

	return func() {
		b.mu.Lock()
		delete(b.subs[t], sub.id)
		b.mu.Unlock()
		sub.stop()
	}
}

func (b *Bus) run(sub *subscription) {
	defer close(sub.done)
	for {
		select {
		case <-sub.quit:
			return
		case d := <-sub.ch:
			if b.dispatch(sub, d.evt) && d.ack != nil {
				select {
				case d.ack <- struct{}{}:
				default:
				}
			}
		}
	}
}

// dispatch runs the handler and reports whether it returned normally.
func (b *Bus) dispatch(sub *subscription, evt Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "event", evt.Type, "item_id", evt.ItemID, "panic", r)
			ok = false
		}
	}()
	sub.handler(evt)
	return true
}

func (b *Bus) subscribers(t Type) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	out := make([]*subscription, 0, len(b.subs[t])+len(b.subs[All]))
	for _, s := range b.subs[t] {
		out = append(out, s)
	}
	if t != All {
		for _, s := range b.subs[All] {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers evt to every live subscriber. PROGRESS events are dropped
// for subscribers whose buffer is full; other events wait for buffer space.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	for _, sub := range b.subscribers(evt.Type) {
		d := delivery{evt: evt}
		if evt.Type == Progress {
			select {
			case sub.ch <- d:
			default:
			}
			continue
		}
		select {
		case sub.ch <- d:
		case <-sub.quit:
		}
	}
}

// PublishAck delivers evt and reports whether at least one subscriber handled
// it within timeout. A handler that panics does not acknowledge.
func (b *Bus) PublishAck(evt Event, timeout time.Duration) bool {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	subs := b.subscribers(evt.Type)
	if len(subs) == 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ack := make(chan struct{}, len(subs))
	for _, sub := range subs {
		select {
		case sub.ch <- delivery{evt: evt, ack: ack}:
		case <-sub.quit:
		case <-timer.C:
			return false
		}
	}

	select {
	case <-ack:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops every subscription and waits for running handlers to return.
// It must not be called from inside a handler.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for _, m := range b.subs {
		for _, s := range m {
			all = append(all, s)
		}
	}
	b.subs = make(map[Type]map[uint64]*subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	for _, s := range all {
		<-s.done
	}
}
