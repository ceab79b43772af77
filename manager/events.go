package manager

import (
	"context"
	"sync"
)

// eventQueue holds published events until they are taken. The control core
// publishes from its interrupt handlers and must never wait for a reader.
type eventQueue struct {
	mu    sync.Mutex
	items []Event
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Event{}, false
	}

	ev := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]

	return ev, true
}

// Notify is signalled after events were published. One signal may stand
// for several events; drain them with TryEvent.
func (m *Manager) Notify() <-chan struct{} { return m.events.ready }

// TryEvent takes the oldest unread event, if any.
func (m *Manager) TryEvent() (Event, bool) { return m.events.pop() }

// NextEvent waits for the next event. Every reply that changed a VM is
// kept until it is read.
func (m *Manager) NextEvent(ctx context.Context) (Event, error) {
	for {
		if ev, ok := m.events.pop(); ok {
			return ev, nil
		}

		select {
		case <-m.events.ready:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
