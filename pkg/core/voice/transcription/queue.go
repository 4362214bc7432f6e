package transcription

import (
	"sync"

	"github.com/vango-go/oto-voiceapi/pkg/core/voice/stt"
)

// eventQueue is the bounded buffer between provider goroutines and the single
// event consumer. A pending partial is superseded by any newer partial, and
// partials are the only events ever discarded.
type eventQueue struct {
	mu      sync.Mutex
	items   []Event
	limit   int
	closed  bool
	dropped int
	notify  chan struct{}
}

func newEventQueue(limit int) *eventQueue {
	if limit <= 0 {
		limit = 1
	}
	return &eventQueue{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// push appends ev. It returns the number of partials dropped to make room, or
// ErrEventOverflow when a non-droppable event does not fit. force bypasses the
// bound and is reserved for terminal events.
func (q *eventQueue) push(ev Event, force bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, errQueueClosed
	}

	dropped := 0
	if ev.Type == stt.EventPartial {
		kept := q.items[:0]
		for _, it := range q.items {
			if it.Type == stt.EventPartial {
				dropped++
				continue
			}
			kept = append(kept, it)
		}
		q.items = kept
	}

	if !force && len(q.items) >= q.limit {
		if ev.Type == stt.EventPartial {
			q.dropped += dropped + 1
			return dropped + 1, nil
		}
		idx := -1
		for i, it := range q.items {
			if it.Type == stt.EventPartial {
				idx = i
				break
			}
		}
		if idx < 0 {
			q.dropped += dropped
			return dropped, ErrEventOverflow
		}
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		dropped++
	}

	q.items = append(q.items, ev)
	q.dropped += dropped
	q.signal()
	return dropped, nil
}

func (q *eventQueue) pop() (ev Event, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false, q.closed
	}
	ev = q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return ev, true, false
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
