package state

import (
	"context"
	"sync"
)

// memWatchHub fans raw change events out to subscribers. publish never blocks
// the caller: events are queued per subscriber and drained by a pump
// goroutine, so it is safe to publish while holding the store mutex.
type memWatchHub struct {
	mu   sync.Mutex
	subs map[*memSubscriber]struct{}
}

type memSubscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []ChangeEvent
	closed bool
	filter WatchFilter
}

func newMemWatchHub() *memWatchHub {
	return &memWatchHub{subs: make(map[*memSubscriber]struct{})}
}

func (h *memWatchHub) publish(ev ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		sub.mu.Lock()
		if !sub.closed {
			sub.queue = append(sub.queue, ev)
			sub.cond.Signal()
		}
		sub.mu.Unlock()
	}
}

func (h *memWatchHub) subscribe(ctx context.Context, filter WatchFilter) *EventStream {
	sub := &memSubscriber{filter: filter}
	sub.cond = sync.NewCond(&sub.mu)

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stream := &EventStream{ch: make(chan ChangeEvent), cancel: cancel}

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sub.mu.Lock()
		sub.closed = true
		sub.cond.Signal()
		sub.mu.Unlock()
	}()

	go func() {
		defer close(stream.ch)
		for {
			sub.mu.Lock()
			for len(sub.queue) == 0 && !sub.closed {
				sub.cond.Wait()
			}
			if sub.closed {
				sub.mu.Unlock()
				return
			}
			ev := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()

			select {
			case stream.ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return stream
}
