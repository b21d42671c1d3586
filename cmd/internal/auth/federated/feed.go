package federated

import (
	"context"
	"sync"
)

// stateFeed fans auth-state changes out to watchers without losing or
// reordering events. Each watcher has its own queue and pump goroutine, so a
// watcher that calls back into the provider (SignOut from inside its handler)
// never blocks the publisher.
type stateFeed struct {
	mu      sync.Mutex
	current *Identity
	subs    map[uint64]*watcher
	nextID  uint64
}

type watcher struct {
	out  chan *Identity
	done chan struct{}

	mu    sync.Mutex
	queue []*Identity
	wake  chan struct{}
}

func newStateFeed() *stateFeed {
	return &stateFeed{subs: make(map[uint64]*watcher)}
}

// Current returns the latest published state.
func (f *stateFeed) Current() *Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// publish records id as the current state and queues it for every watcher.
func (f *stateFeed) publish(id *Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current = id
	for _, w := range f.subs {
		w.push(id)
	}
}

func (f *stateFeed) watch(ctx context.Context) (<-chan *Identity, func()) {
	w := &watcher{
		out:  make(chan *Identity),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = w
	w.push(f.current)
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(w.done)
		})
	}

	go w.pump()
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-w.done:
			}
		}()
	}
	return w.out, cancel
}

func (w *watcher) push(id *Identity) {
	w.mu.Lock()
	w.queue = append(w.queue, id)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) pump() {
	defer close(w.out)

	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.wake:
				continue
			case <-w.done:
				return
			}
		}
		next := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case w.out <- next:
		case <-w.done:
			return
		}
	}
}
