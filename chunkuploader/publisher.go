package chunkuploader

import "sync"

type subscriber struct {
	id int
	fn func(Snapshot)
}

// Publisher fans progress snapshots out to its subscribers.
//
// Snapshots are delivered in the order they were queued, to the subscribers
// registered at delivery time, in subscription order. The goroutine that
// publishes delivers synchronously unless another goroutine is already
// delivering; in that case the snapshot is handed over to that goroutine, so a
// subscriber may call back into the session (Pause, Cancel, Progress) without
// deadlocking.
type Publisher struct {
	mu       sync.Mutex
	subs     []subscriber
	nextID   int
	queue    []Snapshot
	draining bool
}

// NewPublisher creates an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Subscribe registers fn and returns a function removing it.
// Calling the returned function more than once is a no-op.
func (p *Publisher) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs = append(p.subs, subscriber{id: id, fn: fn})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for i, s := range p.subs {
				if s.id == id {
					subs := make([]subscriber, 0, len(p.subs)-1)
					subs = append(subs, p.subs[:i]...)
					p.subs = append(subs, p.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish queues s and delivers every pending snapshot.
func (p *Publisher) Publish(s Snapshot) {
	p.enqueue(s)
	p.flush()
}

// Channel subscribes a buffered channel. When the buffer is full the oldest
// snapshot is dropped, so the channel always ends with the latest state.
// The returned function unsubscribes and closes the channel.
func (p *Publisher) Channel(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)

	var mu sync.Mutex
	closed := false
	unsubscribe := p.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		for {
			select {
			case ch <- s:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

func (p *Publisher) enqueue(s Snapshot) {
	p.mu.Lock()
	p.queue = append(p.queue, s)
	p.mu.Unlock()
}

func (p *Publisher) flush() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true

	for len(p.queue) > 0 {
		s := p.queue[0]
		p.queue[0] = Snapshot{}
		p.queue = p.queue[1:]
		subs := make([]subscriber, len(p.subs))
		copy(subs, p.subs)
		p.mu.Unlock()

		for _, sub := range subs {
			sub.fn(s)
		}

		p.mu.Lock()
	}

	p.draining = false
	p.mu.Unlock()
}
