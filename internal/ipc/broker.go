package ipc

import "sync"

const subscriberBuffer = 256

// Broker fans events out to watch subscribers. A subscriber that falls
// behind loses events rather than stalling the publisher.
type Broker struct {
	mu   sync.Mutex
	subs map[chan map[string]any]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan map[string]any]struct{})}
}

func (b *Broker) Subscribe() (<-chan map[string]any, func()) {
	ch := make(chan map[string]any, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish returns how many subscribers dropped the event.
func (b *Broker) Publish(event map[string]any) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	return dropped
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
