package session

import "sync"

// Notifier wakes subscribers when the session changes. Each subscriber has a
// one-slot channel, so a burst of changes collapses into one wake-up and a
// slow subscriber never blocks the ingestion path.
type Notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan struct{})}
}

// Subscribe returns a channel that receives after every change, and a
// function that unsubscribes and closes it.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

func (n *Notifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
