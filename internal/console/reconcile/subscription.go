package reconcile

import (
	"sync"

	"github.com/frostbyte73/core"
)

// Subscription delivers updates in order. Its queue is unbounded, so a
// slow reader never stalls the reconciler.
type Subscription struct {
	q      *queue[Update]
	c      chan Update
	closed core.Fuse
	once   sync.Once
	onDone func()
}

func newSubscription(onDone func()) *Subscription {
	s := &Subscription{
		q:      newQueue[Update](),
		c:      make(chan Update),
		onDone: onDone,
	}
	go s.pump()
	return s
}

// C returns the update channel. It is closed after Close.
func (s *Subscription) C() <-chan Update { return s.c }

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Break()
		if s.onDone != nil {
			s.onDone()
		}
	})
}

func (s *Subscription) deliver(u Update) {
	if !s.closed.IsBroken() {
		s.q.push(u)
	}
}

func (s *Subscription) pump() {
	defer close(s.c)
	for {
		select {
		case <-s.closed.Watch():
			return
		case <-s.q.signal:
		}
		for _, u := range s.q.drain() {
			select {
			case s.c <- u:
			case <-s.closed.Watch():
				return
			}
		}
	}
}
