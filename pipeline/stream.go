package pipeline

import "sync"

// statusStream fans RunStatus snapshots out to observers. Delivery is
// latest-wins: a slow observer loses intermediate snapshots, never the newest,
// and the publisher never blocks.
type statusStream struct {
	mu       sync.Mutex
	nextID   int
	watchers map[int]chan RunStatus
}

func newStatusStream() *statusStream {
	return &statusStream{watchers: map[int]chan RunStatus{}}
}

func (s *statusStream) subscribe(buffer int) (int, chan RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer <= 0 {
		buffer = 16
	}
	id := s.nextID
	s.nextID++
	ch := make(chan RunStatus, buffer)
	s.watchers[id] = ch
	return id, ch
}

func (s *statusStream) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.watchers[id]; ok {
		delete(s.watchers, id)
		close(ch)
	}
}

func (s *statusStream) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers) > 0
}

func (s *statusStream) publish(status RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		offer(ch, status)
	}
}

func offer(ch chan RunStatus, status RunStatus) {
	select {
	case ch <- status:
		return
	default:
	}
	// Full: drop the oldest queued snapshot to make room.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- status:
	default:
	}
}
