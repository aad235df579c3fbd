package store

import (
	"rointe_sync/internal/models"
)

// Subscribe registers a listener. Events for one device arrive in apply order.
// A subscriber that falls behind by more than buffer events loses the overflow.
func (s *Store) Subscribe(buffer int) (<-chan models.DeviceChanged, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan models.DeviceChanged, buffer)

	s.pubMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.pubMu.Unlock()

	cancel := func() {
		s.pubMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.pubMu.Unlock()
	}
	return ch, cancel
}

// Close ends every subscription.
func (s *Store) Close() {
	s.pubMu.Lock()
	for id, c := range s.subs {
		delete(s.subs, id)
		close(c)
	}
	s.pubMu.Unlock()
}

// publishAndUnlock hands events to subscribers in the order the state lock
// was held, then releases it. Sends never block.
func (s *Store) publishAndUnlock(events []models.DeviceChanged) {
	s.pubMu.Lock()
	s.mu.Unlock()
	defer s.pubMu.Unlock()

	for _, ev := range events {
		for id, c := range s.subs {
			select {
			case c <- ev:
			default:
				n := s.lostEvents.Add(1)
				s.log.Warnw("subscriber_overflow", "subscriber", id, "device_id", ev.DeviceID, "lost_total", n)
			}
		}
	}
}
