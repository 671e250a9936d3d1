package hub

import (
	"relayhub/internal/logger"
	"relayhub/internal/model"
	"sync"
	"time"

	"go.uber.org/zap"
)

const subscriberBuffer = 256

// Streamer fans events out to all subscribed observers. A new subscriber
// first receives snapshot events for every non-terminal job, so it never
// sees progress without context. Slow subscribers lose events instead of
// blocking publishers.
type Streamer struct {
	mu       sync.RWMutex
	subs     map[int]chan model.Event
	nextID   int
	snapshot func() []model.Event
}

func NewStreamer(snapshot func() []model.Event) *Streamer {
	return &Streamer{
		subs:     make(map[int]chan model.Event),
		snapshot: snapshot,
	}
}

func (s *Streamer) Subscribe() (<-chan model.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan model.Event, subscriberBuffer)
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	// Publishing is blocked while we hold the lock, so the snapshot lands
	// in the channel strictly before any live event.
	if s.snapshot != nil {
		for _, e := range s.snapshot() {
			select {
			case ch <- e:
			default:
			}
		}
	}

	unsub := func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if sub, ok := s.subs[id]; ok {
			close(sub)
			delete(s.subs, id)
		}
	}

	return ch, unsub
}

func (s *Streamer) Publish(e model.Event) {
	if e.Ts == 0 {
		e.Ts = time.Now().Unix()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			logger.Log.Warn("subscriber channel full, dropping event",
				zap.String("job", e.JobUID),
				zap.String("kind", string(e.Kind)))
		}
	}
}

func (s *Streamer) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
