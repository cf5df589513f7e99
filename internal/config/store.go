package config

import (
	"sync"
)

// Store holds the current configuration snapshot and notifies subscribers
// when it changes. It is constructed explicitly at application start and
// passed by reference to everything that needs configuration; there is no
// package-level singleton.
type Store struct {
	mu   sync.RWMutex
	cur  Config
	subs []chan Config
}

// NewStore creates a Store seeded with cfg. cfg must be valid.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{cur: cfg}, nil
}

// Current returns the active configuration snapshot.
func (s *Store) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Apply merges a validated partial update into the current configuration.
// On validation failure nothing changes and the error is returned.
func (s *Store) Apply(p Partial) (Config, error) {
	s.mu.Lock()
	next, err := s.cur.Merge(p)
	if err != nil {
		s.mu.Unlock()
		return Config{}, err
	}
	s.cur = next
	subs := make([]chan Config, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	notify(subs, next)
	return next, nil
}

// Replace swaps in a whole new configuration, typically from a reloaded
// file. An invalid cfg is rejected and the previous one stays active.
func (s *Store) Replace(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cur = cfg
	subs := make([]chan Config, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	notify(subs, cfg)
	return nil
}

// Subscribe registers for change notifications. The returned channel has a
// one-slot buffer; a subscriber that falls behind sees only the most recent
// snapshot, never a stale queue. The cancel function removes the
// subscription and closes the channel.
func (s *Store) Subscribe() (<-chan Config, func()) {
	ch := make(chan Config, 1)

	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				break
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func notify(subs []chan Config, cfg Config) {
	for _, ch := range subs {
		// Drain a stale pending snapshot so the latest one always fits.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}
