package syncqueue

import "sync"

// ConcurrencyStrategy controls how tasks are allowed to start concurrently.
// The strategy tracks active keys and determines whether a task for a given
// key can start given the current state.
type ConcurrencyStrategy interface {
	// CanStart returns true if a task with the given key can start
	CanStart(key string) bool
	// OnStart is called when a task with the given key starts
	OnStart(key string)
	// OnComplete is called when a task with the given key completes
	OnComplete(key string)
}

// PerKeyStrategy serializes tasks per key with no global limit: one task per
// key at a time, unlimited distinct keys in parallel.
type PerKeyStrategy struct {
	mu     sync.Mutex
	active map[string]bool
}

// NewPerKeyStrategy creates a strategy that serializes tasks per key.
func NewPerKeyStrategy() *PerKeyStrategy {
	return &PerKeyStrategy{active: make(map[string]bool)}
}

func (s *PerKeyStrategy) CanStart(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.active[key]
}

func (s *PerKeyStrategy) OnStart(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[key] = true
}

func (s *PerKeyStrategy) OnComplete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
}

// ThrottledStrategy serializes tasks per key and additionally caps the total
// number of tasks running at once.
type ThrottledStrategy struct {
	mu            sync.Mutex
	maxConcurrent int
	running       int
	active        map[string]bool
}

// NewThrottledStrategy creates a strategy that serializes tasks per key and
// allows at most maxConcurrent tasks in flight.
func NewThrottledStrategy(maxConcurrent int) *ThrottledStrategy {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ThrottledStrategy{
		maxConcurrent: maxConcurrent,
		active:        make(map[string]bool),
	}
}

func (s *ThrottledStrategy) CanStart(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.active[key] && s.running < s.maxConcurrent
}

func (s *ThrottledStrategy) OnStart(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[key] = true
	s.running++
}

func (s *ThrottledStrategy) OnComplete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
	if s.running > 0 {
		s.running--
	}
}
