package state

import (
	"sync"
	"time"

	"github.com/fisaks/datc/internal/datc"
)

// StatusStore remembers the last status sent per key and when it was
// sent, so publishers can skip repeats between heartbeats.
type StatusStore interface {
	GetLast(key string) (datc.DeviceStatus, time.Time, bool)
	Update(key string, status datc.DeviceStatus)
	HasChanged(key string, status datc.DeviceStatus) bool
	NeedsHeartbeat(key string, interval time.Duration) bool
	Clear()
}

type statusStore struct {
	store     map[string]datc.DeviceStatus
	heartbeat map[string]time.Time
	mu        sync.RWMutex
	now       func() time.Time
}

func NewStatusStore() StatusStore {
	return &statusStore{
		store:     make(map[string]datc.DeviceStatus),
		heartbeat: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (s *statusStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = make(map[string]datc.DeviceStatus)
	s.heartbeat = make(map[string]time.Time)
}

func (s *statusStore) GetLast(key string) (datc.DeviceStatus, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.store[key]
	sent, ok2 := s.heartbeat[key]
	return status, sent, ok && ok2
}

func (s *statusStore) Update(key string, status datc.DeviceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[key] = status
	s.heartbeat[key] = s.now()
}

func (s *statusStore) HasChanged(key string, status datc.DeviceStatus) bool {
	last, _, ok := s.GetLast(key)
	return !ok || last != status
}

// NeedsHeartbeat reports whether nothing was sent for key within
// interval. A non-positive interval disables heartbeats.
func (s *statusStore) NeedsHeartbeat(key string, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	_, sent, ok := s.GetLast(key)
	return !ok || s.now().Sub(sent) > interval
}
