package binance

import (
	"sort"
	"sync"

	"userstream/logger"
)

// Streams records which listen keys are live and which account each one
// serves. It follows listen key rotations through RenameStream.
type Streams struct {
	mu    sync.RWMutex
	names map[string]string
	log   *logger.Log
}

func NewStreams() *Streams {
	return &Streams{
		names: make(map[string]string),
		log:   logger.GetLogger(),
	}
}

func (s *Streams) Add(streamID, account string) {
	s.mu.Lock()
	s.names[streamID] = account
	s.mu.Unlock()
}

func (s *Streams) Remove(streamID string) {
	s.mu.Lock()
	delete(s.names, streamID)
	s.mu.Unlock()
}

// RenameStream moves the account label from oldID to newID. Unknown ids
// are ignored.
func (s *Streams) RenameStream(oldID, newID string) {
	if oldID == newID {
		return
	}

	s.mu.Lock()
	account, ok := s.names[oldID]
	if ok {
		delete(s.names, oldID)
		s.names[newID] = account
	}
	s.mu.Unlock()

	if !ok {
		s.log.WithComponent("binance_streams").Debug("rename for untracked stream ignored")
	}
}

// Account returns the account served by streamID.
func (s *Streams) Account(streamID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.names[streamID]
	return account, ok
}

// Accounts returns the accounts with a live stream, sorted.
func (s *Streams) Accounts() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.names))
	for _, account := range s.names {
		out = append(out, account)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Streams) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.names)
}
