package sentinel

import (
	"sync"
	"time"

	"github.com/web3tea/activity-sentinel/logrepl"
)

type ReplicationStatus string

const (
	StatusStopped ReplicationStatus = "stopped"
	StatusActive  ReplicationStatus = "active"
	StatusPaused  ReplicationStatus = "paused"
)

var knownStatuses = []string{string(StatusStopped), string(StatusActive), string(StatusPaused)}

// State is the replication state machine. Channel callbacks and lifecycle
// calls own status and pausedAt; the message loop owns lastLSN and
// lastMessageAt. Everyone else only reads.
type State struct {
	mu            sync.RWMutex
	status        ReplicationStatus
	pausedAt      time.Time
	lastLSN       logrepl.LSN
	lastMessageAt time.Time

	now      func() time.Time
	onChange func(ReplicationStatus)
}

func NewState() *State {
	return &State{status: StatusStopped, now: time.Now}
}

// OnConnect implements delivery.Listener.
func (s *State) OnConnect() {
	s.transition(StatusActive)
}

// OnDisconnect implements delivery.Listener.
func (s *State) OnDisconnect() {
	s.transition(StatusPaused)
}

// Begin is called when the subscription (re)starts.
func (s *State) Begin(channelOpen bool) {
	if channelOpen {
		s.transition(StatusActive)
		return
	}
	s.transition(StatusPaused)
}

func (s *State) Stop() {
	s.transition(StatusStopped)
}

func (s *State) transition(to ReplicationStatus) {
	s.mu.Lock()
	from := s.status
	switch to {
	case StatusActive, StatusStopped:
		s.pausedAt = time.Time{}
	case StatusPaused:
		// the pause clock starts with the first disconnect
		if from != StatusPaused {
			s.pausedAt = s.now()
		}
	}
	s.status = to
	hook := s.onChange
	s.mu.Unlock()

	if hook != nil && from != to {
		hook(to)
	}
}

func (s *State) Status() ReplicationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// PausedFor implements guard.PauseSource.
func (s *State) PausedFor() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusPaused {
		return 0, false
	}
	return s.now().Sub(s.pausedAt), true
}

func (s *State) PausedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pausedAt
}

func (s *State) observe(lsn logrepl.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLSN = lsn
	s.lastMessageAt = s.now()
}

func (s *State) Last() (logrepl.LSN, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLSN, s.lastMessageAt
}

func (s *State) setOnChange(fn func(ReplicationStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}
