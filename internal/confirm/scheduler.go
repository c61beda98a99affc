// Package confirm runs the per-session countdown between preview and render.
package confirm

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Policy decides what a lapsed confirmation window means.
type Policy string

const (
	// PolicyAutoApprove renders the session as if the user approved it.
	PolicyAutoApprove Policy = "auto_approve"
	// PolicyAutoReject cancels the session and refunds it.
	PolicyAutoReject Policy = "auto_reject"
)

// ParsePolicy accepts the configured policy name. Empty means auto-approve.
func ParsePolicy(value string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(value))); p {
	case "":
		return PolicyAutoApprove, nil
	case PolicyAutoApprove, PolicyAutoReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown confirmation timeout policy %q", value)
	}
}

// ExpireFunc is invoked once when a session's window lapses.
type ExpireFunc func(sessionID string)

type entry struct {
	timer *time.Timer
	seq   uint64
}

// Scheduler keeps one timer per session id.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]entry
	seq     uint64
	stopped bool
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{entries: make(map[string]entry)}
}

// Start arms the countdown for sessionID, replacing any previous one. onExpire
// runs on its own goroutine at most once, and never after Cancel returned true.
func (s *Scheduler) Start(sessionID string, window time.Duration, onExpire ExpireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.entries[sessionID]; ok {
		existing.timer.Stop()
	}

	s.seq++
	seq := s.seq
	timer := time.AfterFunc(window, func() {
		if !s.claim(sessionID, seq) {
			return
		}
		onExpire(sessionID)
	})
	s.entries[sessionID] = entry{timer: timer, seq: seq}
}

// claim removes the entry if it still belongs to the firing timer.
func (s *Scheduler) claim(sessionID string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[sessionID]
	if !ok || current.seq != seq {
		return false
	}
	delete(s.entries, sessionID)
	return true
}

// Cancel disarms the countdown. It reports whether a pending timer was
// removed; false means the timer already fired or was never started.
func (s *Scheduler) Cancel(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[sessionID]
	if !ok {
		return false
	}
	current.timer.Stop()
	delete(s.entries, sessionID)
	return true
}

// Pending reports whether a countdown is armed for sessionID.
func (s *Scheduler) Pending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[sessionID]
	return ok
}

// Len returns the number of armed countdowns.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop disarms every countdown and rejects new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
}
