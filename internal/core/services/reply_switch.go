package services

import (
	"log/slog"
	"sync"
	"time"
)

// ReplySwitch pauses automated replies without touching rule state
type ReplySwitch struct {
	mu       sync.RWMutex
	paused   bool
	pausedBy string
	pausedAt time.Time
	reason   string
}

// SwitchStatus is a snapshot of the switch
type SwitchStatus struct {
	Paused   bool      `json:"paused"`
	Reason   string    `json:"reason,omitempty"`
	PausedBy string    `json:"paused_by,omitempty"`
	PausedAt time.Time `json:"paused_at,omitempty"`
}

// NewReplySwitch returns a switch in the running state
func NewReplySwitch() *ReplySwitch {
	return &ReplySwitch{}
}

// IsPaused returns whether auto-replies are currently suspended
func (s *ReplySwitch) IsPaused() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// Pause suspends auto-replies
func (s *ReplySwitch) Pause(reason, pausedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
	s.reason = reason
	s.pausedBy = pausedBy
	s.pausedAt = time.Now()

	slog.Warn("Auto-reply paused",
		"reason", reason,
		"paused_by", pausedBy,
	)
}

// Resume re-enables auto-replies
func (s *ReplySwitch) Resume(resumedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.paused {
		return
	}
	duration := time.Since(s.pausedAt)
	s.paused = false
	s.reason = ""

	slog.Info("Auto-reply resumed",
		"resumed_by", resumedBy,
		"duration", duration,
	)
}

// Status returns the current switch state
func (s *ReplySwitch) Status() SwitchStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SwitchStatus{
		Paused:   s.paused,
		Reason:   s.reason,
		PausedBy: s.pausedBy,
		PausedAt: s.pausedAt,
	}
}
