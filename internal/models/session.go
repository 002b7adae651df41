package models

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionPaused   SessionStatus = "paused"
	SessionOrphaned SessionStatus = "orphaned"
	SessionClosed   SessionStatus = "closed"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionPaused, SessionOrphaned, SessionClosed:
		return true
	}
	return false
}

// CanTransition reports whether s may move to next. Statuses only move
// forward: active and paused toggle, orphaned is reclamation in progress,
// closed is terminal.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionActive:
		return next == SessionPaused || next == SessionOrphaned || next == SessionClosed
	case SessionPaused:
		return next == SessionActive || next == SessionOrphaned || next == SessionClosed
	case SessionOrphaned:
		return next == SessionClosed
	default:
		return false
	}
}

// MergeConfig controls what happens to a session's branch on close.
type MergeConfig struct {
	AutoMerge    bool   `json:"autoMerge"`
	TargetBranch string `json:"targetBranch"`
	Strategy     string `json:"strategy"`
}

// Session is the on-disk session lock record.
type Session struct {
	SessionID         string        `json:"sessionId"`
	AgentType         string        `json:"agentType"`
	Task              string        `json:"task"`
	WorktreePath      string        `json:"worktreePath"`
	BranchName        string        `json:"branchName"`
	BaseBranch        string        `json:"baseBranch,omitempty"`
	Created           time.Time     `json:"created"`
	Status            SessionStatus `json:"status"`
	DeveloperInitials string        `json:"developerInitials"`
	MergeConfig       MergeConfig   `json:"mergeConfig"`
	PID               int           `json:"pid,omitempty"`
	Updated           time.Time     `json:"updated,omitzero"`
	LastError         string        `json:"lastError,omitempty"`
}

// Age returns how long ago the session was created.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.Created)
}

// AgeDays returns the session age in whole days.
func (s *Session) AgeDays(now time.Time) int {
	return int(s.Age(now) / (24 * time.Hour))
}

func (s *Session) String() string {
	return fmt.Sprintf("%s (%s: %s)", s.SessionID, s.AgentType, s.Task)
}
