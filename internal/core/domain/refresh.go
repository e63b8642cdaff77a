package domain

import "time"

// RefreshOutcome is the terminal state of one coordinated refresh.
type RefreshOutcome string

const (
	RefreshSuccess          RefreshOutcome = "success"
	RefreshAlreadyValid     RefreshOutcome = "already_valid"
	RefreshRefreshedByOther RefreshOutcome = "refreshed_by_other"
	RefreshFailure          RefreshOutcome = "failure"
)

// RefreshResult is returned by the refresh coordinator. It never carries a raw error.
type RefreshResult struct {
	Outcome    RefreshOutcome `json:"outcome"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	Message    string         `json:"message"`
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// OK reports whether a usable token is available after the refresh.
func (r RefreshResult) OK() bool {
	return r.Outcome != RefreshFailure
}

func RefreshFailed(kind ErrorKind, msg string) RefreshResult {
	return RefreshResult{Outcome: RefreshFailure, ErrorKind: kind, Message: msg}
}

// JobPriority orders dispatched refresh jobs.
type JobPriority string

const (
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
)

// RefreshJob is a background refresh request handed to the job scheduler.
type RefreshJob struct {
	ID       string      `json:"id"`
	UserID   string      `json:"user_id"`
	Provider string      `json:"provider"`
	Attempt  uint        `json:"attempt"`
	Priority JobPriority `json:"priority"`
	Reason   string      `json:"reason"`
	DueAt    time.Time   `json:"due_at"`
}

func (j RefreshJob) Pair() Pair {
	return Pair{UserID: j.UserID, Provider: j.Provider}
}
