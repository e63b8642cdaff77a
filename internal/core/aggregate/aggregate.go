// Package aggregate derives the consolidated health status of a connection
// from its failure history.
package aggregate

import (
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
)

const (
	unhealthyThreshold = 5
	degradedThreshold  = 2
)

// Consolidation is the result of applying the thresholds.
type Consolidation struct {
	Status               domain.Status
	RequiresReconnection bool
}

// Consolidate maps a failure count and the latest error kind to a status.
func Consolidate(consecutiveFailures uint, kind domain.ErrorKind) Consolidation {
	status := domain.StatusHealthy
	switch {
	case consecutiveFailures >= unhealthyThreshold:
		status = domain.StatusUnhealthy
	case consecutiveFailures >= degradedThreshold:
		status = domain.StatusDegraded
	}
	return Consolidation{
		Status:               status,
		RequiresReconnection: RequiresReconnection(kind),
	}
}

// RequiresReconnection reports kinds that force the user through a new OAuth grant.
func RequiresReconnection(kind domain.ErrorKind) bool {
	switch kind {
	case domain.ErrorKindTokenExpired,
		domain.ErrorKindInsufficientPermissions,
		domain.ErrorKindInvalidCredentials,
		domain.ErrorKindInvalidRefreshToken:
		return true
	}
	return false
}

// Observation is one validation or refresh outcome for a pair.
type Observation struct {
	Success      bool
	Disconnected bool // no credential stored
	Live         bool // produced by a live validation rather than a refresh
	ErrorKind    domain.ErrorKind
	Message      string
}

// Next applies obs to prev and returns the new record and whether the
// consolidated status changed. A missing record (prev == nil) starts healthy.
func Next(prev *domain.HealthRecord, pair domain.Pair, obs Observation, now time.Time) (domain.HealthRecord, bool) {
	var rec domain.HealthRecord
	if prev != nil {
		rec = *prev
	} else {
		rec = domain.HealthRecord{
			UserID:             pair.UserID,
			Provider:           pair.Provider,
			ConsolidatedStatus: domain.StatusHealthy,
		}
	}
	before := rec.ConsolidatedStatus

	switch {
	case obs.Disconnected:
		rec.ConsolidatedStatus = domain.StatusDisconnected
		rec.RequiresReconnection = true
		rec.LastErrorKind = domain.ErrorKindProviderNotConfigured
		rec.LastErrorMessage = obs.Message
	case obs.Success:
		rec.ConsecutiveFailures = 0
		rec.LastSuccessfulOperationAt = &now
		rec.LastErrorKind = domain.ErrorKindNone
		rec.LastErrorMessage = ""
		c := Consolidate(0, domain.ErrorKindNone)
		rec.ConsolidatedStatus = c.Status
		rec.RequiresReconnection = false
	default:
		rec.ConsecutiveFailures++
		rec.LastErrorKind = obs.ErrorKind
		rec.LastErrorMessage = obs.Message
		c := Consolidate(rec.ConsecutiveFailures, obs.ErrorKind)
		rec.ConsolidatedStatus = c.Status
		rec.RequiresReconnection = c.RequiresReconnection
	}

	if obs.Live {
		rec.LastLiveValidationAt = &now
	}
	rec.UpdatedAt = now
	return rec, before != rec.ConsolidatedStatus
}
