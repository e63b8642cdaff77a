package domain

import "time"

// Credential is the refreshable OAuth credential for a (user, provider) pair.
type Credential struct {
	UserID                      string     `json:"user_id"                  db:"user_id"`
	Provider                    string     `json:"provider"                 db:"provider"`
	AccessToken                 string     `json:"-"                        db:"access_token"`
	RefreshToken                string     `json:"-"                        db:"refresh_token"`
	ExpiresAt                   time.Time  `json:"expires_at"               db:"expires_at"`
	ConsecutiveFailureCount     uint       `json:"consecutive_failure_count" db:"consecutive_failure_count"`
	RequiresUserIntervention    bool       `json:"requires_user_intervention" db:"requires_user_intervention"`
	ProactiveRefreshScheduledAt *time.Time `json:"proactive_refresh_scheduled_at,omitempty" db:"proactive_refresh_scheduled_at"`
	LastRefreshAttemptAt        *time.Time `json:"last_refresh_attempt_at,omitempty" db:"last_refresh_attempt_at"`
	LastErrorKind               ErrorKind  `json:"last_error_kind,omitempty" db:"last_error_kind"`
	UpdatedAt                   time.Time  `json:"updated_at"               db:"updated_at"`
}

func (c *Credential) Pair() Pair {
	return Pair{UserID: c.UserID, Provider: c.Provider}
}

// HasRefreshToken reports whether an automatic refresh is possible at all.
func (c *Credential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// CanAutoRefresh is false once the user has to reconnect manually.
func (c *Credential) CanAutoRefresh() bool {
	return c.HasRefreshToken() && !c.RequiresUserIntervention
}

// IsExpired reports whether the access token is no longer usable at now.
func (c *Credential) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// ExpiresWithin reports whether the token expires before now+horizon.
func (c *Credential) ExpiresWithin(now time.Time, horizon time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(horizon))
}

// Token is what a provider hands back from a successful refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
