package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Pair identifies one user's connection to one provider.
type Pair struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
}

func NewPair(userID, provider string) Pair {
	return Pair{UserID: userID, Provider: provider}
}

// ValidateProviderName rejects names that would make Key ambiguous.
func ValidateProviderName(name string) error {
	if name == "" {
		return errors.New("provider name is required")
	}
	if strings.ContainsAny(name, ":/") {
		return fmt.Errorf("provider name %q must not contain ':' or '/'", name)
	}
	return nil
}

// Key returns the "user:provider" form used in cache, lock and limiter keys.
// Provider names never contain ':', so the last ':' separates the parts.
func (p Pair) Key() string {
	return p.UserID + ":" + p.Provider
}

func (p Pair) String() string {
	return p.Key()
}

// ParsePair parses "user/provider" (the form used by transport surfaces).
func ParsePair(s string) (Pair, error) {
	user, prov, ok := strings.Cut(s, "/")
	if !ok || user == "" || prov == "" || strings.Contains(prov, "/") {
		return Pair{}, fmt.Errorf("invalid connection %q, expected user/provider", s)
	}
	return Pair{UserID: user, Provider: prov}, nil
}
