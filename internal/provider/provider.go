// Package provider defines the storage-provider client abstraction.
//
// This package contains:
//   - Client: the authenticated calls the health core needs (refresh, probe, capability)
//   - Error: the typed failure every adapter must surface instead of swallowing detail
//   - Registry: lookup of configured clients by provider name
//
// Concrete adapters live in sub-packages (oauth for a generic RFC 6749 client,
// mock for tests).
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
)

// Client performs authenticated calls against one storage provider.
type Client interface {
	// Name returns the provider identifier (e.g. "gdrive", "onedrive").
	Name() string

	// RefreshToken exchanges the credential's refresh token for a new access token.
	RefreshToken(ctx context.Context, cred domain.Credential) (domain.Token, error)

	// Probe issues one lightweight, side-effect-free call ("who am I").
	Probe(ctx context.Context, cred domain.Credential) error

	// CheckCapability verifies the connection can perform write-class operations
	// without creating user-visible artefacts (e.g. a quota or permission query).
	CheckCapability(ctx context.Context, cred domain.Credential) error
}

// Error carries the raw provider failure details needed for classification.
type Error struct {
	Provider   string
	Op         string
	StatusCode int
	Code       string // provider or OAuth error code, e.g. "invalid_grant"
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "status %d", e.StatusCode)
	}
	if e.Code != "" {
		if e.StatusCode != 0 {
			b.WriteString(" ")
		}
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}
