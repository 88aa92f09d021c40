// Package chms holds the provider-agnostic data model and the contract every
// church management system adapter satisfies.
package chms

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// ProviderName identifies a supported church management system.
type ProviderName string

const (
	ProviderRock           ProviderName = "rock"
	ProviderPlanningCenter ProviderName = "planning_center"
	ProviderCCB            ProviderName = "ccb"
)

// Connection is one organization's link to a provider.
type Connection struct {
	Name           string
	OrganizationID string
	Provider       ProviderName
	// BaseURL is required for self-hosted Rock and ignored by hosted providers.
	BaseURL     string
	Credentials map[string]string
	SyncConfig  map[string]any
}

// Provider is implemented once per external system.
//
// Authenticate must be called before any other network method. Methods that
// are documented as never failing report problems through their result.
type Provider interface {
	Name() ProviderName

	// Authenticate validates credentials and prepares auth headers. It
	// returns an *AuthenticationError when credentials are rejected or the
	// endpoint is unreachable.
	Authenticate(ctx context.Context) error

	// TestConnection wraps Authenticate for health checks and never fails.
	TestConnection(ctx context.Context) ConnectionStatus

	// Capabilities is pure and makes no network call.
	Capabilities() Capabilities

	// ListPeople returns the full roster, or only records changed since
	// modifiedSince when the provider can filter server-side.
	ListPeople(ctx context.Context, modifiedSince *time.Time) ([]Person, error)

	// SearchPerson is a best-effort lookup used for identity matching.
	SearchPerson(ctx context.Context, query SearchQuery) ([]Person, error)

	// ListFamilies returns the deduplicated households containing any of
	// the given people.
	ListFamilies(ctx context.Context, externalPersonIDs []string) ([]Family, error)

	// ListGroups returns groups with members, optionally restricted to a
	// provider-specific allow-list of group or group type identifiers.
	ListGroups(ctx context.Context, groupTypeFilter []string) ([]Group, error)

	CreatePerson(ctx context.Context, person Person) (string, error)
	UpdatePerson(ctx context.Context, externalID string, update PersonUpdate) error

	// WriteActivity is best-effort and never fails; per-item failures are
	// reported in the result.
	WriteActivity(ctx context.Context, activities []ActivityWriteBack) WriteResult
}

// SyncString returns a string sync_config knob.
func (c Connection) SyncString(key, def string) string {
	if c.SyncConfig == nil {
		return def
	}
	switch v := c.SyncConfig[key].(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return v
		}
	case int:
		return strconv.Itoa(v)
	}
	return def
}

// SyncInt returns an integer sync_config knob.
func (c Connection) SyncInt(key string, def int) int {
	if c.SyncConfig == nil {
		return def
	}
	switch v := c.SyncConfig[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// SyncStrings returns a list sync_config knob. Scalars are accepted as a
// single-element list and comma-separated strings are split.
func (c Connection) SyncStrings(key string) []string {
	if c.SyncConfig == nil {
		return nil
	}
	var out []string
	switch v := c.SyncConfig[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			switch t := item.(type) {
			case string:
				out = append(out, t)
			case int:
				out = append(out, strconv.Itoa(t))
			case float64:
				out = append(out, strconv.Itoa(int(t)))
			}
		}
	case string:
		out = strings.Split(v, ",")
	case int:
		out = []string{strconv.Itoa(v)}
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}

func trimmed(s string) string { return strings.TrimSpace(s) }
