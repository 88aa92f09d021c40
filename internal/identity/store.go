// Package identity is the local side of reconciliation: profiles,
// organization memberships, links from profiles to external ChMS people,
// guardian relationships, ministry engagement and the sync log.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/fieldmap"
)

// ErrLinkExists is returned by CreateLink when the external person is already
// linked within the organization and provider.
var ErrLinkExists = errors.New("external person already linked")

// LinkKey identifies one external person.
type LinkKey struct {
	OrganizationID string
	Provider       chms.ProviderName
	ExternalID     string
}

// ProfileRecord is a stored profile.
type ProfileRecord struct {
	ID string
	fieldmap.Profile
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Relationship is a directed guardian to student edge within an organization.
type Relationship struct {
	OrganizationID    string
	GuardianProfileID string
	StudentProfileID  string
	Relationship      string
	ExternalFamilyID  string
}

// CheckIn is one attendance record.
type CheckIn struct {
	OrganizationID string
	ProfileID      string
	At             time.Time
	EventName      string
	Points         int
}

// Engagement is the non-attendance ministry signal kept per profile.
type Engagement struct {
	OrganizationID  string
	ProfileID       string
	BelongingStatus string
	LastTextAt      *time.Time
	Interaction     *chms.Interaction
}

// EngagementSummary is one linked person's outbound activity.
type EngagementSummary struct {
	ExternalID      string
	ProfileID       string
	LastCheckIn     *time.Time
	TotalCheckIns   int
	TotalPoints     int
	LastText        *time.Time
	BelongingStatus string
	Interaction     *chms.Interaction
}

// RecordError is one recoverable per-record failure in a run.
type RecordError struct {
	ExternalID string `json:"external_id,omitempty"`
	Stage      string `json:"stage"`
	Error      string `json:"error"`
}

// SyncLog is the persisted outcome of one run.
type SyncLog struct {
	ID                   string        `json:"id"`
	Connection           string        `json:"connection"`
	OrganizationID       string        `json:"organization_id"`
	Provider             string        `json:"provider"`
	Trigger              string        `json:"trigger"`
	Status               string        `json:"status"`
	StartedAt            time.Time     `json:"started_at"`
	FinishedAt           time.Time     `json:"finished_at"`
	PeopleImported       int           `json:"people_imported"`
	ProfilesCreated      int           `json:"profiles_created"`
	ProfilesLinked       int           `json:"profiles_linked"`
	ProfilesUpdated      int           `json:"profiles_updated"`
	FamiliesSynced       int           `json:"families_synced"`
	RelationshipsCreated int           `json:"relationships_created"`
	ActivityWritten      int           `json:"activity_written"`
	ActivityFailed       int           `json:"activity_failed"`
	APICalls             int64         `json:"api_calls"`
	Message              string        `json:"message,omitempty"`
	Errors               []RecordError `json:"errors,omitempty"`
}

// Store is everything the sync engine needs from the local identity system.
type Store interface {
	// FindLink returns the profile linked to an external person.
	FindLink(ctx context.Context, key LinkKey) (profileID string, found bool, err error)
	// LinkedExternalID returns the external person a profile is linked to
	// within one organization and provider.
	LinkedExternalID(ctx context.Context, organizationID string, provider chms.ProviderName, profileID string) (string, bool, error)

	GetProfile(ctx context.Context, id string) (*ProfileRecord, error)
	// FindProfilesByEmail and FindProfilesByPhone return candidates oldest
	// first. Inputs must already be normalized.
	FindProfilesByEmail(ctx context.Context, email string) ([]ProfileRecord, error)
	FindProfilesByPhone(ctx context.Context, phone string) ([]ProfileRecord, error)

	// CreateLinkedProfile creates a profile, its organization membership and
	// its link to key atomically and returns the new id. ErrLinkExists means
	// nothing was created.
	CreateLinkedProfile(ctx context.Context, key LinkKey, p fieldmap.Profile, connection string) (string, error)
	// EnsureMembership adds a membership. An existing plain member is
	// promoted to role; any more specific role is kept.
	EnsureMembership(ctx context.Context, organizationID, profileID, role string) error
	UpdateProfile(ctx context.Context, id string, p fieldmap.Profile) error

	CreateLink(ctx context.Context, key LinkKey, profileID, connection string) error
	CountLinks(ctx context.Context, organizationID string, provider chms.ProviderName) (int, error)

	// UpsertRelationship reports whether a new edge was created.
	UpsertRelationship(ctx context.Context, r Relationship) (bool, error)

	EngagementSummaries(ctx context.Context, organizationID string, provider chms.ProviderName) ([]EngagementSummary, error)
	RecordCheckIn(ctx context.Context, c CheckIn) error
	SetEngagement(ctx context.Context, e Engagement) error

	RecordSyncLog(ctx context.Context, l SyncLog) error
	ListSyncLogs(ctx context.Context, connection string, limit int) ([]SyncLog, error)
}
