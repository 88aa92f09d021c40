package identity

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/db"
	"github.com/Napageneral/chms/internal/fieldmap"
)

func newTestStore(t *testing.T) (*SQLStore, *sql.DB) {
	t.Helper()
	d, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	d.SetMaxOpenConns(1)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, db.Configure(d))
	require.NoError(t, db.ApplySchema(d))
	return NewSQLStore(d), d
}

func TestCreateAndFindProfiles(t *testing.T) {
	ctx := context.Background()
	s, d := newTestStore(t)

	grade := 7
	id, err := s.CreateProfile(ctx, "org-1", fieldmap.Profile{
		FirstName: "Ana", LastName: "Diaz", Email: "ana@x.com", Phone: "5551234567",
		Grade: &grade, Role: fieldmap.RoleStudent,
	})
	require.NoError(t, err)

	byEmail, err := s.FindProfilesByEmail(ctx, "ana@x.com")
	require.NoError(t, err)
	require.Len(t, byEmail, 1)
	assert.Equal(t, id, byEmail[0].ID)
	require.NotNil(t, byEmail[0].Grade)
	assert.Equal(t, 7, *byEmail[0].Grade)

	byPhone, err := s.FindProfilesByPhone(ctx, "5551234567")
	require.NoError(t, err)
	require.Len(t, byPhone, 1)

	none, err := s.FindProfilesByEmail(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, none)

	var role string
	require.NoError(t, d.QueryRow(`SELECT role FROM organization_memberships WHERE organization_id = ? AND profile_id = ?`, "org-1", id).Scan(&role))
	assert.Equal(t, fieldmap.RoleStudent, role)

	// A second membership call keeps the original role.
	require.NoError(t, s.EnsureMembership(ctx, "org-1", id, fieldmap.RoleLeader))
	require.NoError(t, d.QueryRow(`SELECT role FROM organization_memberships WHERE organization_id = ? AND profile_id = ?`, "org-1", id).Scan(&role))
	assert.Equal(t, fieldmap.RoleStudent, role)

	// A plain member is promoted, and never demoted back.
	plain, err := s.CreateProfile(ctx, "org-1", fieldmap.Profile{FirstName: "Maria"})
	require.NoError(t, err)
	require.NoError(t, s.EnsureMembership(ctx, "org-1", plain, fieldmap.RoleGuardian))
	require.NoError(t, s.EnsureMembership(ctx, "org-1", plain, fieldmap.RoleMember))
	require.NoError(t, d.QueryRow(`SELECT role FROM organization_memberships WHERE organization_id = ? AND profile_id = ?`, "org-1", plain).Scan(&role))
	assert.Equal(t, fieldmap.RoleGuardian, role)
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	id, err := s.CreateProfile(ctx, "org-1", fieldmap.Profile{FirstName: "Ana", LastName: "Diaz"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateProfile(ctx, id, fieldmap.Profile{FirstName: "Ana", LastName: "Diaz-Lopez", Email: "ana@x.com"}))
	got, err := s.GetProfile(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Diaz-Lopez", got.LastName)
	assert.Nil(t, got.Grade)

	missing, err := s.GetProfile(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Error(t, s.UpdateProfile(ctx, "nope", fieldmap.Profile{}))
}

func TestLinks(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	id, err := s.CreateProfile(ctx, "org-1", fieldmap.Profile{FirstName: "Ana"})
	require.NoError(t, err)

	key := LinkKey{OrganizationID: "org-1", Provider: chms.ProviderRock, ExternalID: "42"}
	_, found, err := s.FindLink(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.CreateLink(ctx, key, id, "grace-rock"))
	linked, found, err := s.FindLink(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, linked)

	ext, found, err := s.LinkedExternalID(ctx, "org-1", chms.ProviderRock, id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "42", ext)

	_, found, err = s.LinkedExternalID(ctx, "org-1", chms.ProviderCCB, id)
	require.NoError(t, err)
	assert.False(t, found)

	assert.ErrorIs(t, s.CreateLink(ctx, key, id, "grace-rock"), ErrLinkExists)

	n, err := s.CountLinks(ctx, "org-1", chms.ProviderRock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertRelationship(t *testing.T) {
	ctx := context.Background()
	s, d := newTestStore(t)

	parent, err := s.CreateProfile(ctx, "org-1", fieldmap.Profile{FirstName: "Maria"})
	require.NoError(t, err)
	kid, err := s.CreateProfile(ctx, "org-1", fieldmap.Profile{FirstName: "Ana"})
	require.NoError(t, err)

	r := Relationship{OrganizationID: "org-1", GuardianProfileID: parent, StudentProfileID: kid, ExternalFamilyID: "7"}
	created, err := s.UpsertRelationship(ctx, r)
	require.NoError(t, err)
	assert.True(t, created)

	r.ExternalFamilyID = "8"
	created, err = s.UpsertRelationship(ctx, r)
	require.NoError(t, err)
	assert.False(t, created)

	var fam, kind string
	require.NoError(t, d.QueryRow(`SELECT external_family_id, relationship FROM guardian_relationships`).Scan(&fam, &kind))
	assert.Equal(t, "8", fam)
	assert.Equal(t, "guardian", kind)
}

func TestEngagementSummaries(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	active, err := s.CreateProfile(ctx, "org-1", fieldmap.Profile{FirstName: "Ana"})
	require.NoError(t, err)
	quiet, err := s.CreateProfile(ctx, "org-1", fieldmap.Profile{FirstName: "Ben"})
	require.NoError(t, err)
	unlinked, err := s.CreateProfile(ctx, "org-1", fieldmap.Profile{FirstName: "Cy"})
	require.NoError(t, err)

	require.NoError(t, s.CreateLink(ctx, LinkKey{"org-1", chms.ProviderRock, "1"}, active, "c"))
	require.NoError(t, s.CreateLink(ctx, LinkKey{"org-1", chms.ProviderRock, "2"}, quiet, "c"))

	first := time.Date(2026, time.October, 4, 18, 0, 0, 0, time.UTC)
	last := time.Date(2026, time.October, 11, 18, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordCheckIn(ctx, CheckIn{OrganizationID: "org-1", ProfileID: active, At: first, Points: 10}))
	require.NoError(t, s.RecordCheckIn(ctx, CheckIn{OrganizationID: "org-1", ProfileID: active, At: last, Points: 5}))
	require.NoError(t, s.RecordCheckIn(ctx, CheckIn{OrganizationID: "org-1", ProfileID: unlinked, At: last}))

	texted := time.Date(2026, time.October, 12, 9, 30, 0, 0, time.UTC)
	require.NoError(t, s.SetEngagement(ctx, Engagement{
		OrganizationID: "org-1", ProfileID: active, BelongingStatus: "connected", LastTextAt: &texted,
		Interaction: &chms.Interaction{Date: texted, ComponentName: "Texting", Summary: "Checked in about camp"},
	}))
	// A partial update keeps earlier signals.
	require.NoError(t, s.SetEngagement(ctx, Engagement{OrganizationID: "org-1", ProfileID: active}))

	got, err := s.EngagementSummaries(ctx, "org-1", chms.ProviderRock)
	require.NoError(t, err)
	require.Len(t, got, 2)

	a := got[0]
	assert.Equal(t, "1", a.ExternalID)
	require.NotNil(t, a.LastCheckIn)
	assert.True(t, a.LastCheckIn.Equal(last))
	assert.Equal(t, 2, a.TotalCheckIns)
	assert.Equal(t, 15, a.TotalPoints)
	assert.Equal(t, "connected", a.BelongingStatus)
	require.NotNil(t, a.LastText)
	assert.True(t, a.LastText.Equal(texted))
	require.NotNil(t, a.Interaction)
	assert.Equal(t, "Texting", a.Interaction.ComponentName)

	b := got[1]
	assert.Equal(t, "2", b.ExternalID)
	assert.Nil(t, b.LastCheckIn)
	assert.Zero(t, b.TotalCheckIns)
	assert.Nil(t, b.Interaction)
}

func TestSyncLogs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	base := time.Date(2026, time.October, 16, 8, 0, 0, 0, time.UTC)
	require.Error(t, s.RecordSyncLog(ctx, SyncLog{}))

	require.NoError(t, s.RecordSyncLog(ctx, SyncLog{
		ID: "a", Connection: "grace", OrganizationID: "org-1", Provider: "rock", Trigger: "manual",
		Status: "completed", StartedAt: base, FinishedAt: base.Add(time.Minute), ProfilesCreated: 3, APICalls: 12,
	}))
	require.NoError(t, s.RecordSyncLog(ctx, SyncLog{
		ID: "b", Connection: "grace", OrganizationID: "org-1", Provider: "rock", Trigger: "scheduled",
		Status: "completed_with_errors", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour),
		Errors: []RecordError{{ExternalID: "9", Stage: "matching", Error: "boom"}},
	}))
	require.NoError(t, s.RecordSyncLog(ctx, SyncLog{
		ID: "c", Connection: "other", Provider: "ccb", Trigger: "manual", Status: "failed",
		StartedAt: base, FinishedAt: base,
	}))

	logs, err := s.ListSyncLogs(ctx, "grace", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "b", logs[0].ID)
	require.Len(t, logs[0].Errors, 1)
	assert.Equal(t, "matching", logs[0].Errors[0].Stage)
	assert.Equal(t, 3, logs[1].ProfilesCreated)
	assert.Equal(t, int64(12), logs[1].APICalls)

	all, err := s.ListSyncLogs(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCreateLinkedProfileIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, d := newTestStore(t)
	key := LinkKey{OrganizationID: "org-1", Provider: chms.ProviderRock, ExternalID: "42"}

	id, err := s.CreateLinkedProfile(ctx, key, fieldmap.Profile{FirstName: "Ana", Role: fieldmap.RoleStudent}, "grace-rock")
	require.NoError(t, err)
	got, found, err := s.FindLink(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, got)

	_, err = s.CreateLinkedProfile(ctx, key, fieldmap.Profile{FirstName: "Ana"}, "grace-rock")
	require.ErrorIs(t, err, ErrLinkExists)

	var profiles, memberships int
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&profiles))
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM organization_memberships`).Scan(&memberships))
	assert.Equal(t, 1, profiles, "a failed link rolls the profile back")
	assert.Equal(t, 1, memberships)
}
