package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/chms/internal/bus"
	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/db"
	"github.com/Napageneral/chms/internal/fieldmap"
	"github.com/Napageneral/chms/internal/identity"
	"github.com/Napageneral/chms/internal/state"
)

type fakeProvider struct {
	caps     chms.Capabilities
	authErr  error
	listErr  error
	people   []chms.Person
	families []chms.Family
	groups   []chms.Group
	result   *chms.WriteResult

	listCalls   int
	sinceSeen   []*time.Time
	familyCalls [][]string
	writes      [][]chms.ActivityWriteBack
	groupTypes  [][]string
	created     []chms.Person
}

func (f *fakeProvider) Name() chms.ProviderName { return chms.ProviderRock }

func (f *fakeProvider) Authenticate(context.Context) error { return f.authErr }

func (f *fakeProvider) TestConnection(ctx context.Context) chms.ConnectionStatus {
	if err := f.Authenticate(ctx); err != nil {
		return chms.ConnectionStatus{Error: err.Error()}
	}
	return chms.ConnectionStatus{OK: true}
}

func (f *fakeProvider) Capabilities() chms.Capabilities { return f.caps }

func (f *fakeProvider) ListPeople(_ context.Context, since *time.Time) ([]chms.Person, error) {
	f.listCalls++
	f.sinceSeen = append(f.sinceSeen, since)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.people, nil
}

func (f *fakeProvider) SearchPerson(context.Context, chms.SearchQuery) ([]chms.Person, error) {
	return nil, nil
}

func (f *fakeProvider) ListFamilies(_ context.Context, ids []string) ([]chms.Family, error) {
	f.familyCalls = append(f.familyCalls, append([]string(nil), ids...))
	return f.families, nil
}

func (f *fakeProvider) ListGroups(_ context.Context, types []string) ([]chms.Group, error) {
	f.groupTypes = append(f.groupTypes, types)
	return f.groups, nil
}

func (f *fakeProvider) CreatePerson(_ context.Context, p chms.Person) (string, error) {
	f.created = append(f.created, p)
	return fmt.Sprintf("new-%d", len(f.created)), nil
}

func (f *fakeProvider) UpdatePerson(context.Context, string, chms.PersonUpdate) error { return nil }

func (f *fakeProvider) WriteActivity(_ context.Context, activities []chms.ActivityWriteBack) chms.WriteResult {
	f.writes = append(f.writes, activities)
	if f.result != nil {
		return *f.result
	}
	return chms.WriteResult{Succeeded: len(activities)}
}

var rockCaps = chms.Capabilities{
	CanWriteAttendance:   true,
	CanWriteInteractions: true,
	CanWriteCustomFields: true,
	CustomFieldSlots:     chms.UnlimitedSlots,
	HasIncrementalSync:   true,
	MaxPageSize:          500,
}

type harness struct {
	db       *sql.DB
	store    *identity.SQLStore
	engine   *Engine
	provider *fakeProvider
	conn     chms.Connection
	clock    time.Time
}

func newHarness(t *testing.T, p *fakeProvider) *harness {
	t.Helper()
	d, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	d.SetMaxOpenConns(1)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, db.Configure(d))
	require.NoError(t, db.ApplySchema(d))

	h := &harness{
		db:       d,
		store:    identity.NewSQLStore(d),
		provider: p,
		conn:     chms.Connection{Name: "grace-rock", OrganizationID: "org-1", Provider: chms.ProviderRock},
		clock:    time.Date(2026, time.October, 16, 9, 0, 0, 0, time.UTC),
	}
	h.engine = NewEngine(d, h.store,
		WithProviderFactory(func(chms.Connection) (chms.Provider, error) { return p, nil }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return h.clock }),
	)
	return h
}

func (h *harness) run(t *testing.T, full bool) (*identity.SyncLog, error) {
	t.Helper()
	return h.engine.Run(context.Background(), RunRequest{Connection: h.conn, Trigger: TriggerManual, Full: full})
}

func TestRunLinksExistingProfileAndCreatesNew(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{caps: rockCaps, people: []chms.Person{
		{ExternalID: "1", FirstName: "Ana", LastName: "Lee", Email: "ana@x.com"},
		{ExternalID: "2", FirstName: "Ben", LastName: "Lee"},
	}}
	h := newHarness(t, p)

	existing, err := h.store.CreateProfile(ctx, "org-1", fieldmap.Profile{FirstName: "Ana", LastName: "Lee", Email: "ana@x.com"})
	require.NoError(t, err)

	log, err := h.run(t, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, log.Status)
	assert.Equal(t, 2, log.PeopleImported)
	assert.Equal(t, 1, log.ProfilesLinked)
	assert.Equal(t, 1, log.ProfilesCreated)

	linked, found, err := h.store.FindLink(ctx, identity.LinkKey{OrganizationID: "org-1", Provider: chms.ProviderRock, ExternalID: "1"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, existing, linked)

	created, found, err := h.store.FindLink(ctx, identity.LinkKey{OrganizationID: "org-1", Provider: chms.ProviderRock, ExternalID: "2"})
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEqual(t, existing, created)

	logs, err := h.store.ListSyncLogs(ctx, "grace-rock", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "manual", logs[0].Trigger)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{caps: rockCaps, people: []chms.Person{
		{ExternalID: "1", FirstName: "Ana", LastName: "Lee", Email: "ana@x.com", Phone: "(555) 123-4567"},
		{ExternalID: "2", FirstName: "Ben", LastName: "Lee"},
		{ExternalID: "3", FirstName: "Cy", LastName: "Ray", Phone: "555.987.6543"},
	}}
	h := newHarness(t, p)

	first, err := h.run(t, false)
	require.NoError(t, err)
	assert.Equal(t, 3, first.ProfilesCreated)

	h.clock = h.clock.Add(time.Hour)
	second, err := h.run(t, false)
	require.NoError(t, err)
	assert.Zero(t, second.ProfilesCreated)
	assert.Zero(t, second.ProfilesLinked)
	assert.Zero(t, second.ProfilesUpdated)

	n, err := h.store.CountLinks(ctx, "org-1", chms.ProviderRock)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunDoesNotReuseLinkedProfile(t *testing.T) {
	ctx := context.Background()
	// Two external people share an email. Only the first may claim the
	// existing profile.
	p := &fakeProvider{caps: rockCaps, people: []chms.Person{
		{ExternalID: "1", FirstName: "Ana", LastName: "Lee", Email: "family@x.com"},
		{ExternalID: "2", FirstName: "Ben", LastName: "Lee", Email: "family@x.com"},
	}}
	h := newHarness(t, p)
	_, err := h.store.CreateProfile(ctx, "org-1", fieldmap.Profile{FirstName: "Ana", Email: "family@x.com"})
	require.NoError(t, err)

	log, err := h.run(t, false)
	require.NoError(t, err)
	assert.Equal(t, 1, log.ProfilesLinked)
	assert.Equal(t, 1, log.ProfilesCreated)

	a, _, _ := h.store.FindLink(ctx, identity.LinkKey{OrganizationID: "org-1", Provider: chms.ProviderRock, ExternalID: "1"})
	b, _, _ := h.store.FindLink(ctx, identity.LinkKey{OrganizationID: "org-1", Provider: chms.ProviderRock, ExternalID: "2"})
	assert.NotEqual(t, a, b)
}

func TestRunUpdatesMirroredFields(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{caps: rockCaps, people: []chms.Person{
		{ExternalID: "1", FirstName: "Ana", LastName: "Lee", Email: "ana@x.com"},
	}}
	h := newHarness(t, p)
	_, err := h.run(t, false)
	require.NoError(t, err)

	p.people[0].LastName = "Lee-Park"
	p.people[0].Email = ""
	log, err := h.run(t, false)
	require.NoError(t, err)
	assert.Equal(t, 1, log.ProfilesUpdated)

	id, _, _ := h.store.FindLink(ctx, identity.LinkKey{OrganizationID: "org-1", Provider: chms.ProviderRock, ExternalID: "1"})
	prof, err := h.store.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Lee-Park", prof.LastName)
	assert.Equal(t, "ana@x.com", prof.Email, "empty incoming values keep the local value")
}

func TestRunSyncsFamiliesOnceForNewLinks(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{
		caps: rockCaps,
		people: []chms.Person{
			{ExternalID: "1", FirstName: "Maria", LastName: "Diaz"},
			{ExternalID: "2", FirstName: "Jose", LastName: "Diaz"},
			{ExternalID: "3", FirstName: "Ana", LastName: "Diaz"},
		},
		families: []chms.Family{{
			ExternalID: "7",
			Name:       "Diaz Family",
			Members: []chms.FamilyMember{
				{ExternalPersonID: "1", Role: chms.FamilyRoleHead},
				{ExternalPersonID: "2", Role: chms.FamilyRoleSpouse},
				{ExternalPersonID: "3", Role: chms.FamilyRoleChild},
				{ExternalPersonID: "99", Role: chms.FamilyRoleChild},
			},
		}},
	}
	h := newHarness(t, p)

	log, err := h.run(t, false)
	require.NoError(t, err)
	require.Len(t, p.familyCalls, 1)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, p.familyCalls[0])
	assert.Equal(t, 1, log.FamiliesSynced)
	assert.Equal(t, 2, log.RelationshipsCreated)

	var n int
	require.NoError(t, h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM guardian_relationships`).Scan(&n))
	assert.Equal(t, 2, n)

	roles := map[string]string{}
	rows, err := h.db.QueryContext(ctx, `
		SELECT l.external_id, m.role FROM chms_links l
		JOIN organization_memberships m ON m.profile_id = l.profile_id AND m.organization_id = l.organization_id`)
	require.NoError(t, err)
	for rows.Next() {
		var ext, role string
		require.NoError(t, rows.Scan(&ext, &role))
		roles[ext] = role
	}
	require.NoError(t, rows.Err())
	rows.Close()
	assert.Equal(t, map[string]string{
		"1": fieldmap.RoleGuardian,
		"2": fieldmap.RoleGuardian,
		"3": fieldmap.RoleStudent,
	}, roles)

	_, err = h.run(t, false)
	require.NoError(t, err)
	assert.Len(t, p.familyCalls, 1, "no new links means no family call")
}

func seedEngagement(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	id, _, err := h.store.FindLink(ctx, identity.LinkKey{OrganizationID: "org-1", Provider: chms.ProviderRock, ExternalID: "1"})
	require.NoError(t, err)
	at := time.Date(2026, time.October, 11, 18, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.RecordCheckIn(ctx, identity.CheckIn{OrganizationID: "org-1", ProfileID: id, At: at, Points: 10}))
	require.NoError(t, h.store.SetEngagement(ctx, identity.Engagement{
		OrganizationID: "org-1", ProfileID: id, BelongingStatus: "connected",
		Interaction: &chms.Interaction{Date: at, ComponentName: "Texting", Summary: "Welcome"},
	}))
}

func TestRunWritesActivity(t *testing.T) {
	p := &fakeProvider{caps: rockCaps, people: []chms.Person{
		{ExternalID: "1", FirstName: "Ana", LastName: "Lee"},
		{ExternalID: "2", FirstName: "Ben", LastName: "Lee"},
	}}
	h := newHarness(t, p)
	_, err := h.run(t, false)
	require.NoError(t, err)
	require.Empty(t, p.writes, "nobody has engagement yet")

	seedEngagement(t, h)
	log, err := h.run(t, false)
	require.NoError(t, err)
	require.Len(t, p.writes, 1)
	require.Len(t, p.writes[0], 1)

	a := p.writes[0][0]
	assert.Equal(t, "1", a.ExternalPersonID)
	require.NotNil(t, a.LastCheckIn)
	require.NotNil(t, a.TotalCheckIns)
	assert.Equal(t, 1, *a.TotalCheckIns)
	require.NotNil(t, a.TotalPoints)
	assert.Equal(t, 10, *a.TotalPoints)
	assert.Equal(t, "connected", a.BelongingStatus)
	assert.NotNil(t, a.Interaction)
	assert.Equal(t, 1, log.ActivityWritten)
}

func TestRunGatesAttendanceWriteBack(t *testing.T) {
	caps := rockCaps
	caps.CanWriteAttendance = false
	caps.CanWriteInteractions = false
	p := &fakeProvider{caps: caps, people: []chms.Person{{ExternalID: "1", FirstName: "Ana", LastName: "Lee"}}}
	h := newHarness(t, p)
	_, err := h.run(t, false)
	require.NoError(t, err)
	seedEngagement(t, h)

	_, err = h.run(t, false)
	require.NoError(t, err)
	require.Len(t, p.writes, 1)
	for _, a := range p.writes[0] {
		assert.False(t, a.HasAttendance(), "attendance must not reach %s", a.ExternalPersonID)
		assert.Nil(t, a.Interaction)
	}
	assert.Equal(t, "connected", p.writes[0][0].BelongingStatus)
}

func TestRunSkipsWriteBackWithoutWritableFields(t *testing.T) {
	p := &fakeProvider{caps: chms.Capabilities{HasIncrementalSync: true}, people: []chms.Person{{ExternalID: "1", FirstName: "Ana"}}}
	h := newHarness(t, p)
	_, err := h.run(t, false)
	require.NoError(t, err)
	seedEngagement(t, h)

	_, err = h.run(t, false)
	require.NoError(t, err)
	assert.Empty(t, p.writes)
}

func TestRunRecordsWriteFailures(t *testing.T) {
	p := &fakeProvider{caps: rockCaps, people: []chms.Person{{ExternalID: "1", FirstName: "Ana"}}}
	h := newHarness(t, p)
	_, err := h.run(t, false)
	require.NoError(t, err)
	seedEngagement(t, h)

	p.result = &chms.WriteResult{Failed: []chms.WriteFailure{
		{ExternalPersonID: "1", Field: "last_check_in", Error: "status 500"},
		{ExternalPersonID: "1", Field: "total_points", Error: "status 500"},
	}}
	log, err := h.run(t, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithErrors, log.Status)
	assert.Equal(t, 1, log.ActivityFailed)
	assert.Zero(t, log.ActivityWritten)
	require.Len(t, log.Errors, 2)
	assert.Equal(t, string(PhaseWritingBack), log.Errors[0].Stage)
}

func TestRunAuthenticationFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{caps: rockCaps, authErr: &chms.AuthenticationError{Provider: chms.ProviderCCB, Reason: "unexpected response"}}
	h := newHarness(t, p)

	log, err := h.run(t, false)
	require.Error(t, err)
	assert.True(t, chms.IsAuthenticationError(err))
	assert.Equal(t, "CCB authentication failed: unexpected response", err.Error())
	assert.Zero(t, p.listCalls)
	require.NotNil(t, log)
	assert.Equal(t, StatusFailed, log.Status)
	assert.Equal(t, err.Error(), log.Message)

	logs, err := h.store.ListSyncLogs(ctx, "grace-rock", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, StatusFailed, logs[0].Status)

	events, err := bus.List(h.db, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, bus.TypeSyncFailed, events[0].Type)
	payload, err := events[0].Sync()
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, payload.Status)
	assert.Equal(t, string(PhaseFailed), payload.Phase)
	assert.Equal(t, "rock", payload.Provider)
	assert.Equal(t, log.Message, payload.Message)

	jobs, err := ListJobs(h.db)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusFailed, jobs[0].Status)
	assert.Equal(t, string(PhaseFailed), jobs[0].Phase)
}

func TestRunRosterFailureIsFatal(t *testing.T) {
	p := &fakeProvider{caps: rockCaps, listErr: errors.New("connection reset")}
	h := newHarness(t, p)

	log, err := h.run(t, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list people")
	assert.Equal(t, StatusFailed, log.Status)

	c, err := state.Cursor(h.db, "grace-rock")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestRunIsolatesPerRecordErrors(t *testing.T) {
	p := &fakeProvider{caps: rockCaps, people: []chms.Person{
		{ExternalID: "", FirstName: "Ghost"},
		{ExternalID: "2", FirstName: "Ben", LastName: "Lee"},
		{ExternalID: "3"},
	}}
	h := newHarness(t, p)

	log, err := h.run(t, false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithErrors, log.Status)
	assert.Equal(t, 1, log.ProfilesCreated)
	require.Len(t, log.Errors, 2)
	assert.Equal(t, string(PhaseMatching), log.Errors[0].Stage)
	assert.Equal(t, "3", log.Errors[1].ExternalID)
	assert.Equal(t, string(PhaseLinking), log.Errors[1].Stage)

	c, err := state.Cursor(h.db, "grace-rock")
	require.NoError(t, err)
	assert.Nil(t, c, "roster errors hold the cursor back")
}

func TestRunUsesCursorForIncrementalPulls(t *testing.T) {
	p := &fakeProvider{caps: rockCaps, people: []chms.Person{{ExternalID: "1", FirstName: "Ana"}}}
	h := newHarness(t, p)
	start := h.clock

	_, err := h.run(t, false)
	require.NoError(t, err)
	h.clock = h.clock.Add(6 * time.Hour)
	_, err = h.run(t, false)
	require.NoError(t, err)
	_, err = h.run(t, true)
	require.NoError(t, err)

	require.Len(t, p.sinceSeen, 3)
	assert.Nil(t, p.sinceSeen[0])
	require.NotNil(t, p.sinceSeen[1])
	assert.True(t, p.sinceSeen[1].Equal(start))
	assert.Nil(t, p.sinceSeen[2], "full runs ignore the cursor")
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakeProvider{caps: rockCaps, people: []chms.Person{{ExternalID: "1", FirstName: "Ana"}}}
	h := newHarness(t, p)

	log, err := h.engine.Run(ctx, RunRequest{Connection: h.conn, Trigger: TriggerWebhook})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, log.Status)
	assert.Zero(t, log.ProfilesCreated)

	logs, err := h.store.ListSyncLogs(context.Background(), "grace-rock", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, StatusCancelled, logs[0].Status)
	assert.Equal(t, "webhook", logs[0].Trigger)
}

// cancelAfterCreate cancels the run as soon as the first profile exists.
type cancelAfterCreate struct {
	*identity.SQLStore
	cancel func()
}

func (s cancelAfterCreate) CreateLinkedProfile(ctx context.Context, key identity.LinkKey, p fieldmap.Profile, connection string) (string, error) {
	id, err := s.SQLStore.CreateLinkedProfile(ctx, key, p, connection)
	s.cancel()
	return id, err
}

func TestRunCancelledAfterCreateLeavesNoUnlinkedProfile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &fakeProvider{caps: rockCaps, people: []chms.Person{
		{ExternalID: "1", FirstName: "Ana"},
		{ExternalID: "2", FirstName: "Ben"},
	}}
	h := newHarness(t, p)
	engine := NewEngine(h.db, cancelAfterCreate{SQLStore: h.store, cancel: cancel},
		WithProviderFactory(func(chms.Connection) (chms.Provider, error) { return p, nil }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return h.clock }),
	)

	log, err := engine.Run(ctx, RunRequest{Connection: h.conn, Trigger: TriggerManual})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, log.Status)
	assert.Equal(t, 1, log.ProfilesCreated)

	var profiles int
	require.NoError(t, h.db.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&profiles))
	links, err := h.store.CountLinks(context.Background(), "org-1", chms.ProviderRock)
	require.NoError(t, err)
	assert.Equal(t, profiles, links)
	assert.Equal(t, 1, links)
}

func TestBuildActivitiesDropsEmpty(t *testing.T) {
	got := buildActivities([]identity.EngagementSummary{
		{ExternalID: "1"},
		{ExternalID: "2", TotalCheckIns: 3},
	}, chms.Capabilities{CanWriteCustomFields: true})
	assert.Empty(t, got)
}
