package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Napageneral/chms/internal/adapters"
	"github.com/Napageneral/chms/internal/bus"
	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/fieldmap"
	"github.com/Napageneral/chms/internal/identity"
	"github.com/Napageneral/chms/internal/state"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerWebhook   Trigger = "webhook"
)

// Phase is one state of a run.
type Phase string

const (
	PhaseAuthenticating Phase = "authenticating"
	PhaseImporting      Phase = "importing"
	PhaseMatching       Phase = "matching"
	PhaseLinking        Phase = "linking"
	PhaseFamilySync     Phase = "family_sync"
	PhaseWritingBack    Phase = "writing_back"
	PhaseLogging        Phase = "logging"
	PhaseDone           Phase = "done"
	PhaseFailed         Phase = "failed"
)

// Terminal run statuses stored in the sync log.
const (
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusFailed              = "failed"
	StatusCancelled           = "cancelled"
)

// ProviderFactory builds the adapter for a connection.
type ProviderFactory func(conn chms.Connection) (chms.Provider, error)

// Engine runs one reconciliation pass for a connection at a time. It is safe
// to use from several goroutines as long as each connection has at most one
// run in flight; Runner enforces that.
type Engine struct {
	db          *sql.DB
	store       identity.Store
	newProvider ProviderFactory
	logger      *slog.Logger
	now         func() time.Time
}

type EngineOption func(*Engine)

func WithProviderFactory(f ProviderFactory) EngineOption {
	return func(e *Engine) { e.newProvider = f }
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the engine to the bookkeeping database (cursor, jobs, bus)
// and the identity store.
func NewEngine(db *sql.DB, store identity.Store, opts ...EngineOption) *Engine {
	e := &Engine{db: db, store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.newProvider == nil {
		logger := e.logger
		e.newProvider = func(conn chms.Connection) (chms.Provider, error) {
			return adapters.New(conn, adapters.WithLogger(logger))
		}
	}
	return e
}

// RunRequest selects the connection and mode of a run.
type RunRequest struct {
	Connection chms.Connection
	Trigger    Trigger
	// Full ignores the stored cursor and pulls the whole roster.
	Full bool
}

// Run executes the pipeline. The returned log is non-nil whenever a run was
// started, including failed and cancelled runs. The error is non-nil only for
// connection-level failures, roster failures and cancellation.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*identity.SyncLog, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	conn := req.Connection
	r := &run{
		e:      e,
		conn:   conn,
		phase:  PhaseAuthenticating,
		linked: map[string]string{},
		log: identity.SyncLog{
			ID:             uuid.New().String(),
			Connection:     conn.Name,
			OrganizationID: conn.OrganizationID,
			Provider:       string(conn.Provider),
			Trigger:        string(req.Trigger),
			StartedAt:      e.now(),
		},
	}
	if err := StartJob(e.db, conn.Name, req.Trigger); err != nil {
		e.logger.Warn("failed to record job start", "connection", conn.Name, "error", err)
	}
	e.logger.Info("sync started", "connection", conn.Name, "provider", conn.Provider, "trigger", req.Trigger, "full", req.Full)

	provider, err := e.newProvider(conn)
	if err != nil {
		return r.fail(ctx, err)
	}
	if counter, ok := provider.(adapters.CallCounter); ok {
		r.calls = counter
	}
	if err := provider.Authenticate(ctx); err != nil {
		return r.fail(ctx, err)
	}
	caps := provider.Capabilities()

	var since *time.Time
	if !req.Full && caps.HasIncrementalSync {
		since, err = state.Cursor(e.db, conn.Name)
		if err != nil {
			return r.fail(ctx, err)
		}
	}

	r.enter(PhaseImporting)
	people, err := provider.ListPeople(ctx, since)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("list people: %w", err))
	}
	r.log.PeopleImported = len(people)

	r.enter(PhaseMatching)
	plans := make([]plan, 0, len(people))
	seen := make(map[string]struct{}, len(people))
	for _, p := range people {
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}
		if _, dup := seen[p.ExternalID]; dup && p.ExternalID != "" {
			continue
		}
		seen[p.ExternalID] = struct{}{}
		pl, err := r.match(ctx, p)
		if err != nil {
			r.recordError(p.ExternalID, err)
			r.rosterErrors = true
			continue
		}
		plans = append(plans, pl)
	}

	r.enter(PhaseLinking)
	var newlyLinked []string
	for _, pl := range plans {
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}
		isNew, err := r.link(ctx, pl)
		if isNew {
			newlyLinked = append(newlyLinked, pl.person.ExternalID)
		}
		if err != nil {
			r.recordError(pl.person.ExternalID, err)
			r.rosterErrors = true
		}
	}

	r.enter(PhaseFamilySync)
	if len(newlyLinked) > 0 {
		r.syncFamilies(ctx, provider, newlyLinked)
	}
	if ctx.Err() != nil {
		return r.cancel(ctx)
	}

	r.enter(PhaseWritingBack)
	r.writeBack(ctx, provider, caps)
	if ctx.Err() != nil {
		return r.cancel(ctx)
	}

	r.enter(PhaseLogging)
	return r.finish(ctx)
}

type run struct {
	e     *Engine
	conn  chms.Connection
	phase Phase
	log   identity.SyncLog
	calls adapters.CallCounter
	// linked maps external person id to profile id for people seen this run.
	linked map[string]string
	// rosterErrors holds the cursor back so failed people are pulled again.
	rosterErrors bool
}

type matchKind int

const (
	matchLinked matchKind = iota
	matchExisting
	matchNone
)

type plan struct {
	person    chms.Person
	profile   fieldmap.Profile
	kind      matchKind
	profileID string
}

func (r *run) enter(p Phase) {
	r.phase = p
	if err := UpdateJob(r.e.db, r.conn.Name, p, r.progress()); err != nil {
		r.e.logger.Warn("failed to record job phase", "connection", r.conn.Name, "phase", p, "error", err)
	}
	r.e.logger.Debug("sync phase", "connection", r.conn.Name, "phase", p)
}

func (r *run) progress() map[string]any {
	return map[string]any{
		"status":                r.log.Status,
		"people_imported":       r.log.PeopleImported,
		"profiles_created":      r.log.ProfilesCreated,
		"profiles_linked":       r.log.ProfilesLinked,
		"profiles_updated":      r.log.ProfilesUpdated,
		"families_synced":       r.log.FamiliesSynced,
		"relationships_created": r.log.RelationshipsCreated,
		"activity_written":      r.log.ActivityWritten,
		"activity_failed":       r.log.ActivityFailed,
		"errors":                len(r.log.Errors),
	}
}

func (r *run) recordError(externalID string, err error) {
	r.log.Errors = append(r.log.Errors, identity.RecordError{
		ExternalID: externalID,
		Stage:      string(r.phase),
		Error:      err.Error(),
	})
	r.e.logger.Warn("sync record failed", "connection", r.conn.Name, "phase", r.phase, "external_id", externalID, "error", err)
}

func (r *run) key(externalID string) identity.LinkKey {
	return identity.LinkKey{OrganizationID: r.conn.OrganizationID, Provider: r.conn.Provider, ExternalID: externalID}
}

func (r *run) match(ctx context.Context, p chms.Person) (plan, error) {
	if strings.TrimSpace(p.ExternalID) == "" {
		return plan{}, errors.New("person has no external id")
	}
	pl := plan{person: p, profile: fieldmap.ProfileFromPerson(p, r.e.now())}

	id, found, err := r.e.store.FindLink(ctx, r.key(p.ExternalID))
	if err != nil {
		return pl, err
	}
	if found {
		pl.kind, pl.profileID = matchLinked, id
		return pl, nil
	}

	id, err = r.findCandidate(ctx, pl.profile)
	if err != nil {
		return pl, err
	}
	if id != "" {
		pl.kind, pl.profileID = matchExisting, id
	} else {
		pl.kind = matchNone
	}
	return pl, nil
}

// findCandidate matches by email, then phone. A profile already linked to
// another person of this provider is never reused.
func (r *run) findCandidate(ctx context.Context, p fieldmap.Profile) (string, error) {
	lookups := []struct {
		value string
		find  func(context.Context, string) ([]identity.ProfileRecord, error)
	}{
		{p.Email, r.e.store.FindProfilesByEmail},
		{p.Phone, r.e.store.FindProfilesByPhone},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		candidates, err := l.find(ctx, l.value)
		if err != nil {
			return "", err
		}
		for _, c := range candidates {
			taken, err := r.profileTaken(ctx, c.ID)
			if err != nil {
				return "", err
			}
			if !taken {
				return c.ID, nil
			}
		}
	}
	return "", nil
}

func (r *run) profileTaken(ctx context.Context, profileID string) (bool, error) {
	_, taken, err := r.e.store.LinkedExternalID(ctx, r.conn.OrganizationID, r.conn.Provider, profileID)
	return taken, err
}

// link applies a match decision. newlyLinked is true once a link row exists
// for a person that had none before this run.
func (r *run) link(ctx context.Context, pl plan) (newlyLinked bool, err error) {
	ext := pl.person.ExternalID
	switch pl.kind {
	case matchLinked:
		r.linked[ext] = pl.profileID
		return false, r.refresh(ctx, pl.profileID, pl.profile)

	case matchExisting:
		// An earlier person in this roster may have claimed the profile.
		taken, err := r.profileTaken(ctx, pl.profileID)
		if err != nil {
			return false, err
		}
		if taken {
			return r.create(ctx, pl)
		}
		if err := r.e.store.EnsureMembership(ctx, r.conn.OrganizationID, pl.profileID, pl.profile.Role); err != nil {
			return false, err
		}
		if err := r.e.store.CreateLink(ctx, r.key(ext), pl.profileID, r.conn.Name); err != nil {
			return false, err
		}
		r.log.ProfilesLinked++
		r.linked[ext] = pl.profileID
		return true, r.refresh(ctx, pl.profileID, pl.profile)

	default:
		return r.create(ctx, pl)
	}
}

func (r *run) create(ctx context.Context, pl plan) (bool, error) {
	if !pl.person.HasName() && pl.profile.Email == "" {
		return false, errors.New("person has neither name nor email")
	}
	id, err := r.e.store.CreateLinkedProfile(ctx, r.key(pl.person.ExternalID), pl.profile, r.conn.Name)
	if err != nil {
		return false, fmt.Errorf("create linked profile: %w", err)
	}
	r.log.ProfilesCreated++
	r.linked[pl.person.ExternalID] = id
	return true, nil
}

// refresh mirrors non-empty provider values onto the local profile.
func (r *run) refresh(ctx context.Context, profileID string, incoming fieldmap.Profile) error {
	current, err := r.e.store.GetProfile(ctx, profileID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("linked profile %s not found", profileID)
	}
	merged, changed := fieldmap.MergeProfile(current.Profile, incoming)
	if !changed {
		return nil
	}
	if err := r.e.store.UpdateProfile(ctx, profileID, merged); err != nil {
		return err
	}
	r.log.ProfilesUpdated++
	return nil
}

func (r *run) profileFor(ctx context.Context, externalID string) (string, bool, error) {
	if id, ok := r.linked[externalID]; ok {
		return id, true, nil
	}
	id, found, err := r.e.store.FindLink(ctx, r.key(externalID))
	if err != nil || !found {
		return "", false, err
	}
	r.linked[externalID] = id
	return id, true, nil
}

func (r *run) syncFamilies(ctx context.Context, provider chms.Provider, ids []string) {
	families, err := provider.ListFamilies(ctx, ids)
	if err != nil {
		r.recordError("", fmt.Errorf("list families: %w", err))
		return
	}
	for _, fam := range families {
		if ctx.Err() != nil {
			return
		}
		if err := r.syncFamily(ctx, fam); err != nil {
			r.recordError(fam.ExternalID, fmt.Errorf("family %s: %w", fam.ExternalID, err))
			continue
		}
		r.log.FamiliesSynced++
	}
}

// syncFamily records every guardian to child pair whose people are both
// linked locally, and gives those members their household membership role.
func (r *run) syncFamily(ctx context.Context, fam chms.Family) error {
	var guardians, children []string
	roles := map[string]chms.FamilyRole{}
	for _, m := range fam.Members {
		id, ok, err := r.profileFor(ctx, m.ExternalPersonID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch {
		case m.Role.IsGuardian():
			guardians = append(guardians, id)
		case m.Role == chms.FamilyRoleChild:
			children = append(children, id)
		default:
			continue
		}
		roles[id] = m.Role
	}
	if len(children) == 0 {
		return nil
	}
	for id, role := range roles {
		if err := r.e.store.EnsureMembership(ctx, r.conn.OrganizationID, id, fieldmap.MemberRoleForFamily(role)); err != nil {
			return err
		}
	}
	for _, g := range guardians {
		for _, c := range children {
			if g == c {
				continue
			}
			created, err := r.e.store.UpsertRelationship(ctx, identity.Relationship{
				OrganizationID:    r.conn.OrganizationID,
				GuardianProfileID: g,
				StudentProfileID:  c,
				Relationship:      "guardian",
				ExternalFamilyID:  fam.ExternalID,
			})
			if err != nil {
				return err
			}
			if created {
				r.log.RelationshipsCreated++
			}
		}
	}
	return nil
}

func (r *run) writeBack(ctx context.Context, provider chms.Provider, caps chms.Capabilities) {
	if !caps.CanWriteCustomFields && !caps.CanWriteInteractions {
		r.e.logger.Debug("provider accepts no activity", "connection", r.conn.Name)
		return
	}
	summaries, err := r.e.store.EngagementSummaries(ctx, r.conn.OrganizationID, r.conn.Provider)
	if err != nil {
		r.recordError("", fmt.Errorf("read engagement: %w", err))
		return
	}
	activities := buildActivities(summaries, caps)
	if len(activities) == 0 {
		return
	}
	res := provider.WriteActivity(ctx, activities)
	r.log.ActivityWritten = res.Succeeded
	r.log.ActivityFailed = res.FailedCount()
	for _, f := range res.Failed {
		msg := f.Error
		if f.Field != "" {
			msg = f.Field + ": " + msg
		}
		r.log.Errors = append(r.log.Errors, identity.RecordError{
			ExternalID: f.ExternalPersonID,
			Stage:      string(PhaseWritingBack),
			Error:      msg,
		})
	}
}

// buildActivities turns engagement rows into write-backs the provider can
// accept. Attendance-shaped fields only reach providers that store them, and
// people with nothing to report are left out.
func buildActivities(summaries []identity.EngagementSummary, caps chms.Capabilities) []chms.ActivityWriteBack {
	var out []chms.ActivityWriteBack
	for _, s := range summaries {
		a := chms.ActivityWriteBack{ExternalPersonID: s.ExternalID}
		if caps.CanWriteCustomFields {
			if caps.CanWriteAttendance {
				a.LastCheckIn = s.LastCheckIn
				if s.TotalCheckIns > 0 {
					n := s.TotalCheckIns
					a.TotalCheckIns = &n
				}
			}
			a.BelongingStatus = s.BelongingStatus
			a.LastText = s.LastText
			if s.TotalPoints > 0 {
				n := s.TotalPoints
				a.TotalPoints = &n
			}
		}
		if caps.CanWriteInteractions {
			a.Interaction = s.Interaction
		}
		if a.Empty() {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (r *run) summary() bus.SyncPayload {
	return bus.SyncPayload{
		Status:               r.log.Status,
		Phase:                string(r.phase),
		Provider:             r.log.Provider,
		Trigger:              r.log.Trigger,
		PeopleImported:       r.log.PeopleImported,
		ProfilesCreated:      r.log.ProfilesCreated,
		ProfilesLinked:       r.log.ProfilesLinked,
		ProfilesUpdated:      r.log.ProfilesUpdated,
		FamiliesSynced:       r.log.FamiliesSynced,
		RelationshipsCreated: r.log.RelationshipsCreated,
		ActivityWritten:      r.log.ActivityWritten,
		ActivityFailed:       r.log.ActivityFailed,
		Errors:               len(r.log.Errors),
		APICalls:             r.log.APICalls,
		Message:              r.log.Message,
	}
}

// persist stamps the finish time, stores the sync log and emits the bus event.
func (r *run) persist(ctx context.Context, eventType string) error {
	r.log.FinishedAt = r.e.now()
	if r.calls != nil {
		r.log.APICalls = r.calls.CallCount()
		r.e.logger.Debug("provider calls", "connection", r.conn.Name, "api_calls", r.log.APICalls)
	}
	if err := r.e.store.RecordSyncLog(ctx, r.log); err != nil {
		return fmt.Errorf("record sync log: %w", err)
	}
	if err := bus.EmitSync(r.e.db, eventType, r.conn.Name, r.log.ID, r.summary()); err != nil {
		r.e.logger.Warn("failed to emit bus event", "connection", r.conn.Name, "type", eventType, "error", err)
	}
	return nil
}

func (r *run) fail(ctx context.Context, err error) (*identity.SyncLog, error) {
	if ctx.Err() != nil && !chms.IsAuthenticationError(err) {
		return r.cancel(ctx)
	}
	failedIn := r.phase
	r.phase = PhaseFailed
	r.log.Status = StatusFailed
	r.log.Message = err.Error()

	bg := context.WithoutCancel(ctx)
	if perr := r.persist(bg, bus.TypeSyncFailed); perr != nil {
		r.e.logger.Warn("failed to persist failed run", "connection", r.conn.Name, "error", perr)
	}
	if jerr := FinishJob(r.e.db, r.conn.Name, StatusFailed, PhaseFailed, err.Error(), r.progress()); jerr != nil {
		r.e.logger.Warn("failed to record job failure", "connection", r.conn.Name, "error", jerr)
	}
	_ = state.SetTime(r.e.db, r.conn.Name, state.KeyLastAttemptAt, r.log.StartedAt)
	r.e.logger.Error("sync failed", "connection", r.conn.Name, "phase", failedIn, "error", err)
	return &r.log, err
}

func (r *run) cancel(ctx context.Context) (*identity.SyncLog, error) {
	cause := ctx.Err()
	r.log.Status = StatusCancelled
	r.log.Message = fmt.Sprintf("cancelled during %s", r.phase)

	bg := context.WithoutCancel(ctx)
	if perr := r.persist(bg, bus.TypeSyncCancelled); perr != nil {
		r.e.logger.Warn("failed to persist cancelled run", "connection", r.conn.Name, "error", perr)
	}
	if jerr := FinishJob(r.e.db, r.conn.Name, StatusCancelled, r.phase, cause.Error(), r.progress()); jerr != nil {
		r.e.logger.Warn("failed to record job cancellation", "connection", r.conn.Name, "error", jerr)
	}
	_ = state.SetTime(r.e.db, r.conn.Name, state.KeyLastAttemptAt, r.log.StartedAt)
	r.e.logger.Info("sync cancelled", "connection", r.conn.Name, "phase", r.phase)
	return &r.log, cause
}

func (r *run) finish(ctx context.Context) (*identity.SyncLog, error) {
	r.log.Status = StatusCompleted
	if len(r.log.Errors) > 0 {
		r.log.Status = StatusCompletedWithErrors
		r.log.Message = fmt.Sprintf("%d record errors", len(r.log.Errors))
	}
	if err := r.persist(ctx, bus.TypeSyncCompleted); err != nil {
		return &r.log, err
	}

	if r.rosterErrors {
		r.e.logger.Warn("cursor not advanced after roster errors", "connection", r.conn.Name)
		_ = state.SetTime(r.e.db, r.conn.Name, state.KeyLastAttemptAt, r.log.StartedAt)
	} else if err := state.AdvanceCursor(r.e.db, r.conn.Name, r.log.StartedAt); err != nil {
		r.e.logger.Warn("failed to advance cursor", "connection", r.conn.Name, "error", err)
	}

	r.phase = PhaseDone
	if err := FinishJob(r.e.db, r.conn.Name, r.log.Status, PhaseDone, "", r.progress()); err != nil {
		r.e.logger.Warn("failed to record job completion", "connection", r.conn.Name, "error", err)
	}
	r.e.logger.Info("sync completed",
		"connection", r.conn.Name,
		"status", r.log.Status,
		"people", r.log.PeopleImported,
		"created", r.log.ProfilesCreated,
		"linked", r.log.ProfilesLinked,
		"updated", r.log.ProfilesUpdated,
		"families", r.log.FamiliesSynced,
		"activity_written", r.log.ActivityWritten,
		"errors", len(r.log.Errors),
	)
	return &r.log, nil
}
