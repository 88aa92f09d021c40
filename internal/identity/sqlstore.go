package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/fieldmap"
)

// SQLStore implements Store on the SQLite schema in internal/db.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore wraps an open database whose schema has been applied.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

var _ Store = (*SQLStore)(nil)

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func gradeArg(g *int) any {
	if g == nil {
		return nil
	}
	return *g
}

func (s *SQLStore) FindLink(ctx context.Context, key LinkKey) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT profile_id FROM chms_links
		WHERE organization_id = ? AND provider = ? AND external_id = ?
	`, key.OrganizationID, string(key.Provider), key.ExternalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find link: %w", err)
	}
	return id, true, nil
}

func (s *SQLStore) LinkedExternalID(ctx context.Context, organizationID string, provider chms.ProviderName, profileID string) (string, bool, error) {
	var ext string
	err := s.db.QueryRowContext(ctx, `
		SELECT external_id FROM chms_links
		WHERE organization_id = ? AND provider = ? AND profile_id = ?
		LIMIT 1
	`, organizationID, string(provider), profileID).Scan(&ext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find linked external id: %w", err)
	}
	return ext, true, nil
}

const profileColumns = `id, first_name, last_name, nickname, email, phone, gender, birth_date, grade, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(r rowScanner) (ProfileRecord, error) {
	var p ProfileRecord
	var grade sql.NullInt64
	var created, updated int64
	err := r.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Nickname, &p.Email, &p.Phone,
		&p.Gender, &p.BirthDate, &grade, &created, &updated)
	if err != nil {
		return p, err
	}
	if grade.Valid {
		g := int(grade.Int64)
		p.Grade = &g
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.UpdatedAt = time.Unix(updated, 0).UTC()
	return p, nil
}

func (s *SQLStore) GetProfile(ctx context.Context, id string) (*ProfileRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) findProfiles(ctx context.Context, column, value string) ([]ProfileRecord, error) {
	if value == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+` FROM profiles
		WHERE `+column+` = ?
		ORDER BY created_at ASC, id ASC
	`, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles by %s: %w", column, err)
	}
	defer rows.Close()

	var out []ProfileRecord
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating profiles: %w", err)
	}
	return out, nil
}

func (s *SQLStore) FindProfilesByEmail(ctx context.Context, email string) ([]ProfileRecord, error) {
	return s.findProfiles(ctx, "email", email)
}

func (s *SQLStore) FindProfilesByPhone(ctx context.Context, phone string) ([]ProfileRecord, error) {
	return s.findProfiles(ctx, "phone", phone)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) ensureMembership(ctx context.Context, ex execer, organizationID, profileID, role string) error {
	if role == "" {
		role = fieldmap.RoleMember
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO organization_memberships (organization_id, profile_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(organization_id, profile_id) DO UPDATE SET role = excluded.role
		WHERE organization_memberships.role = ? AND excluded.role <> ?
	`, organizationID, profileID, role, s.now().Unix(), fieldmap.RoleMember, fieldmap.RoleMember)
	if err != nil {
		return fmt.Errorf("failed to ensure membership: %w", err)
	}
	return nil
}

// CreateProfile creates a local profile and its organization membership
// without a provider link.
func (s *SQLStore) CreateProfile(ctx context.Context, organizationID string, p fieldmap.Profile) (string, error) {
	return s.createProfile(ctx, organizationID, p, nil)
}

// CreateLinkedProfile creates a profile, its membership and its provider link
// in one transaction, so a profile never exists without its link.
func (s *SQLStore) CreateLinkedProfile(ctx context.Context, key LinkKey, p fieldmap.Profile, connection string) (string, error) {
	return s.createProfile(ctx, key.OrganizationID, p, func(tx *sql.Tx, id string) error {
		return s.createLink(ctx, tx, key, id, connection)
	})
}

func (s *SQLStore) createProfile(ctx context.Context, organizationID string, p fieldmap.Profile, link func(*sql.Tx, string) error) (string, error) {
	id := uuid.New().String()
	now := s.now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (id, first_name, last_name, nickname, email, phone, gender, birth_date, grade, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, p.FirstName, p.LastName, p.Nickname, p.Email, p.Phone, p.Gender, p.BirthDate, gradeArg(p.Grade), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to insert profile: %w", err)
	}
	if err := s.ensureMembership(ctx, tx, organizationID, id, p.Role); err != nil {
		return "", err
	}
	if link != nil {
		if err := link(tx, id); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit profile: %w", err)
	}
	return id, nil
}

func (s *SQLStore) EnsureMembership(ctx context.Context, organizationID, profileID, role string) error {
	return s.ensureMembership(ctx, s.db, organizationID, profileID, role)
}

func (s *SQLStore) UpdateProfile(ctx context.Context, id string, p fieldmap.Profile) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET
			first_name = ?, last_name = ?, nickname = ?, email = ?, phone = ?,
			gender = ?, birth_date = ?, grade = ?, updated_at = ?
		WHERE id = ?
	`, p.FirstName, p.LastName, p.Nickname, p.Email, p.Phone, p.Gender, p.BirthDate, gradeArg(p.Grade), s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s not found", id)
	}
	return nil
}

func (s *SQLStore) CreateLink(ctx context.Context, key LinkKey, profileID, connection string) error {
	return s.createLink(ctx, s.db, key, profileID, connection)
}

func (s *SQLStore) createLink(ctx context.Context, ex execer, key LinkKey, profileID, connection string) error {
	now := s.now().Unix()
	res, err := ex.ExecContext(ctx, `
		INSERT INTO chms_links (id, organization_id, provider, external_id, profile_id, connection, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, provider, external_id) DO NOTHING
	`, uuid.New().String(), key.OrganizationID, string(key.Provider), key.ExternalID, profileID, connection, now, now)
	if err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrLinkExists, key.Provider, key.ExternalID)
	}
	return nil
}

func (s *SQLStore) CountLinks(ctx context.Context, organizationID string, provider chms.ProviderName) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chms_links WHERE organization_id = ? AND provider = ?
	`, organizationID, string(provider)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count links: %w", err)
	}
	return n, nil
}

func (s *SQLStore) UpsertRelationship(ctx context.Context, r Relationship) (bool, error) {
	kind := r.Relationship
	if kind == "" {
		kind = "guardian"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO guardian_relationships (organization_id, guardian_profile_id, student_profile_id, relationship, external_family_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, guardian_profile_id, student_profile_id) DO NOTHING
	`, r.OrganizationID, r.GuardianProfileID, r.StudentProfileID, kind, r.ExternalFamilyID, s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert relationship: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// Existing edge: keep the family reference current.
	_, err = s.db.ExecContext(ctx, `
		UPDATE guardian_relationships SET external_family_id = ?
		WHERE organization_id = ? AND guardian_profile_id = ? AND student_profile_id = ?
	`, r.ExternalFamilyID, r.OrganizationID, r.GuardianProfileID, r.StudentProfileID)
	if err != nil {
		return false, fmt.Errorf("failed to update relationship: %w", err)
	}
	return false, nil
}

func (s *SQLStore) RecordCheckIn(ctx context.Context, c CheckIn) error {
	at := c.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO check_ins (id, organization_id, profile_id, checked_in_at, event_name, points)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), c.OrganizationID, c.ProfileID, at.Unix(), c.EventName, c.Points)
	if err != nil {
		return fmt.Errorf("failed to record check-in: %w", err)
	}
	return nil
}

func (s *SQLStore) SetEngagement(ctx context.Context, e Engagement) error {
	var interactionAt any
	var component, summary string
	if e.Interaction != nil {
		interactionAt = e.Interaction.Date.Unix()
		component = e.Interaction.ComponentName
		summary = e.Interaction.Summary
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_engagement (organization_id, profile_id, belonging_status, last_text_at, interaction_at, interaction_component, interaction_summary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, profile_id) DO UPDATE SET
			belonging_status = CASE WHEN excluded.belonging_status != '' THEN excluded.belonging_status ELSE profile_engagement.belonging_status END,
			last_text_at = COALESCE(excluded.last_text_at, profile_engagement.last_text_at),
			interaction_at = COALESCE(excluded.interaction_at, profile_engagement.interaction_at),
			interaction_component = CASE WHEN excluded.interaction_at IS NOT NULL THEN excluded.interaction_component ELSE profile_engagement.interaction_component END,
			interaction_summary = CASE WHEN excluded.interaction_at IS NOT NULL THEN excluded.interaction_summary ELSE profile_engagement.interaction_summary END,
			updated_at = excluded.updated_at
	`, e.OrganizationID, e.ProfileID, e.BelongingStatus, unixPtr(e.LastTextAt), interactionAt, component, summary, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set engagement: %w", err)
	}
	return nil
}

// EngagementSummaries returns one row per linked person of the provider,
// combining check-in aggregates with the stored engagement signals.
func (s *SQLStore) EngagementSummaries(ctx context.Context, organizationID string, provider chms.ProviderName) ([]EngagementSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			l.external_id,
			l.profile_id,
			(SELECT MAX(c.checked_in_at) FROM check_ins c WHERE c.organization_id = l.organization_id AND c.profile_id = l.profile_id),
			(SELECT COUNT(*) FROM check_ins c WHERE c.organization_id = l.organization_id AND c.profile_id = l.profile_id),
			(SELECT COALESCE(SUM(c.points), 0) FROM check_ins c WHERE c.organization_id = l.organization_id AND c.profile_id = l.profile_id),
			COALESCE(e.belonging_status, ''),
			e.last_text_at,
			e.interaction_at,
			COALESCE(e.interaction_component, ''),
			COALESCE(e.interaction_summary, '')
		FROM chms_links l
		LEFT JOIN profile_engagement e
			ON e.organization_id = l.organization_id AND e.profile_id = l.profile_id
		WHERE l.organization_id = ? AND l.provider = ?
		ORDER BY l.external_id ASC
	`, organizationID, string(provider))
	if err != nil {
		return nil, fmt.Errorf("failed to query engagement: %w", err)
	}
	defer rows.Close()

	var out []EngagementSummary
	for rows.Next() {
		var es EngagementSummary
		var lastCheckIn, lastText, interactionAt sql.NullInt64
		var component, summary string
		if err := rows.Scan(&es.ExternalID, &es.ProfileID, &lastCheckIn, &es.TotalCheckIns, &es.TotalPoints,
			&es.BelongingStatus, &lastText, &interactionAt, &component, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan engagement: %w", err)
		}
		es.LastCheckIn = timePtr(lastCheckIn)
		es.LastText = timePtr(lastText)
		if at := timePtr(interactionAt); at != nil {
			es.Interaction = &chms.Interaction{Date: *at, ComponentName: component, Summary: summary}
		}
		out = append(out, es)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating engagement: %w", err)
	}
	return out, nil
}

func (s *SQLStore) RecordSyncLog(ctx context.Context, l SyncLog) error {
	if l.ID == "" {
		return fmt.Errorf("sync log id is required")
	}
	var errorsJSON any
	if len(l.Errors) > 0 {
		b, err := json.Marshal(l.Errors)
		if err != nil {
			return fmt.Errorf("failed to marshal sync errors: %w", err)
		}
		errorsJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chms_sync_logs (
			id, connection, organization_id, provider, trigger_source, status, started_at, finished_at,
			people_imported, profiles_created, profiles_linked, profiles_updated, families_synced,
			relationships_created, activity_written, activity_failed, api_calls, message, errors_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.Connection, l.OrganizationID, l.Provider, l.Trigger, l.Status, l.StartedAt.Unix(), l.FinishedAt.Unix(),
		l.PeopleImported, l.ProfilesCreated, l.ProfilesLinked, l.ProfilesUpdated, l.FamiliesSynced,
		l.RelationshipsCreated, l.ActivityWritten, l.ActivityFailed, l.APICalls, l.Message, errorsJSON)
	if err != nil {
		return fmt.Errorf("failed to record sync log: %w", err)
	}
	return nil
}

// ListSyncLogs returns the most recent runs first. An empty connection lists
// every connection.
func (s *SQLStore) ListSyncLogs(ctx context.Context, connection string, limit int) ([]SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection, organization_id, provider, trigger_source, status, started_at, finished_at,
			people_imported, profiles_created, profiles_linked, profiles_updated, families_synced,
			relationships_created, activity_written, activity_failed, api_calls, message, errors_json
		FROM chms_sync_logs
		WHERE ? = '' OR connection = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, connection, connection, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var out []SyncLog
	for rows.Next() {
		var l SyncLog
		var started, finished int64
		var errorsJSON sql.NullString
		if err := rows.Scan(&l.ID, &l.Connection, &l.OrganizationID, &l.Provider, &l.Trigger, &l.Status, &started, &finished,
			&l.PeopleImported, &l.ProfilesCreated, &l.ProfilesLinked, &l.ProfilesUpdated, &l.FamiliesSynced,
			&l.RelationshipsCreated, &l.ActivityWritten, &l.ActivityFailed, &l.APICalls, &l.Message, &errorsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		l.StartedAt = time.Unix(started, 0).UTC()
		l.FinishedAt = time.Unix(finished, 0).UTC()
		if errorsJSON.Valid && errorsJSON.String != "" {
			if err := json.Unmarshal([]byte(errorsJSON.String), &l.Errors); err != nil {
				return nil, fmt.Errorf("failed to decode sync errors: %w", err)
			}
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating sync logs: %w", err)
	}
	return out, nil
}
