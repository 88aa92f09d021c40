package chms

import "time"

// Gender is the canonical gender vocabulary. The zero value means unset.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// FamilyRole is the single household-position vocabulary exposed by every
// provider, regardless of how rich the provider's own vocabulary is.
type FamilyRole string

const (
	FamilyRoleHead   FamilyRole = "head"
	FamilyRoleSpouse FamilyRole = "spouse"
	FamilyRoleChild  FamilyRole = "child"
	FamilyRoleOther  FamilyRole = "other"
)

// IsGuardian reports whether the role is an adult household position.
func (r FamilyRole) IsGuardian() bool {
	return r == FamilyRoleHead || r == FamilyRoleSpouse
}

// GroupRole is the canonical group membership role.
type GroupRole string

const (
	GroupRoleLeader GroupRole = "leader"
	GroupRoleMember GroupRole = "member"
)

// Address is a postal address attached to a person.
type Address struct {
	Street1    string `json:"street1,omitempty"`
	Street2    string `json:"street2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Location   string `json:"location,omitempty"` // e.g. "Home"
}

// Person is one human record from any provider.
type Person struct {
	// ExternalID is always a string, even when the provider uses numeric IDs.
	ExternalID string `json:"external_id"`
	// ExternalAliasID and ExternalGUID are secondary identifiers that some
	// provider operations require (Rock's PrimaryAliasId, for instance).
	ExternalAliasID string `json:"external_alias_id,omitempty"`
	ExternalGUID    string `json:"external_guid,omitempty"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Nickname  string `json:"nickname,omitempty"`
	Email     string `json:"email,omitempty"`
	// Phone is E.164.
	Phone     string `json:"phone,omitempty"`
	Gender    Gender `json:"gender,omitempty"`
	BirthDate string `json:"birth_date,omitempty"` // YYYY-MM-DD

	Grade          *int `json:"grade,omitempty"`
	GraduationYear *int `json:"graduation_year,omitempty"`

	FamilyID   string     `json:"family_id,omitempty"`
	FamilyRole FamilyRole `json:"family_role,omitempty"`

	Addresses    []Address         `json:"addresses,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`

	ExternalCreatedAt *time.Time `json:"external_created_at,omitempty"`
	ExternalUpdatedAt *time.Time `json:"external_updated_at,omitempty"`
}

// HasName reports whether the person carries a usable name.
func (p Person) HasName() bool {
	return trimmed(p.FirstName) != "" || trimmed(p.LastName) != ""
}

// FamilyMember is one member of a household.
type FamilyMember struct {
	ExternalPersonID string     `json:"external_person_id"`
	Role             FamilyRole `json:"role"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
}

// Family is a household unit.
type Family struct {
	ExternalID string         `json:"external_id"`
	Name       string         `json:"name"`
	Members    []FamilyMember `json:"members"`
}

// GroupMember is one member of a group.
type GroupMember struct {
	ExternalPersonID string    `json:"external_person_id"`
	Role             GroupRole `json:"role"`
}

// Group is a named collection of people.
type Group struct {
	ExternalID  string        `json:"external_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	GroupType   string        `json:"group_type,omitempty"`
	Campus      string        `json:"campus,omitempty"`
	Members     []GroupMember `json:"members"`
}

// UnlimitedSlots marks a provider without a custom field cap.
const UnlimitedSlots = -1

// RateLimit describes a provider's published request budget. Both fields zero
// means the provider imposes none (self-hosted systems).
type RateLimit struct {
	PerMinute int `json:"per_minute,omitempty"`
	PerDay    int `json:"per_day,omitempty"`
}

// None reports whether the provider has no published budget.
func (r RateLimit) None() bool {
	return r.PerMinute == 0 && r.PerDay == 0
}

// Capabilities are static per-provider feature flags.
type Capabilities struct {
	CanWriteAttendance   bool      `json:"can_write_attendance"`
	CanWriteInteractions bool      `json:"can_write_interactions"`
	CanWriteCustomFields bool      `json:"can_write_custom_fields"`
	CustomFieldSlots     int       `json:"custom_field_slots"`
	HasWebhooks          bool      `json:"has_webhooks"`
	HasIncrementalSync   bool      `json:"has_incremental_sync"`
	MaxPageSize          int       `json:"max_page_size"`
	RateLimit            RateLimit `json:"rate_limit"`
}

// Interaction is a structured activity log entry for providers with a richer
// activity model.
type Interaction struct {
	Date          time.Time `json:"date"`
	ComponentName string    `json:"component_name"`
	Summary       string    `json:"summary"`
}

// ActivityWriteBack carries one person's ministry engagement outward.
type ActivityWriteBack struct {
	ExternalPersonID string       `json:"external_person_id"`
	LastCheckIn      *time.Time   `json:"last_check_in,omitempty"`
	LastText         *time.Time   `json:"last_text,omitempty"`
	BelongingStatus  string       `json:"belonging_status,omitempty"`
	TotalPoints      *int         `json:"total_points,omitempty"`
	TotalCheckIns    *int         `json:"total_check_ins,omitempty"`
	Interaction      *Interaction `json:"interaction,omitempty"`
}

// HasAttendance reports whether the entry carries attendance-shaped data.
func (a ActivityWriteBack) HasAttendance() bool {
	return a.LastCheckIn != nil || a.TotalCheckIns != nil
}

// Empty reports whether the entry carries nothing to write.
func (a ActivityWriteBack) Empty() bool {
	return a.LastCheckIn == nil && a.LastText == nil && a.BelongingStatus == "" &&
		a.TotalPoints == nil && a.TotalCheckIns == nil && a.Interaction == nil
}

// WriteFailure is one item that could not be written back.
type WriteFailure struct {
	ExternalPersonID string `json:"external_person_id"`
	Field            string `json:"field,omitempty"`
	Error            string `json:"error"`
}

// WriteResult summarises a best-effort batch write.
type WriteResult struct {
	Succeeded int            `json:"succeeded"`
	Failed    []WriteFailure `json:"failed,omitempty"`
}

// FailedCount returns the number of distinct people with at least one failure.
func (r WriteResult) FailedCount() int {
	seen := map[string]struct{}{}
	for _, f := range r.Failed {
		seen[f.ExternalPersonID] = struct{}{}
	}
	return len(seen)
}

// SearchQuery is a best-effort person lookup. The first non-empty criterion
// wins, in order email, phone, name.
type SearchQuery struct {
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// PersonUpdate carries the subset of fields pushed by UpdatePerson. Nil
// fields are left untouched on the provider side.
type PersonUpdate struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Nickname  *string `json:"nickname,omitempty"`
	Email     *string `json:"email,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	Gender    *Gender `json:"gender,omitempty"`
	BirthDate *string `json:"birth_date,omitempty"`
}

// ConnectionStatus is the outcome of a health check.
type ConnectionStatus struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
