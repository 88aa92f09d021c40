package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/fieldmap"
)

const (
	rockDefaultPageSize          = 500
	rockDefaultFamilyGroupTypeID = 10
	rockDefaultAttributePrefix   = "Ministry"
	rockFamilyLookupChunk        = 50
	rockMobilePhoneTypeValueID   = 12
	rockTimeLayout               = "2006-01-02T15:04:05"
)

// RockAdapter talks to a self-hosted Rock RMS instance over its
// OData-flavored REST API.
type RockAdapter struct {
	*apiClient

	baseURL  string
	urlErr   error
	apiKey   string
	pageSize int

	attributePrefix        string
	familyGroupTypeID      int
	interactionComponentID int
	// loc is the server's zone. Rock stores and filters datetimes as local
	// wall-clock time without an offset.
	loc *time.Location

	aliasMu sync.Mutex
	aliases map[string]int
}

// NewRockAdapter builds a Rock adapter from a connection record. Credentials
// must carry api_key; BaseURL is required.
func NewRockAdapter(conn chms.Connection, opts ...Option) (*RockAdapter, error) {
	apiKey := strings.TrimSpace(conn.Credentials["api_key"])
	if apiKey == "" {
		return nil, fmt.Errorf("rock: api_key credential is required")
	}
	o := buildOptions(opts)

	base := o.endpoint
	if base == "" {
		base = strings.TrimRight(strings.TrimSpace(conn.BaseURL), "/")
	}
	r := &RockAdapter{
		apiKey:                 apiKey,
		baseURL:                base,
		pageSize:               conn.SyncInt("page_size", rockDefaultPageSize),
		attributePrefix:        conn.SyncString("attribute_prefix", rockDefaultAttributePrefix),
		familyGroupTypeID:      conn.SyncInt("family_group_type_id", rockDefaultFamilyGroupTypeID),
		interactionComponentID: conn.SyncInt("interaction_component_id", 0),
		aliases:                map[string]int{},
	}
	if r.pageSize <= 0 {
		r.pageSize = rockDefaultPageSize
	}
	r.loc = time.Local
	if tz := conn.SyncString("timezone", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("rock: timezone: %w", err)
		}
		r.loc = loc
	}
	r.urlErr = validateBaseURL(base)
	r.apiClient = newAPIClient(chms.ProviderRock, o, func(req *http.Request) {
		req.Header.Set("Authorization-Token", r.apiKey)
	})
	return r, nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed base URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("malformed base URL %q", raw)
	}
	return nil
}

func (r *RockAdapter) Name() chms.ProviderName { return chms.ProviderRock }

// Capabilities reports Rock's feature set. Rock is self-hosted, so there is
// no published rate limit and the adapter imposes none.
func (r *RockAdapter) Capabilities() chms.Capabilities {
	return chms.Capabilities{
		CanWriteAttendance:   true,
		CanWriteInteractions: true,
		CanWriteCustomFields: true,
		CustomFieldSlots:     chms.UnlimitedSlots,
		HasWebhooks:          false,
		HasIncrementalSync:   true,
		MaxPageSize:          r.pageSize,
	}
}

func (r *RockAdapter) Authenticate(ctx context.Context) error {
	if r.urlErr != nil {
		return &chms.AuthenticationError{Provider: chms.ProviderRock, Reason: "invalid configuration", Err: r.urlErr}
	}
	q := url.Values{"$top": {"1"}, "$select": {"Id"}}
	var rows []map[string]any
	if err := r.getJSON(ctx, r.url("/api/People", q), &rows); err != nil {
		return r.authError(err)
	}
	r.authed.Store(true)
	return nil
}

func (r *RockAdapter) TestConnection(ctx context.Context) chms.ConnectionStatus {
	return r.testConnection(ctx, r.Authenticate)
}

func (r *RockAdapter) url(path string, q url.Values) string {
	u := r.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

type rockPhone struct {
	Number             string `json:"Number"`
	CountryCode        string `json:"CountryCode"`
	IsMessagingEnabled bool   `json:"IsMessagingEnabled"`
	NumberTypeValueID  *int   `json:"NumberTypeValueId"`
}

type rockPerson struct {
	ID               int         `json:"Id"`
	GUID             string      `json:"Guid"`
	PrimaryAliasID   *int        `json:"PrimaryAliasId"`
	FirstName        string      `json:"FirstName"`
	NickName         string      `json:"NickName"`
	LastName         string      `json:"LastName"`
	Email            string      `json:"Email"`
	Gender           int         `json:"Gender"`
	BirthDate        *string     `json:"BirthDate"`
	GraduationYear   *int        `json:"GraduationYear"`
	PrimaryFamilyID  *int        `json:"PrimaryFamilyId"`
	PhoneNumbers     []rockPhone `json:"PhoneNumbers"`
	CreatedDateTime  *string     `json:"CreatedDateTime"`
	ModifiedDateTime *string     `json:"ModifiedDateTime"`
}

func (p rockPerson) normalize(loc *time.Location) chms.Person {
	out := chms.Person{
		ExternalID:        strconv.Itoa(p.ID),
		ExternalGUID:      p.GUID,
		FirstName:         strings.TrimSpace(p.FirstName),
		LastName:          strings.TrimSpace(p.LastName),
		Email:             fieldmap.NormalizeEmail(p.Email),
		Phone:             fieldmap.NormalizePhone(pickRockPhone(p.PhoneNumbers)),
		GraduationYear:    p.GraduationYear,
		ExternalCreatedAt: parseRockTime(p.CreatedDateTime, loc),
		ExternalUpdatedAt: parseRockTime(p.ModifiedDateTime, loc),
	}
	if nick := strings.TrimSpace(p.NickName); nick != "" && nick != out.FirstName {
		out.Nickname = nick
	}
	if p.PrimaryAliasID != nil {
		out.ExternalAliasID = strconv.Itoa(*p.PrimaryAliasID)
	}
	switch p.Gender {
	case 1:
		out.Gender = chms.GenderMale
	case 2:
		out.Gender = chms.GenderFemale
	}
	if p.BirthDate != nil {
		out.BirthDate = fieldmap.ParseBirthDate(*p.BirthDate)
	}
	if p.PrimaryFamilyID != nil {
		out.FamilyID = strconv.Itoa(*p.PrimaryFamilyID)
	}
	return out
}

func pickRockPhone(phones []rockPhone) string {
	for _, ph := range phones {
		if ph.IsMessagingEnabled && strings.TrimSpace(ph.Number) != "" {
			return ph.CountryCode + ph.Number
		}
	}
	for _, ph := range phones {
		if strings.TrimSpace(ph.Number) != "" {
			return ph.CountryCode + ph.Number
		}
	}
	return ""
}

// parseRockTime reads offset-less values as wall-clock time in loc.
func parseRockTime(s *string, loc *time.Location) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", rockTimeLayout} {
		if t, err := time.ParseInLocation(layout, *s, loc); err == nil {
			return &t
		}
	}
	return nil
}

// odataString quotes a value for an OData $filter literal.
func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// rockPages fetches every page of an OData collection. It stops at the first
// page holding fewer than pageSize rows.
func rockPages[T any](ctx context.Context, r *RockAdapter, path string, q url.Values) ([]T, error) {
	var out []T
	skip := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pq := url.Values{}
		for k, v := range q {
			pq[k] = v
		}
		pq.Set("$top", strconv.Itoa(r.pageSize))
		pq.Set("$skip", strconv.Itoa(skip))

		var page []T
		if err := r.getJSON(ctx, r.url(path, pq), &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < r.pageSize {
			return out, nil
		}
		skip += len(page)
	}
}

func (r *RockAdapter) ListPeople(ctx context.Context, modifiedSince *time.Time) ([]chms.Person, error) {
	if err := r.requireAuth(); err != nil {
		return nil, err
	}
	q := url.Values{"$expand": {"PhoneNumbers"}}
	if modifiedSince != nil {
		q.Set("$filter", fmt.Sprintf("ModifiedDateTime gt datetime'%s'", modifiedSince.In(r.loc).Format(rockTimeLayout)))
	}
	rows, err := rockPages[rockPerson](ctx, r, "/api/People", q)
	if err != nil {
		return nil, fmt.Errorf("rock list people: %w", err)
	}
	return normalizeRockPeople(rows, r.loc), nil
}

func normalizeRockPeople(rows []rockPerson, loc *time.Location) []chms.Person {
	out := make([]chms.Person, 0, len(rows))
	for _, row := range rows {
		p := row.normalize(loc)
		if !p.HasName() {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *RockAdapter) SearchPerson(ctx context.Context, query chms.SearchQuery) ([]chms.Person, error) {
	if err := r.requireAuth(); err != nil {
		return nil, err
	}
	var rows []rockPerson
	switch {
	case strings.TrimSpace(query.Email) != "":
		q := url.Values{
			"$filter": {"Email eq " + odataString(fieldmap.NormalizeEmail(query.Email))},
			"$expand": {"PhoneNumbers"},
		}
		if err := r.getJSON(ctx, r.url("/api/People", q), &rows); err != nil {
			return nil, fmt.Errorf("rock search by email: %w", err)
		}
	case strings.TrimSpace(query.Phone) != "":
		digits := fieldmap.PhoneDigits(query.Phone)
		if digits == "" {
			return nil, nil
		}
		if err := r.getJSON(ctx, r.url("/api/People/GetByPhoneNumber/"+url.PathEscape(digits), nil), &rows); err != nil {
			return nil, fmt.Errorf("rock search by phone: %w", err)
		}
	case strings.TrimSpace(query.LastName) != "":
		filter := "LastName eq " + odataString(strings.TrimSpace(query.LastName))
		if first := strings.TrimSpace(query.FirstName); first != "" {
			filter = fmt.Sprintf("(FirstName eq %s or NickName eq %s) and %s", odataString(first), odataString(first), filter)
		}
		q := url.Values{"$filter": {filter}, "$expand": {"PhoneNumbers"}}
		if err := r.getJSON(ctx, r.url("/api/People", q), &rows); err != nil {
			return nil, fmt.Errorf("rock search by name: %w", err)
		}
	default:
		return nil, nil
	}
	return normalizeRockPeople(rows, r.loc), nil
}

type rockGroupRole struct {
	ID       int    `json:"Id"`
	Name     string `json:"Name"`
	Order    int    `json:"Order"`
	IsLeader bool   `json:"IsLeader"`
}

type rockGroupMember struct {
	ID        int            `json:"Id"`
	GroupID   int            `json:"GroupId"`
	PersonID  int            `json:"PersonId"`
	Person    *rockPerson    `json:"Person"`
	GroupRole *rockGroupRole `json:"GroupRole"`
}

type rockGroup struct {
	ID          int    `json:"Id"`
	Name        string `json:"Name"`
	Description string `json:"Description"`
	GroupTypeID int    `json:"GroupTypeId"`
	GroupType   *struct {
		Name string `json:"Name"`
	} `json:"GroupType"`
	Campus *struct {
		Name string `json:"Name"`
	} `json:"Campus"`
}

// ListFamilies resolves family membership in chunks of person IDs, then
// loads each distinct family once.
func (r *RockAdapter) ListFamilies(ctx context.Context, externalPersonIDs []string) ([]chms.Family, error) {
	if err := r.requireAuth(); err != nil {
		return nil, err
	}
	var familyIDs []string
	for _, ids := range chunk(dedupe(externalPersonIDs), rockFamilyLookupChunk) {
		clauses := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, err := strconv.Atoi(id); err != nil {
				continue
			}
			clauses = append(clauses, "PersonId eq "+id)
		}
		if len(clauses) == 0 {
			continue
		}
		q := url.Values{
			"$filter": {fmt.Sprintf("(%s) and Group/GroupTypeId eq %d", strings.Join(clauses, " or "), r.familyGroupTypeID)},
			"$select": {"GroupId,PersonId"},
		}
		rows, err := rockPages[rockGroupMember](ctx, r, "/api/GroupMembers", q)
		if err != nil {
			return nil, fmt.Errorf("rock family lookup: %w", err)
		}
		for _, row := range rows {
			familyIDs = append(familyIDs, strconv.Itoa(row.GroupID))
		}
	}

	var out []chms.Family
	for _, fid := range dedupe(familyIDs) {
		var g rockGroup
		if err := r.getJSON(ctx, r.url("/api/Groups/"+fid, nil), &g); err != nil {
			return nil, fmt.Errorf("rock get family %s: %w", fid, err)
		}
		members, err := r.groupMembers(ctx, fid, "Person,GroupRole")
		if err != nil {
			return nil, fmt.Errorf("rock family %s members: %w", fid, err)
		}
		fam := chms.Family{ExternalID: fid, Name: g.Name}
		for _, m := range members {
			role := chms.FamilyRoleOther
			if m.GroupRole != nil {
				role = fieldmap.RoleFromOrdinal(m.GroupRole.Order)
			}
			fm := chms.FamilyMember{ExternalPersonID: strconv.Itoa(m.PersonID), Role: role}
			if m.Person != nil {
				fm.FirstName = strings.TrimSpace(m.Person.FirstName)
				fm.LastName = strings.TrimSpace(m.Person.LastName)
			}
			fam.Members = append(fam.Members, fm)
		}
		out = append(out, fam)
	}
	return out, nil
}

func (r *RockAdapter) groupMembers(ctx context.Context, groupID string, expand string) ([]rockGroupMember, error) {
	q := url.Values{"$filter": {"GroupId eq " + groupID}}
	if expand != "" {
		q.Set("$expand", expand)
	}
	return rockPages[rockGroupMember](ctx, r, "/api/GroupMembers", q)
}

// ListGroups returns active non-family groups, optionally restricted to the
// given group type IDs.
func (r *RockAdapter) ListGroups(ctx context.Context, groupTypeFilter []string) ([]chms.Group, error) {
	if err := r.requireAuth(); err != nil {
		return nil, err
	}
	filter := fmt.Sprintf("IsActive eq true and GroupTypeId ne %d", r.familyGroupTypeID)
	var types []string
	for _, id := range dedupe(groupTypeFilter) {
		if _, err := strconv.Atoi(id); err == nil {
			types = append(types, "GroupTypeId eq "+id)
		}
	}
	if len(types) > 0 {
		filter = "IsActive eq true and (" + strings.Join(types, " or ") + ")"
	}
	q := url.Values{"$filter": {filter}, "$expand": {"GroupType,Campus"}}
	groups, err := rockPages[rockGroup](ctx, r, "/api/Groups", q)
	if err != nil {
		return nil, fmt.Errorf("rock list groups: %w", err)
	}

	out := make([]chms.Group, 0, len(groups))
	for _, g := range groups {
		gid := strconv.Itoa(g.ID)
		members, err := r.groupMembers(ctx, gid, "GroupRole")
		if err != nil {
			return nil, fmt.Errorf("rock group %s members: %w", gid, err)
		}
		ng := chms.Group{ExternalID: gid, Name: g.Name, Description: g.Description}
		if g.GroupType != nil {
			ng.GroupType = g.GroupType.Name
		}
		if g.Campus != nil {
			ng.Campus = g.Campus.Name
		}
		for _, m := range members {
			role := chms.GroupRoleMember
			if m.GroupRole != nil && m.GroupRole.IsLeader {
				role = chms.GroupRoleLeader
			}
			ng.Members = append(ng.Members, chms.GroupMember{ExternalPersonID: strconv.Itoa(m.PersonID), Role: role})
		}
		out = append(out, ng)
	}
	return out, nil
}

func rockGender(g chms.Gender) int {
	switch g {
	case chms.GenderMale:
		return 1
	case chms.GenderFemale:
		return 2
	default:
		return 0
	}
}

func (r *RockAdapter) CreatePerson(ctx context.Context, person chms.Person) (string, error) {
	if err := r.requireAuth(); err != nil {
		return "", err
	}
	body := map[string]any{
		"FirstName": person.FirstName,
		"LastName":  person.LastName,
		"NickName":  firstNonEmpty(person.Nickname, person.FirstName),
		"Email":     fieldmap.NormalizeEmail(person.Email),
		"Gender":    rockGender(person.Gender),
		"IsSystem":  false,
	}
	if person.BirthDate != "" {
		body["BirthDate"] = person.BirthDate + "T00:00:00"
	}
	if person.GraduationYear != nil {
		body["GraduationYear"] = *person.GraduationYear
	}
	var id int
	if err := r.sendJSON(ctx, http.MethodPost, r.url("/api/People", nil), body, &id); err != nil {
		return "", fmt.Errorf("rock create person: %w", err)
	}
	extID := strconv.Itoa(id)
	if phone := fieldmap.PhoneDigits(person.Phone); phone != "" {
		if err := r.addPhone(ctx, id, phone); err != nil {
			return extID, fmt.Errorf("rock create person %s phone: %w", extID, err)
		}
	}
	return extID, nil
}

func (r *RockAdapter) addPhone(ctx context.Context, personID int, digits string) error {
	body := map[string]any{
		"PersonId":           personID,
		"Number":             digits,
		"NumberTypeValueId":  rockMobilePhoneTypeValueID,
		"IsMessagingEnabled": true,
	}
	return r.sendJSON(ctx, http.MethodPost, r.url("/api/PhoneNumbers", nil), body, nil)
}

func (r *RockAdapter) UpdatePerson(ctx context.Context, externalID string, update chms.PersonUpdate) error {
	if err := r.requireAuth(); err != nil {
		return err
	}
	id, err := strconv.Atoi(externalID)
	if err != nil {
		return fmt.Errorf("rock update person: invalid id %q", externalID)
	}
	body := map[string]any{}
	if update.FirstName != nil {
		body["FirstName"] = *update.FirstName
	}
	if update.LastName != nil {
		body["LastName"] = *update.LastName
	}
	if update.Nickname != nil {
		body["NickName"] = *update.Nickname
	}
	if update.Email != nil {
		body["Email"] = fieldmap.NormalizeEmail(*update.Email)
	}
	if update.Gender != nil {
		body["Gender"] = rockGender(*update.Gender)
	}
	if update.BirthDate != nil {
		body["BirthDate"] = *update.BirthDate + "T00:00:00"
	}
	if len(body) > 0 {
		if err := r.sendJSON(ctx, http.MethodPatch, r.url("/api/People/"+externalID, nil), body, nil); err != nil {
			return fmt.Errorf("rock update person %s: %w", externalID, err)
		}
	}
	if update.Phone != nil {
		if digits := fieldmap.PhoneDigits(*update.Phone); digits != "" {
			if err := r.addPhone(ctx, id, digits); err != nil {
				return fmt.Errorf("rock update person %s phone: %w", externalID, err)
			}
		}
	}
	return nil
}

type rockAttributeValue struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// WriteActivity writes each field as a named person attribute. Rock has no
// batch endpoint, so the cost is one call per attribute per person.
// Interactions go to the Interactions API when a component is configured.
func (r *RockAdapter) WriteActivity(ctx context.Context, activities []chms.ActivityWriteBack) chms.WriteResult {
	var res chms.WriteResult
	if err := r.requireAuth(); err != nil {
		for _, a := range activities {
			r.recordFailure(&res, a.ExternalPersonID, "", err)
		}
		return res
	}
	for _, a := range activities {
		if err := ctx.Err(); err != nil {
			r.recordFailure(&res, a.ExternalPersonID, "", err)
			continue
		}
		ok := true
		for _, f := range fieldmap.ActivityFields(a) {
			if f.Key == fieldmap.FieldLastInteraction && r.interactionComponentID > 0 {
				continue
			}
			body := rockAttributeValue{Key: fieldmap.AttributeKey(r.attributePrefix, f), Value: f.Value}
			path := "/api/People/AttributeValue/" + url.PathEscape(a.ExternalPersonID)
			if err := r.sendJSON(ctx, http.MethodPost, r.url(path, nil), body, nil); err != nil {
				r.recordFailure(&res, a.ExternalPersonID, f.Key, err)
				ok = false
			}
		}
		if a.Interaction != nil && r.interactionComponentID > 0 {
			if err := r.writeInteraction(ctx, a.ExternalPersonID, *a.Interaction); err != nil {
				r.recordFailure(&res, a.ExternalPersonID, fieldmap.FieldLastInteraction, err)
				ok = false
			}
		}
		if ok {
			res.Succeeded++
		}
	}
	return res
}

func (r *RockAdapter) writeInteraction(ctx context.Context, personID string, in chms.Interaction) error {
	aliasID, err := r.primaryAlias(ctx, personID)
	if err != nil {
		return err
	}
	when := in.Date
	if when.IsZero() {
		when = time.Now()
	}
	body := map[string]any{
		"InteractionComponentId": r.interactionComponentID,
		"PersonAliasId":          aliasID,
		"InteractionDateTime":    when.In(r.loc).Format(rockTimeLayout),
		"Operation":              "Activity",
		"InteractionSummary":     in.Summary,
		"InteractionData":        in.ComponentName,
	}
	return r.sendJSON(ctx, http.MethodPost, r.url("/api/Interactions", nil), body, nil)
}

func (r *RockAdapter) primaryAlias(ctx context.Context, personID string) (int, error) {
	r.aliasMu.Lock()
	id, ok := r.aliases[personID]
	r.aliasMu.Unlock()
	if ok {
		return id, nil
	}
	var p rockPerson
	q := url.Values{"$select": {"Id,PrimaryAliasId"}}
	if err := r.getJSON(ctx, r.url("/api/People/"+url.PathEscape(personID), q), &p); err != nil {
		return 0, fmt.Errorf("resolve alias for %s: %w", personID, err)
	}
	if p.PrimaryAliasID == nil {
		return 0, fmt.Errorf("person %s has no primary alias", personID)
	}
	r.aliasMu.Lock()
	r.aliases[personID] = *p.PrimaryAliasID
	r.aliasMu.Unlock()
	return *p.PrimaryAliasID, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
