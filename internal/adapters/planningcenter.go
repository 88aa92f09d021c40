package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/fieldmap"
)

const (
	pcoDefaultEndpoint = "https://api.planningcenteronline.com"
	pcoPageSize        = 100
	pcoPerMinute       = 300
)

// PlanningCenterAdapter talks to the hosted Planning Center People and Groups
// APIs. Responses are JSON:API documents.
type PlanningCenterAdapter struct {
	*apiClient

	endpoint    string
	appID       string
	secret      string
	fieldPrefix string

	fieldMu   sync.Mutex
	fieldDefs map[string]string // slug -> field_definition id
}

// NewPlanningCenterAdapter builds an adapter from app_id and secret
// credentials (a personal access token pair).
func NewPlanningCenterAdapter(conn chms.Connection, opts ...Option) (*PlanningCenterAdapter, error) {
	appID := strings.TrimSpace(conn.Credentials["app_id"])
	secret := strings.TrimSpace(conn.Credentials["secret"])
	if appID == "" || secret == "" {
		return nil, fmt.Errorf("planning_center: app_id and secret credentials are required")
	}
	o := buildOptions(opts)
	endpoint := o.endpoint
	if endpoint == "" {
		endpoint = pcoDefaultEndpoint
	}
	p := &PlanningCenterAdapter{
		endpoint:    endpoint,
		appID:       appID,
		secret:      secret,
		fieldPrefix: conn.SyncString("field_prefix", ""),
	}
	p.apiClient = newAPIClient(chms.ProviderPlanningCenter, o, func(req *http.Request) {
		req.SetBasicAuth(p.appID, p.secret)
	})
	return p, nil
}

func (p *PlanningCenterAdapter) Name() chms.ProviderName { return chms.ProviderPlanningCenter }

// Capabilities: Planning Center has no attendance or interaction model that
// can be written to, but field data is unlimited and webhooks exist.
func (p *PlanningCenterAdapter) Capabilities() chms.Capabilities {
	return chms.Capabilities{
		CanWriteAttendance:   false,
		CanWriteInteractions: false,
		CanWriteCustomFields: true,
		CustomFieldSlots:     chms.UnlimitedSlots,
		HasWebhooks:          true,
		HasIncrementalSync:   true,
		MaxPageSize:          pcoPageSize,
		RateLimit:            chms.RateLimit{PerMinute: pcoPerMinute},
	}
}

func (p *PlanningCenterAdapter) Authenticate(ctx context.Context) error {
	var doc jsonAPIDocument
	if err := p.getJSON(ctx, p.url("/people/v2/me", nil), &doc); err != nil {
		return p.authError(err)
	}
	p.authed.Store(true)
	return nil
}

func (p *PlanningCenterAdapter) TestConnection(ctx context.Context) chms.ConnectionStatus {
	return p.testConnection(ctx, p.Authenticate)
}

func (p *PlanningCenterAdapter) url(path string, q url.Values) string {
	u := p.endpoint + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// JSON:API document shapes.

type jsonAPIRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type jsonAPIRelationship struct {
	Data json.RawMessage `json:"data"`
}

// refs decodes a relationship's data, which is either one ref, a list, or null.
func (r jsonAPIRelationship) refs() []jsonAPIRef {
	raw := strings.TrimSpace(string(r.Data))
	if raw == "" || raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var many []jsonAPIRef
		if json.Unmarshal(r.Data, &many) == nil {
			return many
		}
		return nil
	}
	var one jsonAPIRef
	if json.Unmarshal(r.Data, &one) == nil && one.ID != "" {
		return []jsonAPIRef{one}
	}
	return nil
}

type jsonAPIResource struct {
	Type          string                         `json:"type"`
	ID            string                         `json:"id"`
	Attributes    map[string]any                 `json:"attributes"`
	Relationships map[string]jsonAPIRelationship `json:"relationships"`
}

func (r jsonAPIResource) str(key string) string {
	switch v := r.Attributes[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

func (r jsonAPIResource) boolean(key string) bool {
	b, _ := r.Attributes[key].(bool)
	return b
}

func (r jsonAPIResource) intPtr(key string) *int {
	switch v := r.Attributes[key].(type) {
	case float64:
		n := int(v)
		return &n
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return &n
		}
	}
	return nil
}

func (r jsonAPIResource) timestamp(key string) *time.Time {
	s := r.str(key)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func (r jsonAPIResource) related(name string) []jsonAPIRef {
	rel, ok := r.Relationships[name]
	if !ok {
		return nil
	}
	return rel.refs()
}

type jsonAPIDocument struct {
	Data     json.RawMessage   `json:"data"`
	Included []jsonAPIResource `json:"included"`
	Links    struct {
		Next string `json:"next"`
	} `json:"links"`
}

func (d jsonAPIDocument) resources() ([]jsonAPIResource, error) {
	raw := strings.TrimSpace(string(d.Data))
	if raw == "" || raw == "null" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var many []jsonAPIResource
		if err := json.Unmarshal(d.Data, &many); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
		return many, nil
	}
	var one jsonAPIResource
	if err := json.Unmarshal(d.Data, &one); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return []jsonAPIResource{one}, nil
}

// includedIndex resolves relationship refs against a document's included
// resources, keyed by type and id.
type includedIndex map[string]jsonAPIResource

func indexIncluded(res []jsonAPIResource) includedIndex {
	idx := make(includedIndex, len(res))
	for _, r := range res {
		idx[r.Type+"/"+r.ID] = r
	}
	return idx
}

func (idx includedIndex) resolve(refs []jsonAPIRef) []jsonAPIResource {
	var out []jsonAPIResource
	for _, ref := range refs {
		if r, ok := idx[ref.Type+"/"+ref.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// pages follows links.next until it is absent, returning every primary
// resource and the merged included index.
func (p *PlanningCenterAdapter) pages(ctx context.Context, first string) ([]jsonAPIResource, includedIndex, error) {
	var out []jsonAPIResource
	idx := includedIndex{}
	next := first
	for next != "" {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var doc jsonAPIDocument
		if err := p.getJSON(ctx, next, &doc); err != nil {
			return nil, nil, err
		}
		res, err := doc.resources()
		if err != nil {
			return nil, nil, err
		}
		out = append(out, res...)
		for k, v := range indexIncluded(doc.Included) {
			idx[k] = v
		}
		next = doc.Links.Next
	}
	return out, idx, nil
}

func (p *PlanningCenterAdapter) normalizePerson(r jsonAPIResource, idx includedIndex) chms.Person {
	person := chms.Person{
		ExternalID:        r.ID,
		FirstName:         r.str("first_name"),
		LastName:          r.str("last_name"),
		Nickname:          r.str("nickname"),
		BirthDate:         fieldmap.ParseBirthDate(r.str("birthdate")),
		Grade:             r.intPtr("grade"),
		GraduationYear:    r.intPtr("graduation_year"),
		ExternalCreatedAt: r.timestamp("created_at"),
		ExternalUpdatedAt: r.timestamp("updated_at"),
	}
	if person.FirstName == "" {
		person.FirstName = r.str("given_name")
	}
	switch strings.ToLower(r.str("gender")) {
	case "m", "male":
		person.Gender = chms.GenderMale
	case "f", "female":
		person.Gender = chms.GenderFemale
	}
	if r.boolean("child") {
		person.FamilyRole = chms.FamilyRoleChild
	}

	person.Email = fieldmap.NormalizeEmail(pickPrimary(idx.resolve(r.related("emails")), "address"))
	person.Phone = fieldmap.NormalizePhone(pickPrimary(idx.resolve(r.related("phone_numbers")), "number"))
	for _, a := range idx.resolve(r.related("addresses")) {
		person.Addresses = append(person.Addresses, chms.Address{
			Street1:    firstNonEmpty(a.str("street_line_1"), a.str("street")),
			Street2:    a.str("street_line_2"),
			City:       a.str("city"),
			State:      a.str("state"),
			PostalCode: a.str("zip"),
			Country:    a.str("country_code"),
			Location:   a.str("location"),
		})
	}
	return person
}

// pickPrimary returns the primary resource's attribute, falling back to the
// first non-empty one. Missing values are an empty string.
func pickPrimary(res []jsonAPIResource, attr string) string {
	for _, r := range res {
		if r.boolean("primary") && r.str(attr) != "" {
			return r.str(attr)
		}
	}
	for _, r := range res {
		if v := r.str(attr); v != "" {
			return v
		}
	}
	return ""
}

func (p *PlanningCenterAdapter) listPeople(ctx context.Context, q url.Values) ([]chms.Person, error) {
	q.Set("per_page", fmt.Sprint(pcoPageSize))
	q.Set("include", "emails,phone_numbers,addresses")
	res, idx, err := p.pages(ctx, p.url("/people/v2/people", q))
	if err != nil {
		return nil, err
	}
	out := make([]chms.Person, 0, len(res))
	for _, r := range res {
		person := p.normalizePerson(r, idx)
		if !person.HasName() {
			continue
		}
		out = append(out, person)
	}
	return out, nil
}

func (p *PlanningCenterAdapter) ListPeople(ctx context.Context, modifiedSince *time.Time) ([]chms.Person, error) {
	if err := p.requireAuth(); err != nil {
		return nil, err
	}
	q := url.Values{}
	if modifiedSince != nil {
		q.Set("where[updated_at][gte]", modifiedSince.UTC().Format(time.RFC3339))
	}
	people, err := p.listPeople(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("planning center list people: %w", err)
	}
	return people, nil
}

func (p *PlanningCenterAdapter) SearchPerson(ctx context.Context, query chms.SearchQuery) ([]chms.Person, error) {
	if err := p.requireAuth(); err != nil {
		return nil, err
	}
	q := url.Values{}
	switch {
	case strings.TrimSpace(query.Email) != "":
		q.Set("where[search_name_or_email]", fieldmap.NormalizeEmail(query.Email))
	case strings.TrimSpace(query.Phone) != "":
		digits := fieldmap.PhoneDigits(query.Phone)
		if digits == "" {
			return nil, nil
		}
		q.Set("where[search_phone_number]", digits)
	case strings.TrimSpace(query.LastName) != "":
		q.Set("where[search_name_or_email]", strings.TrimSpace(query.FirstName+" "+query.LastName))
	default:
		return nil, nil
	}
	people, err := p.listPeople(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("planning center search: %w", err)
	}
	return people, nil
}

// ListFamilies looks up each person's households, then loads every distinct
// household once with its people.
func (p *PlanningCenterAdapter) ListFamilies(ctx context.Context, externalPersonIDs []string) ([]chms.Family, error) {
	if err := p.requireAuth(); err != nil {
		return nil, err
	}
	var householdIDs []string
	for _, pid := range dedupe(externalPersonIDs) {
		res, _, err := p.pages(ctx, p.url("/people/v2/people/"+url.PathEscape(pid)+"/households", nil))
		if err != nil {
			return nil, fmt.Errorf("planning center households for %s: %w", pid, err)
		}
		for _, h := range res {
			householdIDs = append(householdIDs, h.ID)
		}
	}

	var out []chms.Family
	for _, hid := range dedupe(householdIDs) {
		var doc jsonAPIDocument
		q := url.Values{"include": {"people"}}
		if err := p.getJSON(ctx, p.url("/people/v2/households/"+url.PathEscape(hid), q), &doc); err != nil {
			return nil, fmt.Errorf("planning center household %s: %w", hid, err)
		}
		res, err := doc.resources()
		if err != nil || len(res) == 0 {
			return nil, fmt.Errorf("planning center household %s: empty document", hid)
		}
		h := res[0]
		primary := h.str("primary_contact_id")
		idx := indexIncluded(doc.Included)

		fam := chms.Family{ExternalID: h.ID, Name: h.str("name")}
		for _, person := range idx.resolve(h.related("people")) {
			fam.Members = append(fam.Members, chms.FamilyMember{
				ExternalPersonID: person.ID,
				Role:             pcoHouseholdRole(person, primary),
				FirstName:        person.str("first_name"),
				LastName:         person.str("last_name"),
			})
		}
		out = append(out, fam)
	}
	return out, nil
}

// pcoHouseholdRole: the primary contact is the head, children are children,
// and every other adult is treated as a spouse.
func pcoHouseholdRole(person jsonAPIResource, primaryContactID string) chms.FamilyRole {
	switch {
	case primaryContactID != "" && person.ID == primaryContactID:
		return chms.FamilyRoleHead
	case person.boolean("child"):
		return chms.FamilyRoleChild
	default:
		return chms.FamilyRoleSpouse
	}
}

func (p *PlanningCenterAdapter) ListGroups(ctx context.Context, groupTypeFilter []string) ([]chms.Group, error) {
	if err := p.requireAuth(); err != nil {
		return nil, err
	}
	var (
		groups []jsonAPIResource
		idx    = includedIndex{}
	)
	q := url.Values{"per_page": {fmt.Sprint(pcoPageSize)}, "include": {"group_type"}}
	types := dedupe(groupTypeFilter)
	if len(types) == 0 {
		res, inc, err := p.pages(ctx, p.url("/groups/v2/groups", q))
		if err != nil {
			return nil, fmt.Errorf("planning center list groups: %w", err)
		}
		groups, idx = res, inc
	}
	for _, typeID := range types {
		res, inc, err := p.pages(ctx, p.url("/groups/v2/group_types/"+url.PathEscape(typeID)+"/groups", q))
		if err != nil {
			return nil, fmt.Errorf("planning center groups of type %s: %w", typeID, err)
		}
		groups = append(groups, res...)
		for k, v := range inc {
			idx[k] = v
		}
	}

	out := make([]chms.Group, 0, len(groups))
	for _, g := range groups {
		ng := chms.Group{ExternalID: g.ID, Name: g.str("name"), Description: g.str("description")}
		if gt := idx.resolve(g.related("group_type")); len(gt) > 0 {
			ng.GroupType = gt[0].str("name")
		}
		mq := url.Values{"per_page": {fmt.Sprint(pcoPageSize)}}
		members, _, err := p.pages(ctx, p.url("/groups/v2/groups/"+url.PathEscape(g.ID)+"/memberships", mq))
		if err != nil {
			return nil, fmt.Errorf("planning center group %s memberships: %w", g.ID, err)
		}
		for _, m := range members {
			personID := ""
			if refs := m.related("person"); len(refs) > 0 {
				personID = refs[0].ID
			}
			if personID == "" {
				continue
			}
			role := chms.GroupRoleMember
			if strings.EqualFold(m.str("role"), "leader") {
				role = chms.GroupRoleLeader
			}
			ng.Members = append(ng.Members, chms.GroupMember{ExternalPersonID: personID, Role: role})
		}
		out = append(out, ng)
	}
	return out, nil
}

type jsonAPIWrite struct {
	Data jsonAPIWriteData `json:"data"`
}

type jsonAPIWriteData struct {
	Type          string                    `json:"type"`
	ID            string                    `json:"id,omitempty"`
	Attributes    map[string]any            `json:"attributes"`
	Relationships map[string]jsonAPIWriteRel `json:"relationships,omitempty"`
}

type jsonAPIWriteRel struct {
	Data jsonAPIRef `json:"data"`
}

func pcoGender(g chms.Gender) string {
	switch g {
	case chms.GenderMale:
		return "M"
	case chms.GenderFemale:
		return "F"
	}
	return ""
}

func (p *PlanningCenterAdapter) CreatePerson(ctx context.Context, person chms.Person) (string, error) {
	if err := p.requireAuth(); err != nil {
		return "", err
	}
	attrs := map[string]any{
		"first_name": person.FirstName,
		"last_name":  person.LastName,
	}
	if person.Nickname != "" {
		attrs["nickname"] = person.Nickname
	}
	if g := pcoGender(person.Gender); g != "" {
		attrs["gender"] = g
	}
	if person.BirthDate != "" {
		attrs["birthdate"] = person.BirthDate
	}
	if person.GraduationYear != nil {
		attrs["graduation_year"] = *person.GraduationYear
	}
	var doc jsonAPIDocument
	body := jsonAPIWrite{Data: jsonAPIWriteData{Type: "Person", Attributes: attrs}}
	if err := p.sendJSON(ctx, http.MethodPost, p.url("/people/v2/people", nil), body, &doc); err != nil {
		return "", fmt.Errorf("planning center create person: %w", err)
	}
	res, err := doc.resources()
	if err != nil || len(res) == 0 {
		return "", fmt.Errorf("planning center create person: no id in response")
	}
	id := res[0].ID
	if err := p.addContact(ctx, id, person.Email, person.Phone); err != nil {
		return id, fmt.Errorf("planning center create person %s: %w", id, err)
	}
	return id, nil
}

func (p *PlanningCenterAdapter) addContact(ctx context.Context, personID, email, phone string) error {
	if e := fieldmap.NormalizeEmail(email); e != "" {
		body := jsonAPIWrite{Data: jsonAPIWriteData{Type: "Email", Attributes: map[string]any{
			"address": e, "location": "Home", "primary": true,
		}}}
		if err := p.sendJSON(ctx, http.MethodPost, p.url("/people/v2/people/"+url.PathEscape(personID)+"/emails", nil), body, nil); err != nil {
			return fmt.Errorf("add email: %w", err)
		}
	}
	if ph := fieldmap.NormalizePhone(phone); ph != "" {
		body := jsonAPIWrite{Data: jsonAPIWriteData{Type: "PhoneNumber", Attributes: map[string]any{
			"number": ph, "location": "Mobile", "primary": true,
		}}}
		if err := p.sendJSON(ctx, http.MethodPost, p.url("/people/v2/people/"+url.PathEscape(personID)+"/phone_numbers", nil), body, nil); err != nil {
			return fmt.Errorf("add phone: %w", err)
		}
	}
	return nil
}

func (p *PlanningCenterAdapter) UpdatePerson(ctx context.Context, externalID string, update chms.PersonUpdate) error {
	if err := p.requireAuth(); err != nil {
		return err
	}
	attrs := map[string]any{}
	if update.FirstName != nil {
		attrs["first_name"] = *update.FirstName
	}
	if update.LastName != nil {
		attrs["last_name"] = *update.LastName
	}
	if update.Nickname != nil {
		attrs["nickname"] = *update.Nickname
	}
	if update.Gender != nil {
		attrs["gender"] = pcoGender(*update.Gender)
	}
	if update.BirthDate != nil {
		attrs["birthdate"] = *update.BirthDate
	}
	if len(attrs) > 0 {
		body := jsonAPIWrite{Data: jsonAPIWriteData{Type: "Person", ID: externalID, Attributes: attrs}}
		if err := p.sendJSON(ctx, http.MethodPatch, p.url("/people/v2/people/"+url.PathEscape(externalID), nil), body, nil); err != nil {
			return fmt.Errorf("planning center update person %s: %w", externalID, err)
		}
	}
	var email, phone string
	if update.Email != nil {
		email = *update.Email
	}
	if update.Phone != nil {
		phone = *update.Phone
	}
	if err := p.addContact(ctx, externalID, email, phone); err != nil {
		return fmt.Errorf("planning center update person %s: %w", externalID, err)
	}
	return nil
}

// fieldDefinitions loads the slug to definition id map once per adapter.
func (p *PlanningCenterAdapter) fieldDefinitions(ctx context.Context) (map[string]string, error) {
	p.fieldMu.Lock()
	defer p.fieldMu.Unlock()
	if p.fieldDefs != nil {
		return p.fieldDefs, nil
	}
	q := url.Values{"per_page": {fmt.Sprint(pcoPageSize)}}
	res, _, err := p.pages(ctx, p.url("/people/v2/field_definitions", q))
	if err != nil {
		return nil, fmt.Errorf("list field definitions: %w", err)
	}
	defs := make(map[string]string, len(res))
	for _, r := range res {
		if slug := r.str("slug"); slug != "" {
			defs[slug] = r.ID
		}
	}
	p.fieldDefs = defs
	return defs, nil
}

// WriteActivity upserts one field datum per field: an existing datum for the
// definition is patched, otherwise a new one is created.
func (p *PlanningCenterAdapter) WriteActivity(ctx context.Context, activities []chms.ActivityWriteBack) chms.WriteResult {
	var res chms.WriteResult
	if err := p.requireAuth(); err != nil {
		for _, a := range activities {
			p.recordFailure(&res, a.ExternalPersonID, "", err)
		}
		return res
	}
	defs, err := p.fieldDefinitions(ctx)
	if err != nil {
		for _, a := range activities {
			p.recordFailure(&res, a.ExternalPersonID, "", err)
		}
		return res
	}
	for _, a := range activities {
		ok := true
		for _, f := range fieldmap.ActivityFields(a) {
			defID, found := defs[fieldmap.Slug(p.fieldPrefix, f)]
			if !found {
				p.recordFailure(&res, a.ExternalPersonID, f.Key, fmt.Errorf("no field definition with slug %q", fieldmap.Slug(p.fieldPrefix, f)))
				ok = false
				continue
			}
			if err := p.upsertFieldDatum(ctx, a.ExternalPersonID, defID, f.Value); err != nil {
				p.recordFailure(&res, a.ExternalPersonID, f.Key, err)
				ok = false
			}
		}
		if ok {
			res.Succeeded++
		}
	}
	return res
}

func (p *PlanningCenterAdapter) upsertFieldDatum(ctx context.Context, personID, defID, value string) error {
	base := "/people/v2/people/" + url.PathEscape(personID) + "/field_data"
	var doc jsonAPIDocument
	q := url.Values{"where[field_definition_id]": {defID}}
	if err := p.getJSON(ctx, p.url(base, q), &doc); err != nil {
		return fmt.Errorf("lookup field datum: %w", err)
	}
	existing, err := doc.resources()
	if err != nil {
		return err
	}
	attrs := map[string]any{"value": value}
	if len(existing) > 0 {
		id := existing[0].ID
		body := jsonAPIWrite{Data: jsonAPIWriteData{Type: "FieldDatum", ID: id, Attributes: attrs}}
		return p.sendJSON(ctx, http.MethodPatch, p.url("/people/v2/field_data/"+url.PathEscape(id), nil), body, nil)
	}
	body := jsonAPIWrite{Data: jsonAPIWriteData{
		Type:       "FieldDatum",
		Attributes: attrs,
		Relationships: map[string]jsonAPIWriteRel{
			"field_definition": {Data: jsonAPIRef{Type: "FieldDefinition", ID: defID}},
		},
	}}
	return p.sendJSON(ctx, http.MethodPost, p.url(base, nil), body, nil)
}
