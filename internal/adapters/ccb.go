package adapters

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Napageneral/chms/internal/chms"
	"github.com/Napageneral/chms/internal/fieldmap"
)

// CCB call budget. The hard limit is ccbDailyLimit; the adapter does not
// enforce it. Expected usage for a typical church:
//
//	full import      ~500-600 calls, once (roster pages + family_detail per household)
//	write-back       ~1 call per active person per day (one update_individual each)
//	incremental poll ~4 calls per day (one short individual_profiles page per pull)
//
// That is roughly 54 calls per day at steady state for a group of 50 active
// students. CallCount exposes the running total so the engine can log it.
const (
	ccbDailyLimit      = 10000
	ccbDefaultPageSize = 100
	ccbCustomSlots     = 6
	ccbDateLayout      = "2006-01-02"
	ccbTimeLayout      = "2006-01-02 15:04:05"
)

// CCBAdapter talks to Church Community Builder's single api.php endpoint.
type CCBAdapter struct {
	*apiClient

	endpoint string
	username string
	password string
	pageSize int

	cacheMu  sync.Mutex
	familyOf map[string]string // person id -> family id, from the last roster pull
}

// NewCCBAdapter builds an adapter from username/password credentials. The
// church's subdomain comes from sync_config.subdomain unless an endpoint
// override is given.
func NewCCBAdapter(conn chms.Connection, opts ...Option) (*CCBAdapter, error) {
	username := strings.TrimSpace(conn.Credentials["username"])
	password := conn.Credentials["password"]
	if username == "" || password == "" {
		return nil, fmt.Errorf("ccb: username and password credentials are required")
	}
	o := buildOptions(opts)
	host := o.endpoint
	if host == "" {
		sub := strings.TrimSpace(conn.SyncString("subdomain", ""))
		if sub == "" {
			return nil, fmt.Errorf("ccb: sync_config.subdomain is required")
		}
		host = "https://" + sub + ".ccbchurch.com"
	}
	c := &CCBAdapter{
		endpoint: host + "/api.php",
		username: username,
		password: password,
		pageSize: conn.SyncInt("page_size", ccbDefaultPageSize),
		familyOf: map[string]string{},
	}
	if c.pageSize <= 0 || c.pageSize > ccbDefaultPageSize {
		c.pageSize = ccbDefaultPageSize
	}
	c.apiClient = newAPIClient(chms.ProviderCCB, o, func(req *http.Request) {
		req.SetBasicAuth(c.username, c.password)
	})
	return c, nil
}

func (c *CCBAdapter) Name() chms.ProviderName { return chms.ProviderCCB }

func (c *CCBAdapter) Capabilities() chms.Capabilities {
	return chms.Capabilities{
		CanWriteAttendance:   true,
		CanWriteInteractions: false,
		CanWriteCustomFields: true,
		CustomFieldSlots:     ccbCustomSlots,
		HasWebhooks:          false,
		HasIncrementalSync:   true,
		MaxPageSize:          c.pageSize,
		RateLimit:            chms.RateLimit{PerDay: ccbDailyLimit},
	}
}

// ccbError is an <error> element in an otherwise successful HTTP response.
type ccbError struct {
	Number  string `xml:"number,attr"`
	Type    string `xml:"type,attr"`
	Message string `xml:",chardata"`
}

// CCBServiceError reports an error element returned by the API.
type CCBServiceError struct {
	Service string
	Number  string
	Message string
}

func (e *CCBServiceError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if e.Number != "" {
		msg = fmt.Sprintf("%s (error %s)", msg, e.Number)
	}
	return fmt.Sprintf("ccb %s: %s", e.Service, msg)
}

// ccbElements streams through a response and decodes every element with the
// given local name, wherever it sits. The ccb_api/response envelope is
// optional. An <error> element anywhere turns the whole response into a
// *CCBServiceError.
func ccbElements[T any](service string, body []byte, name string) ([]T, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var out []T
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse ccb %s response: %w", service, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "error":
			var e ccbError
			if err := dec.DecodeElement(&e, &se); err != nil {
				return nil, fmt.Errorf("parse ccb %s error: %w", service, err)
			}
			return nil, &CCBServiceError{Service: service, Number: e.Number, Message: e.Message}
		case name:
			var v T
			if err := dec.DecodeElement(&v, &se); err != nil {
				return nil, fmt.Errorf("parse ccb %s %s: %w", service, name, err)
			}
			out = append(out, v)
		}
	}
}

func (c *CCBAdapter) serviceURL(service string, q url.Values) string {
	v := url.Values{}
	for k, vals := range q {
		v[k] = vals
	}
	v.Set("srv", service)
	return c.endpoint + "?" + v.Encode()
}

func (c *CCBAdapter) get(ctx context.Context, service string, q url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.serviceURL(service, q), nil, "")
}

func (c *CCBAdapter) postForm(ctx context.Context, service string, q url.Values, form url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodPost, c.serviceURL(service, q), strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
}

type ccbStatus struct {
	Service    string     `xml:"service"`
	DailyLimit int        `xml:"daily_limit"`
	Counter    int        `xml:"counter"`
	Errors     []ccbError `xml:"errors>error"`
}

func (c *CCBAdapter) Authenticate(ctx context.Context) error {
	body, err := c.get(ctx, "api_status", nil)
	if err != nil {
		return c.authError(err)
	}
	status, err := ccbElements[ccbStatus]("api_status", body, "response")
	if err == nil && (len(status) == 0 || len(status[0].Errors) > 0) {
		err = fmt.Errorf("no api_status response")
	}
	if err != nil {
		c.logger.Debug("ccb api_status rejected", "error", err)
		return &chms.AuthenticationError{Provider: chms.ProviderCCB, Reason: "unexpected response"}
	}
	if s := status[0]; s.DailyLimit > 0 {
		c.logger.Debug("ccb api status", "daily_limit", s.DailyLimit, "counter", s.Counter)
	}
	c.authed.Store(true)
	return nil
}

func (c *CCBAdapter) TestConnection(ctx context.Context) chms.ConnectionStatus {
	return c.testConnection(ctx, c.Authenticate)
}

type ccbRef struct {
	ID   string `xml:"id,attr"`
	Name string `xml:",chardata"`
}

type ccbPhone struct {
	Type   string `xml:"type,attr"`
	Number string `xml:",chardata"`
}

type ccbAddress struct {
	Type          string `xml:"type,attr"`
	StreetAddress string `xml:"street_address"`
	City          string `xml:"city"`
	State         string `xml:"state"`
	Zip           string `xml:"zip"`
	Country       string `xml:"country"`
}

type ccbUDF struct {
	Name  string `xml:"name"`
	Label string `xml:"label"`
	Text  string `xml:"text"`
}

type ccbIndividual struct {
	ID             string       `xml:"id,attr"`
	Family         ccbRef       `xml:"family"`
	FamilyPosition string       `xml:"family_position"`
	FirstName      string       `xml:"first_name"`
	LastName       string       `xml:"last_name"`
	LegalFirstName string       `xml:"legal_first_name"`
	Email          string       `xml:"email"`
	Gender         string       `xml:"gender"`
	Birthday       string       `xml:"birthday"`
	Phones         []ccbPhone   `xml:"phones>phone"`
	Addresses      []ccbAddress `xml:"addresses>address"`
	UDFText        []ccbUDF     `xml:"user_defined_text_fields>user_defined_text_field"`
	Created        string       `xml:"created"`
	Modified       string       `xml:"modified"`
}

func (i ccbIndividual) normalize() chms.Person {
	p := chms.Person{
		ExternalID:        strings.TrimSpace(i.ID),
		FirstName:         strings.TrimSpace(i.FirstName),
		LastName:          strings.TrimSpace(i.LastName),
		Email:             fieldmap.NormalizeEmail(i.Email),
		Phone:             fieldmap.NormalizePhone(pickCCBPhone(i.Phones)),
		BirthDate:         fieldmap.ParseBirthDate(i.Birthday),
		FamilyID:          strings.TrimSpace(i.Family.ID),
		ExternalCreatedAt: parseCCBTime(i.Created),
		ExternalUpdatedAt: parseCCBTime(i.Modified),
	}
	if strings.TrimSpace(i.FamilyPosition) != "" {
		p.FamilyRole = fieldmap.ParseFamilyRole(i.FamilyPosition)
	}
	if legal := strings.TrimSpace(i.LegalFirstName); legal != "" && legal != p.FirstName {
		p.Nickname = p.FirstName
		p.FirstName = legal
	}
	switch strings.ToUpper(strings.TrimSpace(i.Gender)) {
	case "M":
		p.Gender = chms.GenderMale
	case "F":
		p.Gender = chms.GenderFemale
	}
	for _, a := range i.Addresses {
		if strings.TrimSpace(a.StreetAddress+a.City+a.Zip) == "" {
			continue
		}
		p.Addresses = append(p.Addresses, chms.Address{
			Street1:    strings.TrimSpace(a.StreetAddress),
			City:       strings.TrimSpace(a.City),
			State:      strings.TrimSpace(a.State),
			PostalCode: strings.TrimSpace(a.Zip),
			Country:    strings.TrimSpace(a.Country),
			Location:   a.Type,
		})
	}
	for _, u := range i.UDFText {
		if v := strings.TrimSpace(u.Text); v != "" && u.Name != "" {
			if p.CustomFields == nil {
				p.CustomFields = map[string]string{}
			}
			p.CustomFields[u.Name] = v
		}
	}
	return p
}

func pickCCBPhone(phones []ccbPhone) string {
	for _, want := range []string{"mobile", "contact"} {
		for _, ph := range phones {
			if strings.EqualFold(ph.Type, want) && strings.TrimSpace(ph.Number) != "" {
				return ph.Number
			}
		}
	}
	for _, ph := range phones {
		if strings.TrimSpace(ph.Number) != "" {
			return ph.Number
		}
	}
	return ""
}

func parseCCBTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{ccbTimeLayout, ccbDateLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// people decodes individuals, drops nameless ones and remembers each
// person's family for ListFamilies.
func (c *CCBAdapter) people(service string, body []byte) ([]chms.Person, int, error) {
	rows, err := ccbElements[ccbIndividual](service, body, "individual")
	if err != nil {
		return nil, 0, err
	}
	out := make([]chms.Person, 0, len(rows))
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for _, row := range rows {
		p := row.normalize()
		if p.ExternalID != "" && p.FamilyID != "" {
			c.familyOf[p.ExternalID] = p.FamilyID
		}
		if p.ExternalID == "" || !p.HasName() {
			continue
		}
		out = append(out, p)
	}
	return out, len(rows), nil
}

func (c *CCBAdapter) ListPeople(ctx context.Context, modifiedSince *time.Time) ([]chms.Person, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	var out []chms.Person
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(c.pageSize)},
		}
		if modifiedSince != nil {
			q.Set("modified_since", modifiedSince.UTC().Format(ccbDateLayout))
		}
		body, err := c.get(ctx, "individual_profiles", q)
		if err != nil {
			return nil, fmt.Errorf("ccb list people: %w", err)
		}
		people, n, err := c.people("individual_profiles", body)
		if err != nil {
			return nil, fmt.Errorf("ccb list people: %w", err)
		}
		out = append(out, people...)
		if n < c.pageSize {
			return out, nil
		}
	}
}

func (c *CCBAdapter) SearchPerson(ctx context.Context, query chms.SearchQuery) ([]chms.Person, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	q := url.Values{}
	switch {
	case strings.TrimSpace(query.Email) != "":
		q.Set("email", fieldmap.NormalizeEmail(query.Email))
	case strings.TrimSpace(query.Phone) != "":
		digits := fieldmap.PhoneDigits(query.Phone)
		if digits == "" {
			return nil, nil
		}
		q.Set("phone", digits)
	case strings.TrimSpace(query.LastName) != "":
		q.Set("last_name", strings.TrimSpace(query.LastName))
		if first := strings.TrimSpace(query.FirstName); first != "" {
			q.Set("first_name", first)
		}
	default:
		return nil, nil
	}
	body, err := c.get(ctx, "individual_search", q)
	if err != nil {
		return nil, fmt.Errorf("ccb search: %w", err)
	}
	people, _, err := c.people("individual_search", body)
	if err != nil {
		return nil, fmt.Errorf("ccb search: %w", err)
	}
	return people, nil
}

type ccbFamilyMember struct {
	ID             string `xml:"id,attr"`
	FirstName      string `xml:"first_name"`
	LastName       string `xml:"last_name"`
	FamilyPosition string `xml:"family_position"`
}

type ccbFamily struct {
	ID      string            `xml:"id,attr"`
	Name    string            `xml:"name"`
	Members []ccbFamilyMember `xml:"individuals>individual"`
}

func (c *CCBAdapter) cachedFamily(personID string) (string, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	fid, ok := c.familyOf[personID]
	return fid, ok
}

// ListFamilies resolves family ids from the roster cache, asking CCB only
// for people it has not seen, then fetches each distinct family once.
func (c *CCBAdapter) ListFamilies(ctx context.Context, externalPersonIDs []string) ([]chms.Family, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	var familyIDs []string
	for _, pid := range dedupe(externalPersonIDs) {
		if fid, ok := c.cachedFamily(pid); ok {
			familyIDs = append(familyIDs, fid)
			continue
		}
		body, err := c.get(ctx, "individual_profile_from_id", url.Values{"individual_id": {pid}})
		if err != nil {
			return nil, fmt.Errorf("ccb profile %s: %w", pid, err)
		}
		if _, _, err := c.people("individual_profile_from_id", body); err != nil {
			return nil, fmt.Errorf("ccb profile %s: %w", pid, err)
		}
		if fid, ok := c.cachedFamily(pid); ok {
			familyIDs = append(familyIDs, fid)
		}
	}

	var out []chms.Family
	for _, fid := range dedupe(familyIDs) {
		body, err := c.get(ctx, "family_detail", url.Values{"family_id": {fid}})
		if err != nil {
			return nil, fmt.Errorf("ccb family %s: %w", fid, err)
		}
		fams, err := ccbElements[ccbFamily]("family_detail", body, "family")
		if err != nil {
			return nil, fmt.Errorf("ccb family %s: %w", fid, err)
		}
		for _, f := range fams {
			fam := chms.Family{ExternalID: firstNonEmpty(f.ID, fid), Name: strings.TrimSpace(f.Name)}
			for _, m := range f.Members {
				fam.Members = append(fam.Members, chms.FamilyMember{
					ExternalPersonID: strings.TrimSpace(m.ID),
					Role:             fieldmap.ParseFamilyRole(m.FamilyPosition),
					FirstName:        strings.TrimSpace(m.FirstName),
					LastName:         strings.TrimSpace(m.LastName),
				})
			}
			if fam.Name == "" {
				fam.Name = derivedFamilyName(fam.Members)
			}
			out = append(out, fam)
		}
	}
	return out, nil
}

func derivedFamilyName(members []chms.FamilyMember) string {
	for _, m := range members {
		if m.Role == chms.FamilyRoleHead && m.LastName != "" {
			return m.LastName + " Family"
		}
	}
	for _, m := range members {
		if m.LastName != "" {
			return m.LastName + " Family"
		}
	}
	return ""
}

type ccbPersonRef struct {
	ID string `xml:"id,attr"`
}

type ccbGroup struct {
	ID           string         `xml:"id,attr"`
	Name         string         `xml:"name"`
	Description  string         `xml:"description"`
	GroupType    ccbRef         `xml:"group_type"`
	Campus       ccbRef         `xml:"campus"`
	MainLeader   ccbPersonRef   `xml:"main_leader"`
	Leaders      []ccbPersonRef `xml:"leaders>leader"`
	Participants []ccbPersonRef `xml:"participants>participant"`
}

func (g ccbGroup) normalize() chms.Group {
	out := chms.Group{
		ExternalID:  strings.TrimSpace(g.ID),
		Name:        strings.TrimSpace(g.Name),
		Description: strings.TrimSpace(g.Description),
		GroupType:   strings.TrimSpace(g.GroupType.Name),
		Campus:      strings.TrimSpace(g.Campus.Name),
	}
	seen := map[string]bool{}
	add := func(id string, role chms.GroupRole) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out.Members = append(out.Members, chms.GroupMember{ExternalPersonID: id, Role: role})
	}
	add(g.MainLeader.ID, chms.GroupRoleLeader)
	for _, l := range g.Leaders {
		add(l.ID, chms.GroupRoleLeader)
	}
	for _, p := range g.Participants {
		add(p.ID, chms.GroupRoleMember)
	}
	return out
}

// ListGroups treats the filter as a CCB group id allow-list. With no filter
// it pulls every group profile with participants.
func (c *CCBAdapter) ListGroups(ctx context.Context, groupIDs []string) ([]chms.Group, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	var raw []ccbGroup
	ids := dedupe(groupIDs)
	if len(ids) == 0 {
		body, err := c.get(ctx, "group_profiles", url.Values{"include_participants": {"true"}})
		if err != nil {
			return nil, fmt.Errorf("ccb list groups: %w", err)
		}
		if raw, err = ccbElements[ccbGroup]("group_profiles", body, "group"); err != nil {
			return nil, fmt.Errorf("ccb list groups: %w", err)
		}
	}
	for _, id := range ids {
		body, err := c.get(ctx, "group_profile_from_id", url.Values{"id": {id}, "include_participants": {"true"}})
		if err != nil {
			return nil, fmt.Errorf("ccb group %s: %w", id, err)
		}
		gs, err := ccbElements[ccbGroup]("group_profile_from_id", body, "group")
		if err != nil {
			return nil, fmt.Errorf("ccb group %s: %w", id, err)
		}
		raw = append(raw, gs...)
	}
	out := make([]chms.Group, 0, len(raw))
	for _, g := range raw {
		out = append(out, g.normalize())
	}
	return out, nil
}

func ccbGender(g chms.Gender) string {
	switch g {
	case chms.GenderMale:
		return "M"
	case chms.GenderFemale:
		return "F"
	}
	return ""
}

func (c *CCBAdapter) CreatePerson(ctx context.Context, person chms.Person) (string, error) {
	if err := c.requireAuth(); err != nil {
		return "", err
	}
	form := url.Values{
		"first_name": {person.FirstName},
		"last_name":  {person.LastName},
	}
	if e := fieldmap.NormalizeEmail(person.Email); e != "" {
		form.Set("email", e)
	}
	if ph := fieldmap.PhoneDigits(person.Phone); ph != "" {
		form.Set("mobile_phone", ph)
	}
	if g := ccbGender(person.Gender); g != "" {
		form.Set("gender", g)
	}
	if person.BirthDate != "" {
		form.Set("birthday", person.BirthDate)
	}
	if person.FamilyID != "" {
		form.Set("family_id", person.FamilyID)
	}
	body, err := c.postForm(ctx, "create_individual", nil, form)
	if err != nil {
		return "", fmt.Errorf("ccb create person: %w", err)
	}
	rows, err := ccbElements[ccbIndividual]("create_individual", body, "individual")
	if err != nil {
		return "", fmt.Errorf("ccb create person: %w", err)
	}
	if len(rows) == 0 || strings.TrimSpace(rows[0].ID) == "" {
		return "", fmt.Errorf("ccb create person: no individual in response")
	}
	return strings.TrimSpace(rows[0].ID), nil
}

func (c *CCBAdapter) updateIndividual(ctx context.Context, id string, form url.Values) error {
	body, err := c.postForm(ctx, "update_individual", url.Values{"individual_id": {id}}, form)
	if err != nil {
		return err
	}
	_, err = ccbElements[ccbIndividual]("update_individual", body, "individual")
	return err
}

func (c *CCBAdapter) UpdatePerson(ctx context.Context, externalID string, update chms.PersonUpdate) error {
	if err := c.requireAuth(); err != nil {
		return err
	}
	form := url.Values{}
	if update.FirstName != nil {
		form.Set("first_name", *update.FirstName)
	}
	if update.LastName != nil {
		form.Set("last_name", *update.LastName)
	}
	if update.Email != nil {
		form.Set("email", fieldmap.NormalizeEmail(*update.Email))
	}
	if update.Phone != nil {
		form.Set("mobile_phone", fieldmap.PhoneDigits(*update.Phone))
	}
	if update.Gender != nil {
		form.Set("gender", ccbGender(*update.Gender))
	}
	if update.BirthDate != nil {
		form.Set("birthday", *update.BirthDate)
	}
	if len(form) == 0 {
		return nil
	}
	if err := c.updateIndividual(ctx, externalID, form); err != nil {
		return fmt.Errorf("ccb update person %s: %w", externalID, err)
	}
	return nil
}

// WriteActivity sends one update_individual per person. Each field has a
// fixed udf_text slot; fields beyond the six slots are not written.
func (c *CCBAdapter) WriteActivity(ctx context.Context, activities []chms.ActivityWriteBack) chms.WriteResult {
	var res chms.WriteResult
	if err := c.requireAuth(); err != nil {
		for _, a := range activities {
			c.recordFailure(&res, a.ExternalPersonID, "", err)
		}
		return res
	}
	for _, a := range activities {
		form := url.Values{}
		for _, f := range fieldmap.ActivityFields(a) {
			slot, ok := fieldmap.FieldSlot(f.Key, ccbCustomSlots)
			if !ok {
				continue
			}
			form.Set("udf_text_"+strconv.Itoa(slot), f.Value)
		}
		if len(form) == 0 {
			continue
		}
		if err := c.updateIndividual(ctx, a.ExternalPersonID, form); err != nil {
			c.recordFailure(&res, a.ExternalPersonID, "", err)
			continue
		}
		res.Succeeded++
	}
	return res
}
