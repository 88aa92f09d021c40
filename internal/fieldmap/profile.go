package fieldmap

import (
	"strings"
	"time"

	"github.com/Napageneral/chms/internal/chms"
)

// Profile is the set of local identity fields mirrored from a provider.
// Empty strings and nil pointers mean "no value from the provider".
type Profile struct {
	FirstName string
	LastName  string
	Nickname  string
	Email     string
	Phone     string
	Gender    string
	BirthDate string
	Grade     *int
	Role      string
}

// ProfileFromPerson maps a normalized person onto local profile fields.
func ProfileFromPerson(p chms.Person, now time.Time) Profile {
	return Profile{
		FirstName: strings.TrimSpace(p.FirstName),
		LastName:  strings.TrimSpace(p.LastName),
		Nickname:  strings.TrimSpace(p.Nickname),
		Email:     NormalizeEmail(p.Email),
		Phone:     NormalizePhone(p.Phone),
		Gender:    string(p.Gender),
		BirthDate: ParseBirthDate(p.BirthDate),
		Grade:     ReconcileGrade(p.Grade, p.GraduationYear, now),
		Role:      MemberRoleForPerson(p, now),
	}
}

// MergeProfile applies incoming provider values over the current local
// values field by field. A non-empty incoming value wins; an empty one keeps
// the local value. changed reports whether anything differs.
func MergeProfile(current, incoming Profile) (merged Profile, changed bool) {
	merged = current
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&merged.FirstName, incoming.FirstName)
	set(&merged.LastName, incoming.LastName)
	set(&merged.Nickname, incoming.Nickname)
	set(&merged.Email, incoming.Email)
	set(&merged.Phone, incoming.Phone)
	set(&merged.Gender, incoming.Gender)
	set(&merged.BirthDate, incoming.BirthDate)
	if incoming.Grade != nil && (merged.Grade == nil || *merged.Grade != *incoming.Grade) {
		g := *incoming.Grade
		merged.Grade = &g
		changed = true
	}
	return merged, changed
}

// PersonFromProfile builds the outbound shape for CreatePerson. A local
// grade is sent as a graduation year, which does not go stale.
func PersonFromProfile(p Profile, now time.Time) chms.Person {
	out := chms.Person{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Nickname:  p.Nickname,
		Email:     p.Email,
		Phone:     NormalizePhone(p.Phone),
		Gender:    chms.Gender(p.Gender),
		BirthDate: p.BirthDate,
	}
	if p.Grade != nil {
		y := GraduationYearFromGrade(*p.Grade, now)
		out.GraduationYear = &y
	}
	return out
}
