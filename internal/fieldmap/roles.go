package fieldmap

import (
	"strings"
	"time"

	"github.com/Napageneral/chms/internal/chms"
)

// Local organization membership roles.
const (
	RoleStudent  = "student"
	RoleGuardian = "guardian"
	RoleLeader   = "leader"
	RoleMember   = "member"
)

// ParseFamilyRole maps provider family-position vocabularies (CCB's single
// letters, spelled-out positions) onto the canonical roles.
func ParseFamilyRole(code string) chms.FamilyRole {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "h", "head", "head of household", "primary contact", "primary", "adult":
		return chms.FamilyRoleHead
	case "s", "spouse", "wife", "husband":
		return chms.FamilyRoleSpouse
	case "c", "child", "son", "daughter":
		return chms.FamilyRoleChild
	default:
		return chms.FamilyRoleOther
	}
}

// RoleFromOrdinal maps Rock's family group role ordering onto canonical
// roles. The first ordinal is the adult role; everything after it is a child.
// Adults always come back as head because the ordinal cannot tell a head of
// household from a spouse.
func RoleFromOrdinal(order int) chms.FamilyRole {
	if order == 0 {
		return chms.FamilyRoleHead
	}
	return chms.FamilyRoleChild
}

// MemberRoleForPerson picks the local membership role for an imported person.
func MemberRoleForPerson(p chms.Person, now time.Time) string {
	if p.FamilyRole == chms.FamilyRoleChild {
		return RoleStudent
	}
	if ReconcileGrade(p.Grade, p.GraduationYear, now) != nil {
		return RoleStudent
	}
	if p.FamilyRole.IsGuardian() {
		return RoleGuardian
	}
	return RoleMember
}

// MemberRoleForFamily picks the local membership role for a household member.
func MemberRoleForFamily(role chms.FamilyRole) string {
	switch role {
	case chms.FamilyRoleHead, chms.FamilyRoleSpouse:
		return RoleGuardian
	case chms.FamilyRoleChild:
		return RoleStudent
	default:
		return RoleMember
	}
}

// MemberRoleForGroup picks the local membership role for a group member.
func MemberRoleForGroup(role chms.GroupRole) string {
	if role == chms.GroupRoleLeader {
		return RoleLeader
	}
	return RoleMember
}
