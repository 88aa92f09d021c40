package fieldmap

import "time"

const (
	minGrade = 0 // kindergarten
	maxGrade = 12
)

// SchoolYearEnd returns the calendar year in which the school year that is
// current at now ends. Years roll over on July 1.
func SchoolYearEnd(now time.Time) int {
	if now.Month() >= time.July {
		return now.Year() + 1
	}
	return now.Year()
}

// GradeFromGraduationYear derives the current grade (K=0 .. 12) from a high
// school graduation year. ok is false for graduates and for children not yet
// in kindergarten.
func GradeFromGraduationYear(year int, now time.Time) (int, bool) {
	if year <= 0 {
		return 0, false
	}
	grade := maxGrade - (year - SchoolYearEnd(now))
	if grade < minGrade || grade > maxGrade {
		return 0, false
	}
	return grade, true
}

// GraduationYearFromGrade is the inverse of GradeFromGraduationYear.
func GraduationYearFromGrade(grade int, now time.Time) int {
	return SchoolYearEnd(now) + (maxGrade - grade)
}

// ReconcileGrade picks the grade to store locally. A graduation year is
// stable across school years and wins when present; an explicit grade is used
// otherwise. Out-of-range values yield nil.
func ReconcileGrade(grade, graduationYear *int, now time.Time) *int {
	if graduationYear != nil {
		if g, ok := GradeFromGraduationYear(*graduationYear, now); ok {
			return &g
		}
		return nil
	}
	if grade != nil && *grade >= minGrade && *grade <= maxGrade {
		g := *grade
		return &g
	}
	return nil
}

// ParseBirthDate accepts the date formats providers emit and returns
// YYYY-MM-DD, or "" when the value is unusable.
func ParseBirthDate(s string) string {
	layouts := []string{
		"2006-01-02",
		"2006-01-02T15:04:05",
		time.RFC3339,
		"2006-01-02 15:04:05",
		"01/02/2006",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() <= 1800 {
				return ""
			}
			return t.Format("2006-01-02")
		}
	}
	return ""
}
