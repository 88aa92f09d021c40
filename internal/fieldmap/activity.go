package fieldmap

import (
	"strconv"
	"strings"

	"github.com/Napageneral/chms/internal/chms"
)

// Field is one custom-field value written back to a provider.
type Field struct {
	// Key is the snake_case field name (PCO slug, CCB label).
	Key string
	// Name is the CamelCase attribute name (Rock attribute key suffix).
	Name  string
	Value string
}

// Write-back field keys in priority order. Providers with a finite number of
// custom-field slots keep the first N.
const (
	FieldLastCheckIn     = "last_check_in"
	FieldBelongingStatus = "belonging_status"
	FieldTotalCheckIns   = "total_check_ins"
	FieldTotalPoints     = "total_points"
	FieldLastText        = "last_text"
	FieldLastInteraction = "last_interaction"
)

// FieldPriority lists every write-back field, highest priority first.
var FieldPriority = []string{
	FieldLastCheckIn,
	FieldBelongingStatus,
	FieldTotalCheckIns,
	FieldTotalPoints,
	FieldLastText,
	FieldLastInteraction,
}

// FieldSlot returns the fixed 1-based slot for a field when a provider only
// has slots custom fields. A field keeps the same slot for every person, so
// a missing value never shifts other values into the wrong column.
func FieldSlot(key string, slots int) (int, bool) {
	for i, k := range FieldPriority {
		if k != key {
			continue
		}
		if slots >= 0 && i >= slots {
			return 0, false
		}
		return i + 1, true
	}
	return 0, false
}

var fieldNames = map[string]string{
	FieldLastCheckIn:     "LastCheckIn",
	FieldBelongingStatus: "BelongingStatus",
	FieldTotalCheckIns:   "TotalCheckIns",
	FieldTotalPoints:     "TotalPoints",
	FieldLastText:        "LastText",
	FieldLastInteraction: "LastInteraction",
}

const dateLayout = "2006-01-02"

// ActivityFields flattens a write-back entry into custom fields, highest
// priority first. Unset values are omitted.
func ActivityFields(a chms.ActivityWriteBack) []Field {
	var out []Field
	add := func(key, value string) {
		out = append(out, Field{Key: key, Name: fieldNames[key], Value: value})
	}
	if a.LastCheckIn != nil {
		add(FieldLastCheckIn, a.LastCheckIn.UTC().Format(dateLayout))
	}
	if s := strings.TrimSpace(a.BelongingStatus); s != "" {
		add(FieldBelongingStatus, s)
	}
	if a.TotalCheckIns != nil {
		add(FieldTotalCheckIns, strconv.Itoa(*a.TotalCheckIns))
	}
	if a.TotalPoints != nil {
		add(FieldTotalPoints, strconv.Itoa(*a.TotalPoints))
	}
	if a.LastText != nil {
		add(FieldLastText, a.LastText.UTC().Format(dateLayout))
	}
	if a.Interaction != nil && strings.TrimSpace(a.Interaction.Summary) != "" {
		add(FieldLastInteraction, InteractionLine(*a.Interaction))
	}
	return out
}

// InteractionLine renders an interaction as a single text value.
func InteractionLine(i chms.Interaction) string {
	parts := []string{}
	if !i.Date.IsZero() {
		parts = append(parts, i.Date.UTC().Format(dateLayout))
	}
	if c := strings.TrimSpace(i.ComponentName); c != "" {
		parts = append(parts, c)
	}
	if s := strings.TrimSpace(i.Summary); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " - ")
}

// AttributeKey joins a prefix and a field's CamelCase name.
func AttributeKey(prefix string, f Field) string {
	return prefix + f.Name
}

// Slug joins a prefix and a field's snake_case key.
func Slug(prefix string, f Field) string {
	return prefix + f.Key
}
