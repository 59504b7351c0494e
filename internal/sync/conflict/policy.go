package conflict

import "github.com/kimhsiao/mindharbor/backend/internal/models"

// FieldPolicy decides how the merge strategy settles a field that differs
// between the local and remote version.
type FieldPolicy string

const (
	// PolicyLocal keeps the local value and flags the field as merged.
	PolicyLocal FieldPolicy = "local"
	// PolicyRemote keeps the remote value.
	PolicyRemote FieldPolicy = "remote"
	// PolicyLatest keeps the value from the version updated last.
	PolicyLatest FieldPolicy = "latest"
	// PolicyUserChoice escalates the whole conflict to the user.
	PolicyUserChoice FieldPolicy = "user_choice"
)

// metadataFields never take part in conflict comparison.
var metadataFields = map[string]bool{
	"id":         true,
	"server_id":  true,
	"temp_id":    true,
	"user_id":    true,
	"device_id":  true,
	"created_at": true,
	"updated_at": true,
}

// Policies maps item type and field onto a FieldPolicy. Fields without an
// entry use PolicyLocal.
type Policies map[models.ItemType]map[string]FieldPolicy

// DefaultPolicies classifies the clinically meaningful fields that must
// never be merged silently.
func DefaultPolicies() Policies {
	return Policies{
		models.ItemMoodEntry: {
			"mood_score": PolicyUserChoice,
		},
		models.ItemMessage: {
			"content": PolicyUserChoice,
		},
		models.ItemCrisisEvent: {
			"severity":        PolicyUserChoice,
			"resources_shown": PolicyRemote,
		},
		models.ItemJournalEntry: {
			"title": PolicyLatest,
		},
	}
}

// For returns the policy of field in item type t.
func (p Policies) For(t models.ItemType, field string) FieldPolicy {
	if fields, ok := p[t]; ok {
		if policy, ok := fields[field]; ok {
			return policy
		}
	}
	return PolicyLocal
}
