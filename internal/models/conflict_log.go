package models

import "time"

// ResolutionStrategy names how a conflict is settled.
type ResolutionStrategy string

const (
	StrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	StrategyMerge         ResolutionStrategy = "merge"
	StrategyUserChoice    ResolutionStrategy = "user_choice"
)

// Valid reports whether s is a known resolution strategy.
func (s ResolutionStrategy) Valid() bool {
	return s == StrategyLastWriteWins || s == StrategyMerge || s == StrategyUserChoice
}

// Winner names the side a resolution kept.
type Winner string

const (
	WinnerLocal   Winner = "local"
	WinnerServer  Winner = "server"
	WinnerMerged  Winner = "merged"
	WinnerPending Winner = "pending_user_input"
)

// Conflict is a permanent record of one divergence and how it was resolved.
// Sensitive fields in the stored versions are redacted.
type Conflict struct {
	ConflictID         string                 `json:"conflict_id" msgpack:"conflict_id"`
	UserID             string                 `json:"user_id" msgpack:"user_id"`
	ItemID             string                 `json:"item_id" msgpack:"item_id"`
	ItemType           ItemType               `json:"item_type" msgpack:"item_type"`
	LocalVersion       map[string]interface{} `json:"local_version" msgpack:"local_version"`
	RemoteVersion      map[string]interface{} `json:"remote_version" msgpack:"remote_version"`
	LocalUpdatedAt     time.Time              `json:"local_updated_at" msgpack:"local_updated_at"`
	RemoteUpdatedAt    time.Time              `json:"remote_updated_at" msgpack:"remote_updated_at"`
	ResolutionStrategy ResolutionStrategy     `json:"resolution_strategy" msgpack:"resolution_strategy"`
	Resolution         string                 `json:"resolution" msgpack:"resolution"`
	Winner             Winner                 `json:"winner" msgpack:"winner"`
	ConflictingFields  []string               `json:"conflicting_fields,omitempty" msgpack:"conflicting_fields"`
	RequiresUserInput  bool                   `json:"requires_user_input" msgpack:"requires_user_input"`
	ResolvedAt         time.Time              `json:"resolved_at" msgpack:"resolved_at"`
}

// RedactedValue replaces sensitive field values in persisted conflict records.
const RedactedValue = "[encrypted]"

// Redact returns a copy of data with sensitive fields of type t replaced.
func Redact(t ItemType, data map[string]interface{}) map[string]interface{} {
	out := ClonePayload(data)
	for k := range out {
		if IsSensitive(t, k) {
			out[k] = RedactedValue
		}
	}
	return out
}
