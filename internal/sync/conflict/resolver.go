// Package conflict provides conflict resolution for multi-device
// synchronization: last write wins, field merge and user choice, with a
// permanent, redacted history of every resolution.
package conflict

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/logging"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/uuid"
)

// Version is one side of a conflict.
type Version struct {
	ID        string
	ItemType  models.ItemType
	Data      map[string]interface{}
	UpdatedAt time.Time
}

// Conflict is a detected divergence between a local and a remote version of
// the same record.
type Conflict struct {
	ConflictID string
	UserID     string
	ItemID     string
	ItemType   models.ItemType
	Local      *Version
	Remote     *Version
	DetectedAt time.Time
}

// Candidate labels offered to the user.
const (
	CandidateLocal  = "local"
	CandidateServer = "server"
	CandidateMerge  = "merge"
)

// Candidate is one version the user can pick.
type Candidate struct {
	Label string                 `json:"label"`
	Data  map[string]interface{} `json:"data"`
}

// FieldDiff describes one conflicting field.
type FieldDiff struct {
	Field  string      `json:"field"`
	Local  interface{} `json:"local"`
	Remote interface{} `json:"remote"`
	// Patch is a textual patch from the local to the remote value for
	// string fields.
	Patch string `json:"patch,omitempty"`
}

// Resolution is the outcome of ResolveConflict.
type Resolution struct {
	ConflictID        string                    `json:"conflict_id"`
	ItemID            string                    `json:"item_id"`
	Strategy          models.ResolutionStrategy `json:"strategy"`
	Winner            models.Winner             `json:"winner"`
	Resolution        string                    `json:"resolution"`
	Data              map[string]interface{}    `json:"data,omitempty"`
	MergedFields      []string                  `json:"merged_fields,omitempty"`
	ConflictingFields []string                  `json:"conflicting_fields,omitempty"`
	RequiresUserInput bool                      `json:"requires_user_input"`
	Candidates        []Candidate               `json:"candidates,omitempty"`
	Diffs             []FieldDiff               `json:"diffs,omitempty"`
	RemoteUpdatedAt   time.Time                 `json:"remote_updated_at"`
	ResolvedAt        time.Time                 `json:"resolved_at"`
}

// HistoryStore keeps every conflict record. Records are never deleted.
type HistoryStore interface {
	AppendConflict(ctx context.Context, c *models.Conflict) error
	// ListConflicts returns the newest records of userID first.
	ListConflicts(ctx context.Context, userID string, limit int) ([]*models.Conflict, error)
}

// Resolver settles conflicts.
type Resolver struct {
	history  HistoryStore
	policies Policies
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingChoice
}

type pendingChoice struct {
	conflict   *Conflict
	resolution *Resolution
}

// NewResolver creates a Resolver. A nil policies uses DefaultPolicies.
func NewResolver(history HistoryStore, policies Policies) *Resolver {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Resolver{
		history:  history,
		policies: policies,
		now:      time.Now,
		pending:  make(map[string]*pendingChoice),
	}
}

// SetClock replaces the time source.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// Policies returns the field policies in use.
func (r *Resolver) Policies() Policies {
	return r.policies
}

// DetectConflict reports whether local and remote diverge. base is the
// remote updated_at the client last observed; a remote version not newer
// than base is not a conflict. Versions that agree on every compared field
// are not a conflict either.
func (r *Resolver) DetectConflict(userID string, base *time.Time, local, remote *Version) (*Conflict, bool) {
	if local == nil || remote == nil {
		return nil, false
	}
	if base != nil && !remote.UpdatedAt.After(*base) {
		return nil, false
	}
	if len(differingFields(local.Data, remote.Data)) == 0 {
		return nil, false
	}

	c := &Conflict{
		ConflictID: uuid.New(),
		UserID:     userID,
		ItemID:     local.ID,
		ItemType:   local.ItemType,
		Local:      local,
		Remote:     remote,
		DetectedAt: r.now().UTC(),
	}
	logging.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"conflict_id":      c.ConflictID,
		"item_id":          c.ItemID,
		"local_timestamp":  local.UpdatedAt,
		"remote_timestamp": remote.UpdatedAt,
	})
	return c, true
}

// ResolveConflict settles c with strategy and appends the outcome to the
// history.
func (r *Resolver) ResolveConflict(ctx context.Context, c *Conflict, strategy models.ResolutionStrategy) (*Resolution, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.ConflictID == "" {
		c.ConflictID = uuid.New()
	}
	if c.ItemType == "" {
		c.ItemType = c.Local.ItemType
	}
	if c.ItemID == "" {
		c.ItemID = c.Local.ID
	}

	var res *Resolution
	switch strategy {
	case models.StrategyLastWriteWins:
		res = r.resolveLastWriteWins(c)
	case models.StrategyMerge:
		res = r.resolveMerge(c, true)
	case models.StrategyUserChoice:
		res = r.resolveUserChoice(c)
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown resolution strategy %q", strategy)
	}
	res.ConflictID = c.ConflictID
	res.ItemID = c.ItemID
	res.RemoteUpdatedAt = c.Remote.UpdatedAt
	res.ResolvedAt = r.now().UTC()

	if res.RequiresUserInput {
		r.mu.Lock()
		r.pending[c.ConflictID] = &pendingChoice{conflict: c, resolution: res}
		r.mu.Unlock()
	}

	if err := r.record(ctx, c, res); err != nil {
		return nil, err
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id":         c.ConflictID,
		"item_id":             c.ItemID,
		"strategy":            res.Strategy,
		"winner":              res.Winner,
		"requires_user_input": res.RequiresUserInput,
	})
	return res, nil
}

// ResolveMultiple resolves conflicts in order with one strategy.
func (r *Resolver) ResolveMultiple(ctx context.Context, conflicts []*Conflict, strategy models.ResolutionStrategy) ([]*Resolution, error) {
	results := make([]*Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		res, err := r.ResolveConflict(ctx, c, strategy)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// resolveLastWriteWins keeps the version with the later UpdatedAt in full.
// On a tie the server version wins.
func (r *Resolver) resolveLastWriteWins(c *Conflict) *Resolution {
	res := &Resolution{Strategy: models.StrategyLastWriteWins}
	if c.Local.UpdatedAt.After(c.Remote.UpdatedAt) {
		res.Winner = models.WinnerLocal
		res.Resolution = "local_wins"
		res.Data = models.ClonePayload(c.Local.Data)
	} else {
		res.Winner = models.WinnerServer
		res.Resolution = "remote_wins"
		res.Data = models.ClonePayload(c.Remote.Data)
	}
	return res
}

// resolveMerge unions both versions and settles differing fields by policy.
// With escalate set, a differing user_choice field turns the result into a
// user choice.
func (r *Resolver) resolveMerge(c *Conflict, escalate bool) *Resolution {
	merged := make(map[string]interface{}, len(c.Local.Data)+len(c.Remote.Data))
	for k, v := range c.Remote.Data {
		merged[k] = v
	}
	for k, v := range c.Local.Data {
		merged[k] = v
	}

	localNewer := c.Local.UpdatedAt.After(c.Remote.UpdatedAt)
	var mergedFields, escalated []string
	for _, field := range differingFields(c.Local.Data, c.Remote.Data) {
		switch r.policies.For(c.ItemType, field) {
		case PolicyRemote:
			merged[field] = c.Remote.Data[field]
		case PolicyLatest:
			if !localNewer {
				merged[field] = c.Remote.Data[field]
			}
		case PolicyUserChoice:
			if escalate {
				escalated = append(escalated, field)
				continue
			}
			mergedFields = append(mergedFields, field)
		default:
			mergedFields = append(mergedFields, field)
		}
	}
	stampUpdatedAt(merged, c)

	if len(escalated) > 0 {
		return r.pendingResolution(c, models.StrategyMerge, escalated, merged)
	}
	return &Resolution{
		Strategy:     models.StrategyMerge,
		Winner:       models.WinnerMerged,
		Resolution:   "merged",
		Data:         models.ClonePayload(merged),
		MergedFields: mergedFields,
	}
}

// resolveUserChoice asks the user about conflicting scalar fields. Without
// any, the versions are merged.
func (r *Resolver) resolveUserChoice(c *Conflict) *Resolution {
	var scalars []string
	for _, field := range differingFields(c.Local.Data, c.Remote.Data) {
		if isScalar(c.Local.Data[field]) && isScalar(c.Remote.Data[field]) {
			scalars = append(scalars, field)
		}
	}
	merged := r.resolveMerge(c, false)
	if len(scalars) == 0 {
		merged.Strategy = models.StrategyUserChoice
		return merged
	}
	return r.pendingResolution(c, models.StrategyUserChoice, scalars, merged.Data)
}

func (r *Resolver) pendingResolution(c *Conflict, strategy models.ResolutionStrategy, fields []string, merged map[string]interface{}) *Resolution {
	sort.Strings(fields)
	res := &Resolution{
		Strategy:          strategy,
		Winner:            models.WinnerPending,
		Resolution:        string(models.WinnerPending),
		ConflictingFields: fields,
		RequiresUserInput: true,
		Candidates: []Candidate{
			{Label: CandidateLocal, Data: models.ClonePayload(c.Local.Data)},
			{Label: CandidateServer, Data: models.ClonePayload(c.Remote.Data)},
			{Label: CandidateMerge, Data: models.ClonePayload(merged)},
		},
	}
	dmp := diffmatchpatch.New()
	for _, f := range fields {
		d := FieldDiff{Field: f, Local: c.Local.Data[f], Remote: c.Remote.Data[f]}
		ls, lok := d.Local.(string)
		rs, rok := d.Remote.(string)
		if lok && rok {
			d.Patch = dmp.PatchToText(dmp.PatchMake(ls, rs))
		}
		res.Diffs = append(res.Diffs, d)
	}
	return res
}

// ResolveUserChoice settles a pending conflict with the candidate the user
// picked and records the decision.
func (r *Resolver) ResolveUserChoice(ctx context.Context, conflictID, choice string) (*Resolution, error) {
	r.mu.Lock()
	p, ok := r.pending[conflictID]
	r.mu.Unlock()
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no pending conflict %s", conflictID)
	}

	var data map[string]interface{}
	var winner models.Winner
	for _, cand := range p.resolution.Candidates {
		if cand.Label == choice {
			data = cand.Data
		}
	}
	switch choice {
	case CandidateLocal:
		winner = models.WinnerLocal
	case CandidateServer:
		winner = models.WinnerServer
	case CandidateMerge:
		winner = models.WinnerMerged
	default:
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown choice %q", choice)
	}

	res := &Resolution{
		ConflictID:        conflictID,
		ItemID:            p.conflict.ItemID,
		Strategy:          p.resolution.Strategy,
		Winner:            winner,
		Resolution:        "user_choice:" + choice,
		Data:              models.ClonePayload(data),
		ConflictingFields: p.resolution.ConflictingFields,
		RemoteUpdatedAt:   p.conflict.Remote.UpdatedAt,
		ResolvedAt:        r.now().UTC(),
	}
	if err := r.record(ctx, p.conflict, res); err != nil {
		return nil, err
	}

	r.mu.Lock()
	delete(r.pending, conflictID)
	r.mu.Unlock()
	return res, nil
}

// Pending returns the unresolved user-choice resolution for conflictID.
func (r *Resolver) Pending(conflictID string) (*Resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[conflictID]
	if !ok {
		return nil, false
	}
	return p.resolution, true
}

// GetConflictHistory returns the newest conflict records of userID first.
func (r *Resolver) GetConflictHistory(ctx context.Context, userID string, limit int) ([]*models.Conflict, error) {
	if r.history == nil {
		return nil, nil
	}
	return r.history.ListConflicts(ctx, userID, limit)
}

func (r *Resolver) record(ctx context.Context, c *Conflict, res *Resolution) error {
	if r.history == nil {
		return nil
	}
	rec := &models.Conflict{
		ConflictID:         c.ConflictID,
		UserID:             c.UserID,
		ItemID:             c.ItemID,
		ItemType:           c.ItemType,
		LocalVersion:       models.Redact(c.ItemType, c.Local.Data),
		RemoteVersion:      models.Redact(c.ItemType, c.Remote.Data),
		LocalUpdatedAt:     c.Local.UpdatedAt,
		RemoteUpdatedAt:    c.Remote.UpdatedAt,
		ResolutionStrategy: res.Strategy,
		Resolution:         res.Resolution,
		Winner:             res.Winner,
		ConflictingFields:  res.ConflictingFields,
		RequiresUserInput:  res.RequiresUserInput,
		ResolvedAt:         res.ResolvedAt,
	}
	if err := r.history.AppendConflict(ctx, rec); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "append conflict history", err)
	}
	return nil
}

// stampUpdatedAt gives a merged record the later of both timestamps when
// the versions carry one.
func stampUpdatedAt(merged map[string]interface{}, c *Conflict) {
	if _, ok := merged["updated_at"]; !ok {
		return
	}
	if c.Local.UpdatedAt.After(c.Remote.UpdatedAt) {
		merged["updated_at"] = c.Local.Data["updated_at"]
	} else if v, ok := c.Remote.Data["updated_at"]; ok {
		merged["updated_at"] = v
	}
}

// differingFields returns, sorted, the non-metadata fields present in both
// versions with different values.
func differingFields(local, remote map[string]interface{}) []string {
	var out []string
	for k, lv := range local {
		if metadataFields[k] {
			continue
		}
		rv, ok := remote[k]
		if !ok {
			continue
		}
		if !valuesEqual(lv, rv) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// valuesEqual compares decoded values, treating numbers of different Go
// types as equal when they hold the same value.
func valuesEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	switch at := a.(type) {
	case map[string]interface{}:
		bt, ok := b.(map[string]interface{})
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, v := range at {
			if w, ok := bt[k]; !ok || !valuesEqual(v, w) {
				return false
			}
		}
		return true
	case []interface{}:
		bt, ok := b.([]interface{})
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !valuesEqual(at[i], bt[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return false
	}
	return true
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both versions must be non-nil"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}

// String renders a resolution for logs without payload contents.
func (r *Resolution) String() string {
	return fmt.Sprintf("conflict %s: %s (%s)", r.ConflictID, r.Resolution, r.Strategy)
}
