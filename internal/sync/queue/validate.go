package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// MaxMessageContentBytes bounds a single chat message.
const MaxMessageContentBytes = 32 * 1024

// MoodEntryPayload is the shape of a mood_entry payload.
type MoodEntryPayload struct {
	MoodScore  int      `json:"mood_score" validate:"required,min=1,max=10"`
	Emotions   []string `json:"emotions" validate:"omitempty,max=20,dive,min=1,max=40"`
	Notes      string   `json:"notes" validate:"max=5000"`
	RecordedAt string   `json:"recorded_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// MessagePayload is the shape of a message payload.
type MessagePayload struct {
	ConversationID string `json:"conversation_id" validate:"required,max=128"`
	Role           string `json:"role" validate:"required,oneof=user assistant system"`
	Content        string `json:"content" validate:"required,notblank,maxbytes"`
	SentAt         string `json:"sent_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// CrisisEventPayload is the shape of a crisis_event payload.
type CrisisEventPayload struct {
	Severity       string   `json:"severity" validate:"required,oneof=low medium high critical"`
	Description    string   `json:"description" validate:"max=10000"`
	Location       string   `json:"location" validate:"max=500"`
	ContactNotes   string   `json:"contact_notes" validate:"max=5000"`
	ResourcesShown []string `json:"resources_shown" validate:"omitempty,dive,min=1"`
	OccurredAt     string   `json:"occurred_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// JournalEntryPayload is the shape of a journal_entry payload.
type JournalEntryPayload struct {
	Title string `json:"title" validate:"max=200"`
	Body  string `json:"body" validate:"required,notblank,max=100000"`
}

// payloadValidate is the validator instance for queue payloads.
// Initialized in init() with custom validators.
var payloadValidate *validator.Validate

func init() {
	payloadValidate = validator.New()
	_ = payloadValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = payloadValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateMaxBytes checks byte length rather than rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// payloadShapes maps item types onto the struct their payload must decode into.
var payloadShapes = map[models.ItemType]func() interface{}{
	models.ItemMoodEntry:    func() interface{} { return &MoodEntryPayload{} },
	models.ItemMessage:      func() interface{} { return &MessagePayload{} },
	models.ItemCrisisEvent:  func() interface{} { return &CrisisEventPayload{} },
	models.ItemJournalEntry: func() interface{} { return &JournalEntryPayload{} },
}

// ValidatePayload checks payload against the shape registered for t.
// Fields not named by the shape are allowed through untouched.
func ValidatePayload(t models.ItemType, payload map[string]interface{}) error {
	shape, ok := payloadShapes[t]
	if !ok {
		return apperrors.Newf(apperrors.ErrValidation, "unknown item type %q", t)
	}
	if len(payload) == 0 {
		return apperrors.Newf(apperrors.ErrValidation, "%s payload is empty", t)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "payload is not serializable", err)
	}
	target := shape()
	if err := json.Unmarshal(raw, target); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("malformed %s payload", t), err)
	}
	if err := payloadValidate.Struct(target); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("invalid %s payload", t), err)
	}
	return nil
}
