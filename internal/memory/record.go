// Package memory holds each agent's weighted, timestamped record of what it
// experienced, with relevance and topic search over those records.
package memory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record id is not in the store.
var ErrNotFound = errors.New("memory record not found")

// Record types written by agent behaviours. The set is open-ended.
const (
	TypeDialogue           = "dialogue"
	TypeFailedDialogue     = "failed_dialogue"
	TypeDefaultSchedule    = "default_schedule"
	TypeDailyActivity      = "daily_activity"
	TypeTeaching           = "teaching"
	TypeLearnedFromTeacher = "learned_from_teacher"
	TypeQuestionAnswer     = "question_answer"
	TypeQuestionAsked      = "question_asked"
	TypeStudying           = "studying"
	TypeHelpRequest        = "help_request"
	TypeExamGrading        = "exam_grading"
	TypeExamResult         = "exam_result"
	TypeExamTaken          = "exam_taken"
	TypeExpertActivity     = "expert_activity"
	TypeStudentActivity    = "student_activity"
	TypeBattle             = "battle"
)

// Record is one memory. Inserting a record whose ID already exists replaces it.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Content   string         `json:"content"`
	Details   map[string]any `json:"details,omitempty"`
	// Weight 0 means unset; Store.Add stores it as 1.0.
	Weight    float64        `json:"weight"`
}

// NewRecord builds a record with a fresh id. Timestamp is filled by Store.Add.
func NewRecord(typ, content string, details map[string]any, weight float64) Record {
	return Record{
		ID:      uuid.NewString(),
		Type:    typ,
		Content: content,
		Details: details,
		Weight:  weight,
	}
}
