package models

import (
	"time"

	"github.com/google/uuid"
)

// Option is one answer choice of a poll question.
type Option struct {
	Text      string `json:"text" bson:"text"`
	IsCorrect bool   `json:"is_correct" bson:"is_correct"`
	Votes     int    `json:"votes" bson:"votes"`
}

// Question is a multiple-choice poll asked by the presenter.
type Question struct {
	ID               uuid.UUID `json:"id"`
	Text             string    `json:"text"`
	Options          []Option  `json:"options"`
	TimeLimitSeconds int       `json:"time_limit_seconds"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
}

// Clone returns a deep copy so vote counts can be changed without touching the original.
func (q *Question) Clone() *Question {
	if q == nil {
		return nil
	}
	cp := *q
	cp.Options = make([]Option, len(q.Options))
	copy(cp.Options, q.Options)
	return &cp
}

// TotalVotes sums votes across all options.
func (q *Question) TotalVotes() int {
	total := 0
	for _, o := range q.Options {
		total += o.Votes
	}
	return total
}

// OptionDraft is an option as submitted by the presenter (votes always start at zero).
type OptionDraft struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// QuestionDraft is the presenter's ask-question input before it is validated and stored.
type QuestionDraft struct {
	Text             string        `json:"text"`
	Options          []OptionDraft `json:"options"`
	TimeLimitSeconds int           `json:"time_limit_seconds"`
}

// Participant is a connected student.
type Participant struct {
	ConnectionID string `json:"connection_id"`
	Name         string `json:"name"`
}
