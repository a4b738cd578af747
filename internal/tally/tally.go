// Package tally aggregates votes for a poll question.
package tally

import (
	"errors"
	"math"

	"github.com/google/uuid"

	"github.com/classpulse/backend/internal/models"
)

var (
	// ErrStaleQuestion is returned when a vote targets a question other than the given one.
	ErrStaleQuestion = errors.New("question is no longer active")
	// ErrOptionOutOfRange is returned for an option index outside the question's options.
	ErrOptionOutOfRange = errors.New("option index out of range")
)

// OptionResult is one option with its vote count and rounded share.
type OptionResult struct {
	Text       string `json:"text"`
	IsCorrect  bool   `json:"is_correct"`
	Votes      int    `json:"votes"`
	Percentage int    `json:"percentage"`
}

// Results is a read-only summary of a question's tally.
type Results struct {
	QuestionID uuid.UUID      `json:"question_id"`
	Text       string         `json:"text"`
	TotalVotes int            `json:"total_votes"`
	Options    []OptionResult `json:"options"`
}

// RecordVote adds exactly one vote to q.Options[optionIndex].
// questionID must match q.ID; q is left untouched on error.
func RecordVote(q *models.Question, questionID uuid.UUID, optionIndex int) error {
	if q == nil || q.ID != questionID {
		return ErrStaleQuestion
	}
	if optionIndex < 0 || optionIndex >= len(q.Options) {
		return ErrOptionOutOfRange
	}
	q.Options[optionIndex].Votes++
	return nil
}

// Percentages rounds each option's share independently (half-up), so the
// values do not necessarily add up to 100. All zero when nobody voted.
func Percentages(q *models.Question) []int {
	if q == nil {
		return nil
	}
	out := make([]int, len(q.Options))
	total := q.TotalVotes()
	if total == 0 {
		return out
	}
	for i, o := range q.Options {
		out[i] = int(math.Floor(float64(o.Votes)*100/float64(total) + 0.5))
	}
	return out
}

// Summarize builds Results for q.
func Summarize(q *models.Question) Results {
	pct := Percentages(q)
	res := Results{
		QuestionID: q.ID,
		Text:       q.Text,
		TotalVotes: q.TotalVotes(),
		Options:    make([]OptionResult, len(q.Options)),
	}
	for i, o := range q.Options {
		res.Options[i] = OptionResult{Text: o.Text, IsCorrect: o.IsCorrect, Votes: o.Votes, Percentage: pct[i]}
	}
	return res
}
