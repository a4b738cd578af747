package session

import (
	"errors"

	"github.com/classpulse/backend/internal/tally"
)

// Errors reported to the requesting connection. None of them change session state.
var (
	ErrEmptyName       = errors.New("name must not be empty")
	ErrNameTaken       = errors.New("this name is already taken, please use a different name")
	ErrAlreadyJoined   = errors.New("connection already joined")
	ErrNotJoined       = errors.New("join as a participant before answering")
	ErrAlreadyVoted    = errors.New("already answered this question")
	ErrInvalidQuestion = errors.New("invalid question")
	ErrForbidden       = errors.New("only the presenter can do that")
	ErrPersistence     = errors.New("could not save, please try again")
	ErrStopped         = errors.New("session coordinator stopped")
)

// ErrQuestionNotFound is returned by a Store when the question row is gone.
// Persistence gives up on it immediately instead of retrying.
var ErrQuestionNotFound = errors.New("question not found")

// ErrorCode maps an error to the code sent in protocol.Error replies.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrEmptyName):
		return "invalid_name"
	case errors.Is(err, ErrNameTaken):
		return "name_taken"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, ErrInvalidQuestion):
		return "invalid_question"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPersistence):
		return "persistence_failed"
	case errors.Is(err, tally.ErrStaleQuestion):
		return "stale_question"
	case errors.Is(err, tally.ErrOptionOutOfRange):
		return "invalid_option"
	default:
		return "internal"
	}
}
