package session

import (
	"strings"

	"github.com/classpulse/backend/internal/models"
)

// State is the live session record. It is not safe for concurrent use;
// the Coordinator is its only writer and serializes access.
type State struct {
	active           *models.Question
	remaining        int
	countdownRunning bool
	participants     []models.Participant
}

// NewState returns an empty session.
func NewState() *State {
	return &State{}
}

// ActiveQuestion returns the current question or nil. Callers must not modify it.
func (s *State) ActiveQuestion() *models.Question { return s.active }

// Remaining returns the countdown value in seconds.
func (s *State) Remaining() int { return s.remaining }

// CountdownRunning reports whether the active question still accepts answers.
func (s *State) CountdownRunning() bool { return s.countdownRunning }

// Participants returns a copy of the roster in join order.
func (s *State) Participants() []models.Participant {
	out := make([]models.Participant, len(s.participants))
	copy(out, s.participants)
	return out
}

// Participant looks up a roster entry by connection.
func (s *State) Participant(connID string) (models.Participant, bool) {
	for _, p := range s.participants {
		if p.ConnectionID == connID {
			return p, true
		}
	}
	return models.Participant{}, false
}

// NameTaken reports whether a connected participant already uses name (trimmed, case-insensitive).
func (s *State) NameTaken(name string) bool {
	key := normalizeName(name)
	for _, p := range s.participants {
		if normalizeName(p.Name) == key {
			return true
		}
	}
	return false
}

// SetActiveQuestion replaces the active question and arms its countdown value.
func (s *State) SetActiveQuestion(q *models.Question) {
	s.active = q
	s.remaining = q.TimeLimitSeconds
	s.countdownRunning = true
}

// UpdateActiveQuestion swaps in a newer copy of the active question (same id).
func (s *State) UpdateActiveQuestion(q *models.Question) bool {
	if s.active == nil || q == nil || s.active.ID != q.ID {
		return false
	}
	s.active = q
	return true
}

// ClearActiveQuestion drops the active question.
func (s *State) ClearActiveQuestion() {
	s.active = nil
	s.remaining = 0
	s.countdownRunning = false
}

// Tick records a countdown value. Values never go up or below zero.
func (s *State) Tick(remaining int) {
	if remaining < 0 {
		remaining = 0
	}
	if remaining < s.remaining {
		s.remaining = remaining
	}
}

// Expire marks the countdown as finished. The question stays visible.
func (s *State) Expire() {
	s.remaining = 0
	s.countdownRunning = false
	if s.active != nil {
		closed := s.active.Clone()
		closed.IsActive = false
		s.active = closed
	}
}

// AddParticipant appends p to the roster. It does not check names; use NameTaken first.
func (s *State) AddParticipant(p models.Participant) {
	s.participants = append(s.participants, p)
}

// RemoveParticipant deletes the entry for connID and reports whether one existed.
func (s *State) RemoveParticipant(connID string) (models.Participant, bool) {
	for i, p := range s.participants {
		if p.ConnectionID == connID {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			return p, true
		}
	}
	return models.Participant{}, false
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
