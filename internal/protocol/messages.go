// Package protocol defines the WebSocket message contract between clients and the session coordinator.
// Inbound and Outbound are closed sets: only the types in this file implement them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/classpulse/backend/internal/models"
)

// Client to server events.
const (
	EventJoinAsParticipant      = "join_as_participant"
	EventJoinAsPresenter        = "join_as_presenter"
	EventRequestCurrentQuestion = "request_current_question"
	EventAskQuestion            = "ask_question"
	EventSubmitAnswer           = "submit_answer"
	EventKickParticipant        = "kick_participant"
	EventCloseQuestion          = "close_question"
)

// Server to client events.
const (
	EventNameCollisionError  = "name_collision_error"
	EventJoinSuccess         = "join_success"
	EventCurrentQuestion     = "current_question"
	EventNewQuestion         = "new_question"
	EventRemainingTimeUpdate = "remaining_time_update"
	EventTimeUp              = "time_up"
	EventQuestionUpdated     = "question_updated"
	EventRosterUpdate        = "roster_update"
	EventKicked              = "kicked"
	EventError               = "error"
)

// ErrUnknownEvent is returned by Decode for event names outside the inbound set.
var ErrUnknownEvent = errors.New("unknown event")

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is a message sent by a client.
type Inbound interface {
	inbound()
}

// JoinAsParticipant registers the connection as a student.
type JoinAsParticipant struct {
	Name string `json:"name"`
}

// JoinAsPresenter registers the connection as the presenter view.
type JoinAsPresenter struct{}

// RequestCurrentQuestion asks for the active question without waiting for a push.
type RequestCurrentQuestion struct{}

// AskQuestion creates and activates a new question.
type AskQuestion struct {
	models.QuestionDraft
}

// SubmitAnswer votes for one option of the active question.
type SubmitAnswer struct {
	QuestionID  uuid.UUID `json:"question_id"`
	OptionIndex int       `json:"option_index"`
}

// KickParticipant removes a participant from the roster.
type KickParticipant struct {
	ConnectionID string `json:"connection_id"`
}

// CloseQuestion ends the running countdown early.
type CloseQuestion struct{}

func (JoinAsParticipant) inbound()      {}
func (JoinAsPresenter) inbound()        {}
func (RequestCurrentQuestion) inbound() {}
func (AskQuestion) inbound()            {}
func (SubmitAnswer) inbound()           {}
func (KickParticipant) inbound()        {}
func (CloseQuestion) inbound()          {}

// Decode turns a client envelope into its typed message.
func Decode(env Envelope) (Inbound, error) {
	var msg Inbound
	switch env.Event {
	case EventJoinAsParticipant:
		var m JoinAsParticipant
		if err := decodeData(env.Data, &m); err != nil {
			// Older clients send the bare name as a JSON string.
			var name string
			if json.Unmarshal(env.Data, &name) != nil {
				return nil, err
			}
			m.Name = name
		}
		msg = m
	case EventJoinAsPresenter:
		msg = JoinAsPresenter{}
	case EventRequestCurrentQuestion:
		msg = RequestCurrentQuestion{}
	case EventAskQuestion:
		var m AskQuestion
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		msg = m
	case EventSubmitAnswer:
		var m SubmitAnswer
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		msg = m
	case EventKickParticipant:
		var m KickParticipant
		if err := decodeData(env.Data, &m); err != nil {
			return nil, err
		}
		msg = m
	case EventCloseQuestion:
		msg = CloseQuestion{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return msg, nil
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// Outbound is a message sent by the server.
type Outbound interface {
	Event() string
	outbound()
}

// NameCollisionError tells a joining participant the name is unusable.
type NameCollisionError struct {
	Message string `json:"message"`
}

// JoinSuccess confirms a participant join and carries the active question, if any.
type JoinSuccess struct {
	Question         *models.Question `json:"question"`
	RemainingSeconds int              `json:"remaining_seconds"`
}

// QuestionSnapshot is a question with its countdown value. Sent as current_question
// (reply to one connection) or new_question (broadcast).
type QuestionSnapshot struct {
	Question         *models.Question `json:"question"`
	RemainingSeconds int              `json:"remaining_seconds"`
	broadcast        bool
}

// CurrentQuestion builds the pull-reply form of a snapshot.
func CurrentQuestion(q *models.Question, remaining int) QuestionSnapshot {
	return QuestionSnapshot{Question: q, RemainingSeconds: remaining}
}

// NewQuestion builds the broadcast form of a snapshot.
func NewQuestion(q *models.Question, remaining int) QuestionSnapshot {
	return QuestionSnapshot{Question: q, RemainingSeconds: remaining, broadcast: true}
}

// RemainingTimeUpdate is one countdown tick.
type RemainingTimeUpdate struct {
	RemainingSeconds int `json:"remaining_seconds"`
}

// TimeUp is sent once when the countdown of a question reaches zero or is closed.
type TimeUp struct {
	QuestionID uuid.UUID `json:"question_id"`
}

// QuestionUpdated carries refreshed vote counts.
type QuestionUpdated struct {
	Question    *models.Question `json:"question"`
	Percentages []int            `json:"percentages"`
}

// RosterUpdate lists connected participants in join order.
type RosterUpdate struct {
	Participants []models.Participant `json:"participants"`
}

// Kicked tells a connection it was removed by the presenter.
type Kicked struct{}

// Error reports a rejected request to the requester only.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (NameCollisionError) Event() string  { return EventNameCollisionError }
func (JoinSuccess) Event() string         { return EventJoinSuccess }
func (RemainingTimeUpdate) Event() string { return EventRemainingTimeUpdate }
func (TimeUp) Event() string              { return EventTimeUp }
func (QuestionUpdated) Event() string     { return EventQuestionUpdated }
func (RosterUpdate) Event() string        { return EventRosterUpdate }
func (Kicked) Event() string              { return EventKicked }
func (Error) Event() string               { return EventError }

func (NameCollisionError) outbound()  {}
func (JoinSuccess) outbound()         {}
func (QuestionSnapshot) outbound()    {}
func (RemainingTimeUpdate) outbound() {}
func (TimeUp) outbound()              {}
func (QuestionUpdated) outbound()     {}
func (RosterUpdate) outbound()        {}
func (Kicked) outbound()              {}
func (Error) outbound()               {}

func (s QuestionSnapshot) Event() string {
	if s.broadcast {
		return EventNewQuestion
	}
	return EventCurrentQuestion
}

// Encode wraps an outbound message in an Envelope.
func Encode(msg Outbound) (Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.Event(), err)
	}
	return Envelope{Event: msg.Event(), Data: data}, nil
}
