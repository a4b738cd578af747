// Package session owns the live poll session: roster, active question, countdown and votes.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classpulse/backend/internal/countdown"
	"github.com/classpulse/backend/internal/models"
	"github.com/classpulse/backend/internal/protocol"
	"github.com/classpulse/backend/internal/tally"
)

// Transport delivers server messages to connections.
type Transport interface {
	SendTo(connID string, msg protocol.Outbound)
	Broadcast(msg protocol.Outbound, except ...string)
}

// Store persists questions. Create must assign q.ID. Errors wrapping
// ErrQuestionNotFound are final and are not retried.
type Store interface {
	Create(ctx context.Context, q *models.Question) error
	SaveVotes(ctx context.Context, q *models.Question) error
	MarkClosed(ctx context.Context, id uuid.UUID) error
}

// ResultsSink receives the final tally of every question whose countdown ended.
type ResultsSink interface {
	EnqueueResults(ctx context.Context, q *models.Question, results tally.Results) error
}

type role int

const (
	roleUnidentified role = iota
	roleParticipant
	rolePresenter
)

// Coordinator is the single writer of State. Every inbound message, HTTP request
// and countdown notification is applied on the goroutine running Run, in arrival order.
type Coordinator struct {
	state     *State
	transport Transport
	store     Store
	results   ResultsSink
	scheduler *countdown.Scheduler
	policy    Policy
	logger    *zap.Logger

	events  chan func(ctx context.Context)
	stopped chan struct{}

	// loop-owned
	roles     map[string]role
	voters    map[string]struct{}
	countdown countdown.Handle
}

// NewCoordinator wires a coordinator around an empty or existing state.
func NewCoordinator(state *State, transport Transport, store Store, scheduler *countdown.Scheduler, policy Policy, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.DefaultTimeLimit <= 0 {
		policy.DefaultTimeLimit = DefaultPolicy().DefaultTimeLimit
	}
	if policy.PersistTimeout <= 0 {
		policy.PersistTimeout = DefaultPolicy().PersistTimeout
	}
	return &Coordinator{
		state:     state,
		transport: transport,
		store:     store,
		scheduler: scheduler,
		policy:    policy,
		logger:    logger,
		events:    make(chan func(ctx context.Context), 256),
		stopped:   make(chan struct{}),
		roles:     make(map[string]role),
		voters:    make(map[string]struct{}),
	}
}

// SetResultsSink sets where final tallies go when a countdown ends. Call before Run.
func (c *Coordinator) SetResultsSink(sink ResultsSink) {
	c.results = sink
}

// Run processes events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.stopped)
	defer c.scheduler.Stop()

	c.logger.Info("session coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("session coordinator stopping")
			return
		case fn := <-c.events:
			fn(ctx)
		case n := <-c.scheduler.C():
			c.onCountdown(ctx, n)
		}
	}
}

// Handle queues an inbound message from connID.
func (c *Coordinator) Handle(connID string, msg protocol.Inbound) {
	_ = c.submit(context.Background(), func(ctx context.Context) {
		c.dispatch(ctx, connID, msg)
	})
}

// Disconnect queues removal of connID. Unknown connections are ignored.
func (c *Coordinator) Disconnect(connID string) {
	_ = c.submit(context.Background(), func(context.Context) {
		c.disconnect(connID)
	})
}

// AskQuestion validates, stores and activates a question on behalf of a non-socket caller.
func (c *Coordinator) AskQuestion(ctx context.Context, draft models.QuestionDraft) (*models.Question, error) {
	type result struct {
		q   *models.Question
		err error
	}
	ch := make(chan result, 1)
	err := c.submit(ctx, func(loopCtx context.Context) {
		q, err := c.askQuestion(loopCtx, draft)
		ch <- result{q: q, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.q, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current returns the question still accepting answers and its remaining seconds,
// or nil once the countdown is over.
func (c *Coordinator) Current(ctx context.Context) (*models.Question, int, error) {
	type result struct {
		q         *models.Question
		remaining int
	}
	ch := make(chan result, 1)
	err := c.submit(ctx, func(context.Context) {
		if !c.state.CountdownRunning() {
			ch <- result{}
			return
		}
		ch <- result{q: c.state.ActiveQuestion().Clone(), remaining: c.state.Remaining()}
	})
	if err != nil {
		return nil, 0, err
	}
	select {
	case r := <-ch:
		return r.q, r.remaining, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Roster returns the connected participants in join order.
func (c *Coordinator) Roster(ctx context.Context) ([]models.Participant, error) {
	ch := make(chan []models.Participant, 1)
	if err := c.submit(ctx, func(context.Context) { ch <- c.state.Participants() }); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) submit(ctx context.Context, fn func(ctx context.Context)) error {
	select {
	case c.events <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

func (c *Coordinator) dispatch(ctx context.Context, connID string, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.JoinAsParticipant:
		c.joinParticipant(connID, m.Name)
	case protocol.JoinAsPresenter:
		c.joinPresenter(connID)
	case protocol.RequestCurrentQuestion:
		if q := c.state.ActiveQuestion(); q != nil {
			c.transport.SendTo(connID, protocol.CurrentQuestion(q, c.state.Remaining()))
		}
	case protocol.AskQuestion:
		if !c.allowed(connID) {
			c.reject(connID, ErrForbidden)
			return
		}
		if _, err := c.askQuestion(ctx, m.QuestionDraft); err != nil {
			c.reject(connID, err)
		}
	case protocol.SubmitAnswer:
		c.submitAnswer(ctx, connID, m)
	case protocol.KickParticipant:
		if !c.allowed(connID) {
			c.reject(connID, ErrForbidden)
			return
		}
		c.kick(m.ConnectionID)
	case protocol.CloseQuestion:
		if !c.allowed(connID) {
			c.reject(connID, ErrForbidden)
			return
		}
		c.closeQuestion(ctx)
	default:
		c.logger.Debug("unhandled message", zap.String("connection_id", connID), zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (c *Coordinator) joinParticipant(connID, name string) {
	if r := c.roles[connID]; r != roleUnidentified {
		c.reject(connID, ErrAlreadyJoined)
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		c.reject(connID, ErrEmptyName)
		return
	}
	if c.state.NameTaken(name) {
		c.logger.Debug("join rejected", zap.String("connection_id", connID), zap.Error(ErrNameTaken))
		c.transport.SendTo(connID, protocol.NameCollisionError{Message: "This name is already taken. Please use a different name."})
		return
	}

	c.state.AddParticipant(models.Participant{ConnectionID: connID, Name: name})
	c.roles[connID] = roleParticipant
	c.broadcastRoster()
	c.transport.SendTo(connID, protocol.JoinSuccess{
		Question:         c.state.ActiveQuestion(),
		RemainingSeconds: c.state.Remaining(),
	})
	c.logger.Info("participant joined", zap.String("connection_id", connID), zap.String("name", name))
}

func (c *Coordinator) joinPresenter(connID string) {
	if r := c.roles[connID]; r == roleParticipant {
		c.logger.Debug("presenter join ignored for participant", zap.String("connection_id", connID))
		return
	}
	c.roles[connID] = rolePresenter
	c.transport.SendTo(connID, protocol.RosterUpdate{Participants: c.state.Participants()})
	if q := c.state.ActiveQuestion(); q != nil {
		c.transport.SendTo(connID, protocol.CurrentQuestion(q, c.state.Remaining()))
		c.transport.SendTo(connID, protocol.RemainingTimeUpdate{RemainingSeconds: c.state.Remaining()})
	}
	c.logger.Info("presenter joined", zap.String("connection_id", connID))
}

func (c *Coordinator) askQuestion(ctx context.Context, draft models.QuestionDraft) (*models.Question, error) {
	q, err := c.buildQuestion(draft)
	if err != nil {
		return nil, err
	}
	if err := c.persist(ctx, "create question", func(ctx context.Context) error {
		return c.store.Create(ctx, q)
	}); err != nil {
		return nil, err
	}

	if prev := c.state.ActiveQuestion(); prev != nil && c.state.CountdownRunning() {
		c.scheduler.Cancel(c.countdown)
		c.archive(ctx, prev)
	}

	c.state.SetActiveQuestion(q)
	c.voters = make(map[string]struct{})
	c.countdown = c.scheduler.Start(q.TimeLimitSeconds)
	c.transport.Broadcast(protocol.NewQuestion(q, q.TimeLimitSeconds))

	c.logger.Info("question asked",
		zap.String("question_id", q.ID.String()),
		zap.Int("options", len(q.Options)),
		zap.Int("time_limit", q.TimeLimitSeconds),
	)
	return q.Clone(), nil
}

func (c *Coordinator) buildQuestion(draft models.QuestionDraft) (*models.Question, error) {
	text := strings.TrimSpace(draft.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: question text is required", ErrInvalidQuestion)
	}
	if len(draft.Options) < 2 {
		return nil, fmt.Errorf("%w: at least two options are required", ErrInvalidQuestion)
	}
	if c.policy.MaxOptions > 0 && len(draft.Options) > c.policy.MaxOptions {
		return nil, fmt.Errorf("%w: at most %d options are allowed", ErrInvalidQuestion, c.policy.MaxOptions)
	}
	limit := draft.TimeLimitSeconds
	if limit == 0 {
		limit = c.policy.DefaultTimeLimit
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: time limit must be positive", ErrInvalidQuestion)
	}

	q := &models.Question{
		Text:             text,
		Options:          make([]models.Option, len(draft.Options)),
		TimeLimitSeconds: limit,
		IsActive:         true,
		CreatedAt:        time.Now().UTC(),
	}
	for i, o := range draft.Options {
		optText := strings.TrimSpace(o.Text)
		if optText == "" {
			return nil, fmt.Errorf("%w: option %d has no text", ErrInvalidQuestion, i+1)
		}
		q.Options[i] = models.Option{Text: optText, IsCorrect: o.IsCorrect}
	}
	return q, nil
}

func (c *Coordinator) submitAnswer(ctx context.Context, connID string, m protocol.SubmitAnswer) {
	active := c.state.ActiveQuestion()
	if active == nil {
		c.logger.Debug("answer without active question", zap.String("connection_id", connID))
		return
	}
	if active.ID != m.QuestionID || !c.state.CountdownRunning() {
		c.reject(connID, tally.ErrStaleQuestion)
		return
	}

	var voterKey string
	if c.policy.OneVotePerParticipant {
		p, ok := c.state.Participant(connID)
		if !ok {
			c.reject(connID, ErrNotJoined)
			return
		}
		voterKey = normalizeName(p.Name)
		if _, voted := c.voters[voterKey]; voted {
			c.reject(connID, ErrAlreadyVoted)
			return
		}
	}

	updated := active.Clone()
	if err := tally.RecordVote(updated, m.QuestionID, m.OptionIndex); err != nil {
		c.reject(connID, err)
		return
	}
	if err := c.persist(ctx, "save votes", func(ctx context.Context) error {
		return c.store.SaveVotes(ctx, updated)
	}); err != nil {
		c.reject(connID, err)
		return
	}

	c.state.UpdateActiveQuestion(updated)
	if voterKey != "" {
		c.voters[voterKey] = struct{}{}
	}
	c.transport.Broadcast(protocol.QuestionUpdated{Question: updated, Percentages: tally.Percentages(updated)})
}

func (c *Coordinator) kick(target string) {
	p, ok := c.state.RemoveParticipant(target)
	if !ok {
		c.logger.Debug("kick of unknown connection", zap.String("connection_id", target))
		return
	}
	delete(c.roles, target)
	c.transport.SendTo(target, protocol.Kicked{})
	c.transport.Broadcast(protocol.RosterUpdate{Participants: c.state.Participants()}, target)
	c.logger.Info("participant kicked", zap.String("connection_id", target), zap.String("name", p.Name))
}

func (c *Coordinator) closeQuestion(ctx context.Context) {
	q := c.state.ActiveQuestion()
	if q == nil || !c.state.CountdownRunning() {
		return
	}
	c.scheduler.Cancel(c.countdown)
	c.countdown = 0
	c.state.Expire()
	c.transport.Broadcast(protocol.TimeUp{QuestionID: q.ID})
	c.archive(ctx, c.state.ActiveQuestion())
	c.state.ClearActiveQuestion()
	c.logger.Info("question closed early", zap.String("question_id", q.ID.String()))
}

func (c *Coordinator) disconnect(connID string) {
	delete(c.roles, connID)
	if _, ok := c.state.RemoveParticipant(connID); ok {
		c.broadcastRoster()
		c.logger.Info("participant left", zap.String("connection_id", connID))
	}
}

func (c *Coordinator) onCountdown(ctx context.Context, n countdown.Notification) {
	if n.Handle != c.countdown {
		return
	}
	switch n.Kind {
	case countdown.KindTick:
		c.state.Tick(n.Remaining)
		c.transport.Broadcast(protocol.RemainingTimeUpdate{RemainingSeconds: c.state.Remaining()})
	case countdown.KindExpired:
		c.countdown = 0
		c.state.Expire()
		q := c.state.ActiveQuestion()
		if q == nil {
			return
		}
		c.transport.Broadcast(protocol.TimeUp{QuestionID: q.ID})
		c.archive(ctx, q)
		c.logger.Info("question time up", zap.String("question_id", q.ID.String()), zap.Int("votes", q.TotalVotes()))
	}
}

// archive marks q closed in the store and hands its tally to the results sink.
// Failures are logged; the live session does not depend on either.
func (c *Coordinator) archive(ctx context.Context, q *models.Question) {
	if err := c.persist(ctx, "mark closed", func(ctx context.Context) error {
		return c.store.MarkClosed(ctx, q.ID)
	}); err != nil {
		c.logger.Error("close question in store", zap.String("question_id", q.ID.String()), zap.Error(err))
	}
	if c.results == nil {
		return
	}
	closed := q.Clone()
	closed.IsActive = false
	sinkCtx, cancel := context.WithTimeout(ctx, c.policy.PersistTimeout)
	defer cancel()
	if err := c.results.EnqueueResults(sinkCtx, closed, tally.Summarize(closed)); err != nil {
		c.logger.Warn("enqueue results", zap.String("question_id", q.ID.String()), zap.Error(err))
	}
}

func (c *Coordinator) persist(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= c.policy.PersistRetries; attempt++ {
		if attempt > 0 && c.policy.PersistBackoff > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", ErrPersistence, op, ctx.Err())
			case <-time.After(c.policy.PersistBackoff):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.PersistTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		c.logger.Warn("persistence attempt failed", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		if errors.Is(err, ErrQuestionNotFound) {
			return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

func (c *Coordinator) allowed(connID string) bool {
	return !c.policy.RequirePresenter || c.roles[connID] == rolePresenter
}

func (c *Coordinator) reject(connID string, err error) {
	c.logger.Debug("request rejected", zap.String("connection_id", connID), zap.Error(err))
	if connID == "" {
		return
	}
	msg := err.Error()
	if errors.Is(err, ErrPersistence) {
		msg = ErrPersistence.Error()
	}
	c.transport.SendTo(connID, protocol.Error{Code: ErrorCode(err), Message: msg})
}

func (c *Coordinator) broadcastRoster() {
	c.transport.Broadcast(protocol.RosterUpdate{Participants: c.state.Participants()})
}
