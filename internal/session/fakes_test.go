package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/classpulse/backend/internal/countdown"
	"github.com/classpulse/backend/internal/models"
	"github.com/classpulse/backend/internal/protocol"
	"github.com/classpulse/backend/internal/tally"
)

type fakeTransport struct {
	mu    sync.Mutex
	conns []string
	inbox map[string][]protocol.Outbound
}

func newFakeTransport(conns ...string) *fakeTransport {
	return &fakeTransport{conns: conns, inbox: make(map[string][]protocol.Outbound)}
}

func (f *fakeTransport) SendTo(connID string, msg protocol.Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox[connID] = append(f.inbox[connID], msg)
}

func (f *fakeTransport) Broadcast(msg protocol.Outbound, except ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	skip := make(map[string]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}
	for _, id := range f.conns {
		if !skip[id] {
			f.inbox[id] = append(f.inbox[id], msg)
		}
	}
}

// of returns the messages with the given event received by connID.
func (f *fakeTransport) of(connID, event string) []protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Outbound
	for _, m := range f.inbox[connID] {
		if m.Event() == event {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) total(connID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbox[connID])
}

func (f *fakeTransport) lastRemaining(connID string) int {
	msgs := f.of(connID, protocol.EventRemainingTimeUpdate)
	if len(msgs) == 0 {
		return -1
	}
	return msgs[len(msgs)-1].(protocol.RemainingTimeUpdate).RemainingSeconds
}

func (f *fakeTransport) lastError(connID string) (protocol.Error, bool) {
	msgs := f.of(connID, protocol.EventError)
	if len(msgs) == 0 {
		return protocol.Error{}, false
	}
	return msgs[len(msgs)-1].(protocol.Error), true
}

type fakeStore struct {
	mu         sync.Mutex
	questions  map[uuid.UUID]*models.Question
	closed     []uuid.UUID
	failCreate int
	failSave   int
	saveErr    error
	attempts   int
	saves      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{questions: make(map[uuid.UUID]*models.Question)}
}

func (s *fakeStore) Create(_ context.Context, q *models.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate > 0 {
		s.failCreate--
		return errors.New("connection refused")
	}
	q.ID = uuid.New()
	s.questions[q.ID] = q.Clone()
	return nil
}

func (s *fakeStore) SaveVotes(_ context.Context, q *models.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.failSave > 0 {
		s.failSave--
		return errors.New("connection reset")
	}
	s.saves++
	s.questions[q.ID] = q.Clone()
	return nil
}

func (s *fakeStore) MarkClosed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, id)
	if q, ok := s.questions[id]; ok {
		q.IsActive = false
	}
	return nil
}

func (s *fakeStore) get(id uuid.UUID) *models.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.questions[id].Clone()
}

func (s *fakeStore) closedIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.closed...)
}

type fakeSink struct {
	mu      sync.Mutex
	results []tally.Results
}

func (f *fakeSink) EnqueueResults(_ context.Context, _ *models.Question, r tally.Results) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
	return nil
}

func (f *fakeSink) all() []tally.Results {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tally.Results(nil), f.results...)
}

type harness struct {
	c         *Coordinator
	transport *fakeTransport
	store     *fakeStore
	sink      *fakeSink
	clock     *clockwork.FakeClock
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.PersistRetries = 0
	p.PersistBackoff = 0
	return p
}

func newHarness(t *testing.T, policy Policy, conns ...string) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	h := &harness{
		transport: newFakeTransport(conns...),
		store:     newFakeStore(),
		sink:      &fakeSink{},
		clock:     clock,
	}
	h.c = NewCoordinator(NewState(), h.transport, h.store, countdown.NewScheduler(clock, nil), policy, nil)
	h.c.SetResultsSink(h.sink)

	ctx, cancel := context.WithCancel(context.Background())
	go h.c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.c.stopped
	})
	return h
}

// send delivers msg and waits until the coordinator has processed it.
func (h *harness) send(t *testing.T, connID string, msg protocol.Inbound) {
	t.Helper()
	h.c.Handle(connID, msg)
	h.sync(t)
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.c.Roster(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func (h *harness) ask(t *testing.T, text string, limit int, options ...string) *models.Question {
	t.Helper()
	draft := models.QuestionDraft{Text: text, TimeLimitSeconds: limit}
	for _, o := range options {
		draft.Options = append(draft.Options, models.OptionDraft{Text: o})
	}
	q, err := h.c.AskQuestion(context.Background(), draft)
	if err != nil {
		t.Fatalf("AskQuestion: %v", err)
	}
	return q
}

// tick advances the clock one second and waits until connID saw the countdown value want.
func (h *harness) tick(t *testing.T, connID string, want int) {
	t.Helper()
	h.clock.Advance(time.Second)
	waitFor(t, "remaining time update", func() bool {
		return h.transport.lastRemaining(connID) == want
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
