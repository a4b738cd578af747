package polls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/classpulse/backend/internal/models"
	"github.com/classpulse/backend/internal/session"
)

type memRepo struct {
	questions []models.Question
	listErr   error
	lastLimit int
}

func (m *memRepo) Create(_ context.Context, q *models.Question) error {
	q.ID = uuid.New()
	m.questions = append(m.questions, *q.Clone())
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Question, error) {
	for _, q := range m.questions {
		if q.ID == id {
			return q.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) List(_ context.Context, limit int) ([]models.Question, error) {
	m.lastLimit = limit
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.Question
	for i := len(m.questions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.questions[i])
	}
	return out, nil
}

func (m *memRepo) SaveVotes(context.Context, *models.Question) error { return nil }
func (m *memRepo) MarkClosed(context.Context, uuid.UUID) error { return nil }

type stubSession struct {
	askErr    error
	asked     []models.QuestionDraft
	current   *models.Question
	remaining int
}

func (s *stubSession) AskQuestion(_ context.Context, d models.QuestionDraft) (*models.Question, error) {
	s.asked = append(s.asked, d)
	if s.askErr != nil {
		return nil, s.askErr
	}
	q := &models.Question{ID: uuid.New(), Text: d.Text, TimeLimitSeconds: d.TimeLimitSeconds, IsActive: true}
	for _, o := range d.Options {
		q.Options = append(q.Options, models.Option{Text: o.Text, IsCorrect: o.IsCorrect})
	}
	return q, nil
}

func (s *stubSession) Current(context.Context) (*models.Question, int, error) {
	return s.current, s.remaining, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func setupRouter(repo Repository, sess Session) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(repo, sess, nil).Register(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w, env
}

func seed(repo *memRepo, n int) {
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_ = repo.Create(context.Background(), &models.Question{
			Text:             fmt.Sprintf("Question %d", i+1),
			Options:          []models.Option{{Text: "A", Votes: i}, {Text: "B", Votes: 1}},
			TimeLimitSeconds: 30,
			CreatedAt:        base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func TestListNewestFirst(t *testing.T) {
	repo := &memRepo{}
	seed(repo, 3)
	r := setupRouter(repo, &stubSession{})

	w, env := do(t, r, http.MethodGet, "/polls", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var list []QuestionResponse
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("Expected 3 polls, got %d", len(list))
	}
	if list[0].Text != "Question 3" || list[2].Text != "Question 1" {
		t.Errorf("Expected newest first, got %q..%q", list[0].Text, list[2].Text)
	}
	// Question 3 has votes 2 and 1.
	if list[0].TotalVotes != 3 || list[0].Percentages[0] != 67 || list[0].Percentages[1] != 33 {
		t.Errorf("Unexpected tally %d %v", list[0].TotalVotes, list[0].Percentages)
	}
	if repo.lastLimit != defaultListLimit {
		t.Errorf("Expected default limit %d, got %d", defaultListLimit, repo.lastLimit)
	}
}

func TestListLimit(t *testing.T) {
	testCases := []struct {
		name      string
		query     string
		wantCode  int
		wantLimit int
	}{
		{"explicit", "?limit=2", http.StatusOK, 2},
		{"capped", "?limit=5000", http.StatusOK, maxListLimit},
		{"zero", "?limit=0", http.StatusBadRequest, 0},
		{"garbage", "?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &memRepo{}
			r := setupRouter(repo, &stubSession{})
			w, _ := do(t, r, http.MethodGet, "/polls"+tc.query, nil)
			if w.Code != tc.wantCode {
				t.Fatalf("Expected %d, got %d", tc.wantCode, w.Code)
			}
			if repo.lastLimit != tc.wantLimit {
				t.Errorf("Expected limit %d, got %d", tc.wantLimit, repo.lastLimit)
			}
		})
	}
}

func TestListStoreFailure(t *testing.T) {
	r := setupRouter(&memRepo{listErr: errors.New("boom")}, &stubSession{})
	w, env := do(t, r, http.MethodGet, "/polls", nil)
	if w.Code != http.StatusInternalServerError || env.Success {
		t.Errorf("Expected 500 failure, got %d success=%v", w.Code, env.Success)
	}
}

func TestGetByID(t *testing.T) {
	repo := &memRepo{}
	seed(repo, 1)
	r := setupRouter(repo, &stubSession{})
	id := repo.questions[0].ID

	w, env := do(t, r, http.MethodGet, "/polls/"+id.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var got QuestionResponse
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode poll: %v", err)
	}
	if got.ID != id || got.Text != "Question 1" {
		t.Errorf("Unexpected poll %+v", got.Question)
	}

	if w, _ := do(t, r, http.MethodGet, "/polls/"+uuid.NewString(), nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown id, got %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodGet, "/polls/not-a-uuid", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad id, got %d", w.Code)
	}
}

func TestCreate(t *testing.T) {
	sess := &stubSession{}
	r := setupRouter(&memRepo{}, sess)

	body := models.QuestionDraft{
		Text:             "2+2=?",
		Options:          []models.OptionDraft{{Text: "3"}, {Text: "4", IsCorrect: true}},
		TimeLimitSeconds: 30,
	}
	w, env := do(t, r, http.MethodPost, "/polls", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d (%s)", w.Code, env.Error)
	}
	var q models.Question
	if err := json.Unmarshal(env.Data, &q); err != nil {
		t.Fatalf("decode question: %v", err)
	}
	if q.Text != "2+2=?" || len(q.Options) != 2 || !q.Options[1].IsCorrect {
		t.Errorf("Unexpected question %+v", q)
	}
	if len(sess.asked) != 1 || sess.asked[0].TimeLimitSeconds != 30 {
		t.Errorf("Expected the draft to reach the session, got %+v", sess.asked)
	}
}

func TestCreateErrors(t *testing.T) {
	testCases := []struct {
		name     string
		askErr   error
		wantCode int
	}{
		{"validation", fmt.Errorf("%w: at least two options are required", session.ErrInvalidQuestion), http.StatusBadRequest},
		{"persistence", fmt.Errorf("%w: create question: timeout", session.ErrPersistence), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := setupRouter(&memRepo{}, &stubSession{askErr: tc.askErr})
			w, env := do(t, r, http.MethodPost, "/polls", models.QuestionDraft{Text: "Q"})
			if w.Code != tc.wantCode || env.Success {
				t.Errorf("Expected %d failure, got %d success=%v", tc.wantCode, w.Code, env.Success)
			}
		})
	}

	r := setupRouter(&memRepo{}, &stubSession{})
	req := httptest.NewRequest(http.MethodPost, "/polls", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", w.Code)
	}
}

func TestCurrent(t *testing.T) {
	r := setupRouter(&memRepo{}, &stubSession{})
	w, env := do(t, r, http.MethodGet, "/polls/current", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var cur CurrentResponse
	if err := json.Unmarshal(env.Data, &cur); err != nil {
		t.Fatalf("decode current: %v", err)
	}
	if cur.Question != nil || cur.RemainingSeconds != 0 {
		t.Errorf("Expected no current question, got %+v", cur)
	}

	q := &models.Question{ID: uuid.New(), Text: "Capital of France?", Options: []models.Option{{Text: "Paris"}, {Text: "Rome"}}, IsActive: true}
	r = setupRouter(&memRepo{}, &stubSession{current: q, remaining: 12})
	_, env = do(t, r, http.MethodGet, "/polls/current", nil)
	if err := json.Unmarshal(env.Data, &cur); err != nil {
		t.Fatalf("decode current: %v", err)
	}
	if cur.Question == nil || cur.Question.ID != q.ID || cur.RemainingSeconds != 12 {
		t.Errorf("Unexpected current %+v", cur)
	}
}
