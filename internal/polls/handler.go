package polls

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classpulse/backend/internal/models"
	"github.com/classpulse/backend/internal/session"
	"github.com/classpulse/backend/internal/tally"
	"github.com/classpulse/backend/pkg/response"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Session is the live session as seen by the HTTP surface.
type Session interface {
	AskQuestion(ctx context.Context, draft models.QuestionDraft) (*models.Question, error)
	Current(ctx context.Context) (*models.Question, int, error)
}

// QuestionResponse is a stored question with its computed percentages.
type QuestionResponse struct {
	*models.Question
	TotalVotes  int   `json:"total_votes"`
	Percentages []int `json:"percentages"`
}

// CurrentResponse is the body for GET /polls/current.
type CurrentResponse struct {
	Question         *models.Question `json:"question"`
	RemainingSeconds int              `json:"remaining_seconds"`
}

// Handler handles poll HTTP endpoints.
type Handler struct {
	repo    Repository
	session Session
	logger  *zap.Logger
}

// NewHandler creates a polls handler.
func NewHandler(repo Repository, sess Session, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, session: sess, logger: logger}
}

// Register mounts the poll routes on g.
func (h *Handler) Register(g gin.IRoutes) {
	g.GET("/polls", h.List)
	g.POST("/polls", h.Create)
	g.GET("/polls/current", h.Current)
	g.GET("/polls/:id", h.GetByID)
}

func newQuestionResponse(q *models.Question) QuestionResponse {
	return QuestionResponse{Question: q, TotalVotes: q.TotalVotes(), Percentages: tally.Percentages(q)}
}

// List handles GET /polls.
func (h *Handler) List(c *gin.Context) {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := h.repo.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list polls", zap.Error(err))
		response.Internal(c, "failed to list polls")
		return
	}
	out := make([]QuestionResponse, 0, len(list))
	for i := range list {
		out = append(out, newQuestionResponse(&list[i]))
	}
	response.OK(c, out)
}

// GetByID handles GET /polls/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid poll id")
		return
	}
	q, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "poll not found")
			return
		}
		h.logger.Error("get poll", zap.String("poll_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to get poll")
		return
	}
	response.OK(c, newQuestionResponse(q))
}

// Create handles POST /polls. The question becomes the active one for every connected client.
func (h *Handler) Create(c *gin.Context) {
	var draft models.QuestionDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	q, err := h.session.AskQuestion(c.Request.Context(), draft)
	if err != nil {
		if errors.Is(err, session.ErrInvalidQuestion) {
			response.BadRequest(c, err.Error())
			return
		}
		h.logger.Error("ask question", zap.Error(err))
		response.Internal(c, "failed to create poll")
		return
	}
	response.Created(c, q)
}

// Current handles GET /polls/current.
func (h *Handler) Current(c *gin.Context) {
	q, remaining, err := h.session.Current(c.Request.Context())
	if err != nil {
		h.logger.Error("current poll", zap.Error(err))
		response.ServiceUnavailable(c, "session unavailable")
		return
	}
	response.OK(c, CurrentResponse{Question: q, RemainingSeconds: remaining})
}
