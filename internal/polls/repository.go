// Package polls stores asked questions and serves their history over HTTP.
package polls

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classpulse/backend/internal/models"
	"github.com/classpulse/backend/internal/session"
)

// ErrNotFound is returned when a question does not exist.
var ErrNotFound = session.ErrQuestionNotFound

// Repository is the persistence gateway for questions.
type Repository interface {
	Create(ctx context.Context, q *models.Question) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Question, error)
	List(ctx context.Context, limit int) ([]models.Question, error)
	SaveVotes(ctx context.Context, q *models.Question) error
	MarkClosed(ctx context.Context, id uuid.UUID) error
}

// PGRepository stores questions in PostgreSQL with options as JSONB.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository creates a PostgreSQL-backed repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts q and sets its generated ID.
func (r *PGRepository) Create(ctx context.Context, q *models.Question) error {
	const query = `INSERT INTO polls (id, question, options, time_limit, is_active, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		RETURNING id`
	if err := r.pool.QueryRow(ctx, query, q.Text, q.Options, q.TimeLimitSeconds, q.IsActive, q.CreatedAt).Scan(&q.ID); err != nil {
		return fmt.Errorf("insert poll: %w", err)
	}
	return nil
}

// GetByID returns a question by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Question, error) {
	const query = `SELECT id, question, options, time_limit, is_active, created_at FROM polls WHERE id = $1`
	var q models.Question
	err := r.pool.QueryRow(ctx, query, id).Scan(&q.ID, &q.Text, &q.Options, &q.TimeLimitSeconds, &q.IsActive, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get poll: %w", err)
	}
	return &q, nil
}

// List returns up to limit questions, newest first.
func (r *PGRepository) List(ctx context.Context, limit int) ([]models.Question, error) {
	const query = `SELECT id, question, options, time_limit, is_active, created_at
		FROM polls ORDER BY created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list polls: %w", err)
	}
	defer rows.Close()

	var list []models.Question
	for rows.Next() {
		var q models.Question
		if err := rows.Scan(&q.ID, &q.Text, &q.Options, &q.TimeLimitSeconds, &q.IsActive, &q.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, q)
	}
	return list, rows.Err()
}

// SaveVotes overwrites the stored option counts with those of q.
func (r *PGRepository) SaveVotes(ctx context.Context, q *models.Question) error {
	const query = `UPDATE polls SET options = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, q.ID, q.Options)
	if err != nil {
		return fmt.Errorf("save votes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkClosed sets is_active to false.
func (r *PGRepository) MarkClosed(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE polls SET is_active = FALSE WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark poll closed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
