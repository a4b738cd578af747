package polls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/classpulse/backend/internal/models"
)

const pollsCollection = "polls"

type pollDocument struct {
	ID        string          `bson:"_id"`
	Question  string          `bson:"question"`
	Options   []models.Option `bson:"options"`
	TimeLimit int             `bson:"time_limit"`
	IsActive  bool            `bson:"is_active"`
	CreatedAt time.Time       `bson:"created_at"`
}

func (d pollDocument) question() (*models.Question, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("poll document id %q: %w", d.ID, err)
	}
	return &models.Question{
		ID:               id,
		Text:             d.Question,
		Options:          d.Options,
		TimeLimitSeconds: d.TimeLimit,
		IsActive:         d.IsActive,
		CreatedAt:        d.CreatedAt,
	}, nil
}

// MongoRepository stores questions in a MongoDB collection keyed by the question UUID.
type MongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository creates a repository on db's polls collection.
func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection(pollsCollection)}
}

// Create inserts q and sets its generated ID.
func (r *MongoRepository) Create(ctx context.Context, q *models.Question) error {
	id := uuid.New()
	doc := pollDocument{
		ID:        id.String(),
		Question:  q.Text,
		Options:   q.Options,
		TimeLimit: q.TimeLimitSeconds,
		IsActive:  q.IsActive,
		CreatedAt: q.CreatedAt,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert poll: %w", err)
	}
	q.ID = id
	return nil
}

// GetByID returns a question by ID.
func (r *MongoRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Question, error) {
	var doc pollDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get poll: %w", err)
	}
	return doc.question()
}

// List returns up to limit questions, newest first.
func (r *MongoRepository) List(ctx context.Context, limit int) ([]models.Question, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list polls: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []pollDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode polls: %w", err)
	}
	list := make([]models.Question, 0, len(docs))
	for _, d := range docs {
		q, err := d.question()
		if err != nil {
			return nil, err
		}
		list = append(list, *q)
	}
	return list, nil
}

// SaveVotes overwrites the stored option counts with those of q.
func (r *MongoRepository) SaveVotes(ctx context.Context, q *models.Question) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": q.ID.String()}, bson.M{"$set": bson.M{"options": q.Options}})
	if err != nil {
		return fmt.Errorf("save votes: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkClosed sets is_active to false.
func (r *MongoRepository) MarkClosed(ctx context.Context, id uuid.UUID) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id.String()}, bson.M{"$set": bson.M{"is_active": false}})
	if err != nil {
		return fmt.Errorf("mark poll closed: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
