// Package worker runs background jobs taken from the Redis queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/classpulse/backend/pkg/queue"
	"github.com/classpulse/backend/pkg/storage"
)

// JobSource hands out jobs and takes failed ones back.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Archive stores JSON documents.
type Archive interface {
	UploadJSON(ctx context.Context, key string, v interface{}) (string, error)
}

// ResultsArchiver uploads the final tally of every closed question to object storage.
type ResultsArchiver struct {
	jobs    JobSource
	archive Archive
	clock   clockwork.Clock
	backoff time.Duration
	logger  *zap.Logger
}

// NewResultsArchiver creates a results archive processor.
func NewResultsArchiver(jobs JobSource, archive Archive, logger *zap.Logger) *ResultsArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultsArchiver{
		jobs:    jobs,
		archive: archive,
		clock:   clockwork.NewRealClock(),
		backoff: queue.RetryBackoff,
		logger:  logger,
	}
}

// Process executes one results archive job.
func (p *ResultsArchiver) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeResultsArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ResultsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.Question == nil {
		return fmt.Errorf("job %s has no question", job.ID)
	}

	key := storage.ResultsKey(payload.Question.ID.String())
	url, err := p.archive.UploadJSON(ctx, key, payload)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("results archived",
		zap.String("question_id", payload.Question.ID.String()),
		zap.Int("votes", payload.Results.TotalVotes),
		zap.String("url", url),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ResultsArchiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("results worker stopping")
			return
		default:
		}

		job, _, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.jobs.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ResultsArchiver) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.clock.After(p.backoff):
	}
}
