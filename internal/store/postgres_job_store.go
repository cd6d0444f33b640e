package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/notetaker/internal/domain"
	_ "github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS note_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	audio JSONB,
	images JSONB NOT NULL DEFAULT '[]',
	notes TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure note_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	var audioJSON sql.NullString
	if job.Audio != nil {
		encoded, err := json.Marshal(job.Audio)
		if err != nil {
			return fmt.Errorf("marshal job audio: %w", err)
		}
		audioJSON = sql.NullString{String: string(encoded), Valid: true}
	}

	images := job.Images
	if images == nil {
		images = []domain.MediaFile{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("marshal job images: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO note_jobs (id, status, audio, images, notes, webhook_url, content, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID,
		job.Status,
		audioJSON,
		string(imagesJSON),
		job.Notes,
		job.WebhookURL,
		job.Content,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, status, audio, images, notes, webhook_url, content, error, created_at, updated_at
		 FROM note_jobs
		 WHERE id = $1`,
		id,
	)

	var (
		job        domain.Job
		audioJSON  []byte
		imagesJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&audioJSON,
		&imagesJSON,
		&job.Notes,
		&job.WebhookURL,
		&job.Content,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	if len(audioJSON) > 0 {
		var audio domain.MediaFile
		if err := json.Unmarshal(audioJSON, &audio); err != nil {
			return domain.Job{}, false, fmt.Errorf("unmarshal job audio: %w", err)
		}
		job.Audio = &audio
	}
	if err := json.Unmarshal(imagesJSON, &job.Images); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job images: %w", err)
	}

	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.exec(ctx, id, "update job status",
		`UPDATE note_jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		status,
	)
}

func (s *PostgresJobStore) Complete(ctx context.Context, id, content string) (domain.Job, error) {
	return s.exec(ctx, id, "complete job",
		`UPDATE note_jobs SET status = '`+domain.JobStatusSucceeded+`', content = $1, error = '', updated_at = $2 WHERE id = $3`,
		content,
	)
}

func (s *PostgresJobStore) Fail(ctx context.Context, id, reason string) (domain.Job, error) {
	return s.exec(ctx, id, "fail job",
		`UPDATE note_jobs SET status = '`+domain.JobStatusFailed+`', error = $1, updated_at = $2 WHERE id = $3`,
		reason,
	)
}

// exec runs an update whose placeholders are (value, updated_at, id) and
// returns the row as stored afterwards.
func (s *PostgresJobStore) exec(ctx context.Context, id, op, query, value string) (domain.Job, error) {
	res, err := s.db.ExecContext(ctx, query, value, time.Now().UTC(), id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}
