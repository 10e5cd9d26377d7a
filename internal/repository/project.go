package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devcollab/internal/logger"
	"github.com/devcollab/internal/model"
)

const projectCols = `id, name, owner_id, deadline, completion_percentage, progress_updated_at, created_at`

// ProjectRepository reads projects and records module submissions.
type ProjectRepository struct {
	pool *pgxpool.Pool
}

func NewProjectRepository(pool *pgxpool.Pool) *ProjectRepository {
	return &ProjectRepository{pool: pool}
}

func scanProject(s interface{ Scan(dest ...any) error }, p *model.Project) error {
	return s.Scan(&p.ID, &p.Name, &p.OwnerID, &p.Deadline, &p.CompletionPercentage, &p.ProgressUpdatedAt, &p.CreatedAt)
}

// Create inserts the project and makes its owner the first member.
func (r *ProjectRepository) Create(ctx context.Context, p *model.Project) error {
	defer logger.DeferLogDuration("project.Create", time.Now())()
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO projects (id, name, owner_id, deadline, completion_percentage, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			p.ID, p.Name, p.OwnerID, p.Deadline, p.CompletionPercentage, p.CreatedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO project_members (project_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			p.ID, p.OwnerID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("projectRepo.Create: %w", err)
	}
	return nil
}

func (r *ProjectRepository) AddMember(ctx context.Context, projectID, userID string) error {
	defer logger.DeferLogDuration("project.AddMember", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO project_members (project_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		projectID, userID,
	)
	if err != nil {
		return fmt.Errorf("projectRepo.AddMember: %w", err)
	}
	return nil
}

func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*model.Project, error) {
	defer logger.DeferLogDuration("project.GetByID", time.Now())()
	p := &model.Project{}
	row := r.pool.QueryRow(ctx, `SELECT `+projectCols+` FROM projects WHERE id = $1`, id)
	if err := scanProject(row, p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("projectRepo.GetByID: %w", err)
	}
	return p, nil
}

func (r *ProjectRepository) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	defer logger.DeferLogDuration("project.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id = $1 AND user_id = $2)`,
		projectID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("projectRepo.IsMember: %w", err)
	}
	return exists, nil
}

// AddModuleSubmission stores the submission and recomputes the project's
// aggregate (rounded mean of all submissions) and last-updated time (latest
// submitted_at) in the same transaction. Returns the updated project.
func (r *ProjectRepository) AddModuleSubmission(ctx context.Context, sub *model.ModuleSubmission) (*model.Project, error) {
	defer logger.DeferLogDuration("project.AddModuleSubmission", time.Now())()
	p := &model.Project{}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		files := sub.Files
		if files == nil {
			files = []string{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO module_submissions (id, project_id, submitter_id, title, completion_percentage, files, submitted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sub.ID, sub.ProjectID, sub.SubmitterID, sub.Title, sub.CompletionPercentage, files, sub.SubmittedAt,
		); err != nil {
			return err
		}
		row := tx.QueryRow(ctx,
			`UPDATE projects SET
			     completion_percentage = agg.avg_pct,
			     progress_updated_at = agg.last_at
			 FROM (
			     SELECT ROUND(AVG(completion_percentage))::int AS avg_pct, MAX(submitted_at) AS last_at
			     FROM module_submissions WHERE project_id = $1
			 ) agg
			 WHERE projects.id = $1
			 RETURNING `+projectCols,
			sub.ProjectID,
		)
		return scanProject(row, p)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("projectRepo.AddModuleSubmission: %w", err)
	}
	return p, nil
}

// ListSubmissions returns a project's submissions, oldest first.
func (r *ProjectRepository) ListSubmissions(ctx context.Context, projectID string) ([]model.ModuleSubmission, error) {
	defer logger.DeferLogDuration("project.ListSubmissions", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, project_id, submitter_id, title, completion_percentage, files, submitted_at
		 FROM module_submissions WHERE project_id = $1 ORDER BY submitted_at, id`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("projectRepo.ListSubmissions query: %w", err)
	}
	defer rows.Close()
	subs := make([]model.ModuleSubmission, 0, 8)
	for rows.Next() {
		var s model.ModuleSubmission
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.SubmitterID, &s.Title, &s.CompletionPercentage, &s.Files, &s.SubmittedAt); err != nil {
			return nil, fmt.Errorf("projectRepo.ListSubmissions scan: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("projectRepo.ListSubmissions rows: %w", err)
	}
	return subs, nil
}
