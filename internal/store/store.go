// Package store persists workflows, assessment runs and criterion results in
// Postgres. Results are append-only: a finished run is never modified, a
// re-run writes a fresh set of rows under a new run id.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/veridoc/veridoc/internal/assess"
	"github.com/veridoc/veridoc/internal/models"
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Workflow operations

func (s *Store) CreateWorkflow(ctx context.Context, wf models.Workflow) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO workflows (id, name) VALUES ($1,$2)`, wf.ID, wf.Name); err != nil {
		return err
	}
	for i, b := range wf.Buckets {
		if _, err := tx.ExecContext(ctx, `INSERT INTO buckets (id, workflow_id, name, position) VALUES ($1,$2,$3,$4)`,
			b.ID, wf.ID, b.Name, i); err != nil {
			return err
		}
	}
	for i, c := range wf.Criteria {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO criteria (id, workflow_id, name, description, example, required, bucket_ids, position)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			c.ID, wf.ID, c.Name, c.Description, c.Example, c.Required, pq.Array(c.Buckets), i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (models.Workflow, error) {
	var wf models.Workflow
	err := s.DB.QueryRowContext(ctx, `SELECT id, name FROM workflows WHERE id=$1`, workflowID).Scan(&wf.ID, &wf.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Workflow{}, fmt.Errorf("workflow %s: %w", workflowID, sql.ErrNoRows)
	}
	if err != nil {
		return models.Workflow{}, err
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT id, name FROM buckets WHERE workflow_id=$1 ORDER BY position`, workflowID)
	if err != nil {
		return models.Workflow{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var b models.Bucket
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return models.Workflow{}, err
		}
		wf.Buckets = append(wf.Buckets, b)
	}
	if err := rows.Err(); err != nil {
		return models.Workflow{}, err
	}

	crows, err := s.DB.QueryContext(ctx, `
SELECT id, name, description, example, required, bucket_ids
FROM criteria WHERE workflow_id=$1 ORDER BY position`, workflowID)
	if err != nil {
		return models.Workflow{}, err
	}
	defer crows.Close()
	for crows.Next() {
		var c models.Criterion
		if err := crows.Scan(&c.ID, &c.Name, &c.Description, &c.Example, &c.Required, pq.Array(&c.Buckets)); err != nil {
			return models.Workflow{}, err
		}
		wf.Criteria = append(wf.Criteria, c)
	}
	return wf, crows.Err()
}

// Run operations

func (s *Store) CreateRun(ctx context.Context, run models.AssessmentRun) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO assessment_runs (id, workflow_id, status, total_count, started_at)
VALUES ($1,$2,$3,$4,$5)`,
		run.ID, run.WorkflowID, string(run.Status), run.TotalCount, run.StartedAt); err != nil {
		return err
	}
	for i, a := range run.Assignments {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO run_assignments (run_id, document_id, bucket_id, position) VALUES ($1,$2,$3,$4)`,
			run.ID, a.DocumentID, a.BucketID, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) MarkRunRunning(ctx context.Context, runID string, totalCount int) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE assessment_runs SET status=$2, total_count=$3 WHERE id=$1`,
		runID, string(models.RunRunning), totalCount)
	return err
}

// InsertCriterionResult appends one result row and bumps the run's progress
// counter in the same transaction so polling never sees them disagree.
func (s *Store) InsertCriterionResult(ctx context.Context, r models.CriterionResult) error {
	var evidence []byte
	if r.Evidence != nil {
		b, err := json.Marshal(r.Evidence)
		if err != nil {
			return fmt.Errorf("encoding evidence: %w", err)
		}
		evidence = b
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO criterion_results (id, run_id, criterion_id, criterion_text, passed, confidence, evidence, reasoning, raw_response, error, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.RunID, r.CriterionID, r.CriterionText, r.Passed, string(r.Confidence),
		evidence, r.Reasoning, string(r.RawResponse), r.Error, r.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE assessment_runs SET completed_count = completed_count + 1 WHERE id=$1`, r.RunID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FinishRun(ctx context.Context, runID string, status models.RunStatus, overallPass bool, message string) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE assessment_runs SET status=$2, overall_pass=$3, error=$4, completed_at=NOW() WHERE id=$1`,
		runID, string(status), overallPass, message)
	return err
}

func (s *Store) GetRunStatus(ctx context.Context, runID string) (models.RunStatus, int, int, error) {
	var status string
	var completed, total int
	err := s.DB.QueryRowContext(ctx, `
SELECT status, completed_count, total_count FROM assessment_runs WHERE id=$1`, runID).
		Scan(&status, &completed, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, 0, fmt.Errorf("%w: %s", assess.ErrRunNotFound, runID)
	}
	if err != nil {
		return "", 0, 0, err
	}
	return models.RunStatus(status), completed, total, nil
}

// GetRun loads a run with its assignments and all result rows.
func (s *Store) GetRun(ctx context.Context, runID string) (models.AssessmentRun, error) {
	var run models.AssessmentRun
	var status string
	var errMsg sql.NullString
	var completedAt sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT id, workflow_id, status, overall_pass, error, completed_count, total_count, started_at, completed_at
FROM assessment_runs WHERE id=$1`, runID).
		Scan(&run.ID, &run.WorkflowID, &status, &run.OverallPass, &errMsg,
			&run.CompletedCount, &run.TotalCount, &run.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AssessmentRun{}, fmt.Errorf("%w: %s", assess.ErrRunNotFound, runID)
	}
	if err != nil {
		return models.AssessmentRun{}, err
	}
	run.Status = models.RunStatus(status)
	run.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}

	arows, err := s.DB.QueryContext(ctx, `
SELECT document_id, bucket_id FROM run_assignments WHERE run_id=$1 ORDER BY position`, runID)
	if err != nil {
		return models.AssessmentRun{}, err
	}
	defer arows.Close()
	for arows.Next() {
		var a models.DocumentAssignment
		if err := arows.Scan(&a.DocumentID, &a.BucketID); err != nil {
			return models.AssessmentRun{}, err
		}
		run.Assignments = append(run.Assignments, a)
	}
	if err := arows.Err(); err != nil {
		return models.AssessmentRun{}, err
	}

	results, err := s.listResults(ctx, runID)
	if err != nil {
		return models.AssessmentRun{}, err
	}
	run.Results = results
	return run, nil
}

func (s *Store) listResults(ctx context.Context, runID string) ([]models.CriterionResult, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, run_id, criterion_id, criterion_text, passed, confidence, evidence, reasoning, raw_response, error, created_at
FROM criterion_results WHERE run_id=$1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CriterionResult
	for rows.Next() {
		var r models.CriterionResult
		var confidence string
		var evidence []byte
		var reasoning, raw, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.CriterionID, &r.CriterionText, &r.Passed,
			&confidence, &evidence, &reasoning, &raw, &errMsg, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Confidence = models.Confidence(confidence)
		r.Reasoning = reasoning.String
		if raw.String != "" {
			r.RawResponse = json.RawMessage(raw.String)
		}
		r.Error = errMsg.String
		if len(evidence) > 0 {
			var ref models.EvidenceReference
			if err := json.Unmarshal(evidence, &ref); err != nil {
				return nil, fmt.Errorf("decoding evidence for result %s: %w", r.ID, err)
			}
			r.Evidence = &ref
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunSummary is the lightweight listing view.
type RunSummary struct {
	ID             string           `json:"id"`
	WorkflowID     string           `json:"workflow_id"`
	Status         models.RunStatus `json:"status"`
	OverallPass    bool             `json:"overall_pass"`
	CompletedCount int              `json:"completed_count"`
	TotalCount     int              `json:"total_count"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

func (s *Store) ListRuns(ctx context.Context, workflowID string) ([]RunSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, workflow_id, status, overall_pass, completed_count, total_count, started_at, completed_at
FROM assessment_runs WHERE workflow_id=$1 ORDER BY started_at DESC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.WorkflowID, &status, &r.OverallPass,
			&r.CompletedCount, &r.TotalCount, &r.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Status = models.RunStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
