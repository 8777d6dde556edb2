package models

import (
	"encoding/json"
	"time"
)

// Confidence is the three-level calibration grade attached to each verdict.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Rank orders confidence grades; higher means more confident.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// RunStatus is the lifecycle state of an assessment run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunPartiallyFailed RunStatus = "partially_failed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunPartiallyFailed, RunFailed, RunCancelled:
		return true
	}
	return false
}

// ExtractedPage is one page of text pulled from a document. Offset is the
// page's start position within the document's concatenated text, so section
// ranges and evidence spans share one coordinate space.
type ExtractedPage struct {
	Number int    `json:"number"` // 1-based
	Text   string `json:"text"`
	Offset int    `json:"offset"`
}

// Bucket is a document category defined by a workflow.
type Bucket struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Criterion is a single named validation rule applied to one or more buckets.
// Criteria are authored externally; the pipeline treats them as read-only.
type Criterion struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Buckets     []string `json:"buckets"`
	Example     string   `json:"example,omitempty"`
	Required    bool     `json:"required"`
}

// AppliesTo reports whether the criterion covers the given bucket.
func (c Criterion) AppliesTo(bucketID string) bool {
	for _, b := range c.Buckets {
		if b == bucketID {
			return true
		}
	}
	return false
}

// Workflow is the read-only snapshot of buckets and criteria taken at run start.
type Workflow struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Buckets  []Bucket    `json:"buckets"`
	Criteria []Criterion `json:"criteria"`
}

// DocumentAssignment binds an uploaded document to the workflow bucket it was
// uploaded for.
type DocumentAssignment struct {
	DocumentID string `json:"document_id"`
	BucketID   string `json:"bucket_id"`
}

// EvidenceReference cites the span that justifies a verdict. Nil on a
// CriterionResult means the criterion resolved without a matching span.
type EvidenceReference struct {
	DocumentID string `json:"document_id"`
	Page       int    `json:"page"`
	Section    string `json:"section"`
	Snippet    string `json:"snippet"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
}

// CriterionResult is the immutable outcome of evaluating one criterion in one
// run. CriterionText snapshots the description used, so later edits to the
// criterion never change how a historical result reads.
type CriterionResult struct {
	ID            string             `json:"id"`
	RunID         string             `json:"run_id"`
	CriterionID   string             `json:"criterion_id"`
	CriterionText string             `json:"criterion_text"`
	Passed        bool               `json:"passed"`
	Confidence    Confidence         `json:"confidence"`
	Evidence      *EvidenceReference `json:"evidence,omitempty"`
	Reasoning     string             `json:"reasoning"`
	RawResponse   json.RawMessage    `json:"raw_response,omitempty"`
	Error         string             `json:"error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// AssessmentRun is one execution of all applicable criteria against one
// document set.
type AssessmentRun struct {
	ID             string               `json:"id"`
	WorkflowID     string               `json:"workflow_id"`
	Status         RunStatus            `json:"status"`
	Assignments    []DocumentAssignment `json:"assignments"`
	Results        []CriterionResult    `json:"results,omitempty"`
	CompletedCount int                  `json:"completed_count"`
	TotalCount     int                  `json:"total_count"`
	OverallPass    bool                 `json:"overall_pass"`
	Error          string               `json:"error,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
}

// OverallPass derives the run-level verdict: every required criterion must
// pass; optional criteria never affect it.
func OverallPass(criteria []Criterion, results []CriterionResult) bool {
	required := make(map[string]bool, len(criteria))
	for _, c := range criteria {
		if c.Required {
			required[c.ID] = true
		}
	}
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		if !required[r.CriterionID] {
			continue
		}
		seen[r.CriterionID] = true
		if !r.Passed || r.Error != "" {
			return false
		}
	}
	for id := range required {
		if !seen[id] {
			return false
		}
	}
	return true
}
