package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/veridoc/veridoc/internal/assess"
	"github.com/veridoc/veridoc/internal/models"
	"github.com/veridoc/veridoc/internal/store"
)

// stubRunner scripts orchestrator behavior for handler tests.
type stubRunner struct {
	startErr   error
	runID      string
	status     models.RunStatus
	statusErr  error
	run        models.AssessmentRun
	resultsErr error
	cancelErr  error
	cancelled  []string
}

func (s *stubRunner) StartAssessment(ctx context.Context, workflowID string, assignments []models.DocumentAssignment) (string, error) {
	if s.startErr != nil {
		return "", s.startErr
	}
	return s.runID, nil
}

func (s *stubRunner) Rerun(ctx context.Context, prevRunID, replacedDocumentID, newDocumentID string) (string, error) {
	if s.startErr != nil {
		return "", s.startErr
	}
	return s.runID, nil
}

func (s *stubRunner) Cancel(runID string) error {
	s.cancelled = append(s.cancelled, runID)
	return s.cancelErr
}

func (s *stubRunner) Status(ctx context.Context, runID string) (models.RunStatus, int, int, error) {
	if s.statusErr != nil {
		return "", 0, 0, s.statusErr
	}
	return s.status, 2, 5, nil
}

func (s *stubRunner) Results(ctx context.Context, runID string) (models.AssessmentRun, error) {
	if s.resultsErr != nil {
		return models.AssessmentRun{}, s.resultsErr
	}
	return s.run, nil
}

type stubLister struct {
	runs []store.RunSummary
}

func (s *stubLister) ListRuns(ctx context.Context, workflowID string) ([]store.RunSummary, error) {
	return s.runs, nil
}

func newTestContext(method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestStartAssessmentAccepted(t *testing.T) {
	h := &AssessmentsHandler{Runner: &stubRunner{runID: "run-9"}}
	ctx, rec := newTestContext(http.MethodPost, "/api/assessments",
		`{"workflow_id":"wf-1","documents":[{"document_id":"doc-a","bucket_id":"b-1"}]}`)

	if err := h.start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp startResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RunID != "run-9" {
		t.Fatalf("run_id = %q", resp.RunID)
	}
}

func TestStartAssessmentPreconditionMapsTo422(t *testing.T) {
	h := &AssessmentsHandler{Runner: &stubRunner{
		startErr: fmt.Errorf("%w: workflow has zero criteria", assess.ErrRunPrecondition),
	}}
	ctx, _ := newTestContext(http.MethodPost, "/api/assessments", `{"workflow_id":"wf-1"}`)

	err := h.start(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
}

func TestStartAssessmentMissingWorkflowID(t *testing.T) {
	h := &AssessmentsHandler{Runner: &stubRunner{}}
	ctx, _ := newTestContext(http.MethodPost, "/api/assessments", `{"documents":[]}`)

	err := h.start(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := &AssessmentsHandler{Runner: &stubRunner{status: models.RunRunning}}
	ctx, rec := newTestContext(http.MethodGet, "/api/assessments/run-1/status", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	if err := h.status(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != models.RunRunning || resp.CompletedCount != 2 || resp.TotalCount != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestStatusUnknownRunIs404(t *testing.T) {
	h := &AssessmentsHandler{Runner: &stubRunner{
		statusErr: fmt.Errorf("%w: nope", assess.ErrRunNotFound),
	}}
	ctx, _ := newTestContext(http.MethodGet, "/api/assessments/nope/status", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("nope")

	err := h.status(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestResultsWhileRunningIs409(t *testing.T) {
	h := &AssessmentsHandler{Runner: &stubRunner{
		resultsErr: fmt.Errorf("%w: run run-1 is running", assess.ErrNotReady),
	}}
	ctx, _ := newTestContext(http.MethodGet, "/api/assessments/run-1", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	err := h.results(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %v", err)
	}
}

func TestResultsReturnsFinishedRun(t *testing.T) {
	run := models.AssessmentRun{
		ID: "run-1", WorkflowID: "wf-1", Status: models.RunCompleted, OverallPass: true,
		Results: []models.CriterionResult{{ID: "res-1", CriterionID: "c-1", Passed: true, Confidence: models.ConfidenceHigh}},
	}
	h := &AssessmentsHandler{Runner: &stubRunner{run: run}}
	ctx, rec := newTestContext(http.MethodGet, "/api/assessments/run-1", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	if err := h.results(ctx); err != nil {
		t.Fatalf("results: %v", err)
	}
	var got models.AssessmentRun
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "run-1" || len(got.Results) != 1 || !got.OverallPass {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestCancelEndpoint(t *testing.T) {
	stub := &stubRunner{}
	h := &AssessmentsHandler{Runner: stub}
	ctx, rec := newTestContext(http.MethodPost, "/api/assessments/run-1/cancel", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	if err := h.cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(stub.cancelled) != 1 || stub.cancelled[0] != "run-1" {
		t.Fatalf("cancel not forwarded: %v", stub.cancelled)
	}
}

func TestRerunEndpoint(t *testing.T) {
	h := &AssessmentsHandler{Runner: &stubRunner{runID: "run-2"}}
	ctx, rec := newTestContext(http.MethodPost, "/api/assessments/run-1/rerun",
		`{"replaced_document_id":"doc-a","new_document_id":"doc-b"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	if err := h.rerun(ctx); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListRequiresWorkflowID(t *testing.T) {
	h := &AssessmentsHandler{Runner: &stubRunner{}, Runs: &stubLister{}}
	ctx, _ := newTestContext(http.MethodGet, "/api/assessments", "")

	err := h.list(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
