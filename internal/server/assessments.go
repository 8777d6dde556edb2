package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/veridoc/veridoc/internal/assess"
	"github.com/veridoc/veridoc/internal/models"
	"github.com/veridoc/veridoc/internal/store"
)

// Runner is the orchestrator surface the HTTP layer depends on.
type Runner interface {
	StartAssessment(ctx context.Context, workflowID string, assignments []models.DocumentAssignment) (string, error)
	Rerun(ctx context.Context, prevRunID, replacedDocumentID, newDocumentID string) (string, error)
	Cancel(runID string) error
	Status(ctx context.Context, runID string) (models.RunStatus, int, int, error)
	Results(ctx context.Context, runID string) (models.AssessmentRun, error)
}

// RunLister lists persisted runs for a workflow.
type RunLister interface {
	ListRuns(ctx context.Context, workflowID string) ([]store.RunSummary, error)
}

type AssessmentsHandler struct {
	Runner Runner
	Runs   RunLister
}

func (h *AssessmentsHandler) Register(g *echo.Group) {
	g.POST("", h.start)
	g.GET("", h.list)
	g.GET("/:id", h.results)
	g.GET("/:id/status", h.status)
	g.POST("/:id/cancel", h.cancel)
	g.POST("/:id/rerun", h.rerun)
}

type startRequest struct {
	WorkflowID string                      `json:"workflow_id"`
	Documents  []models.DocumentAssignment `json:"documents"`
}

type startResponse struct {
	RunID string `json:"run_id"`
}

func (h *AssessmentsHandler) start(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.WorkflowID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id is required")
	}
	runID, err := h.Runner.StartAssessment(c.Request().Context(), req.WorkflowID, req.Documents)
	if err != nil {
		if errors.Is(err, assess.ErrRunPrecondition) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusAccepted, startResponse{RunID: runID})
}

type rerunRequest struct {
	ReplacedDocumentID string `json:"replaced_document_id"`
	NewDocumentID      string `json:"new_document_id"`
}

func (h *AssessmentsHandler) rerun(c echo.Context) error {
	var req rerunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ReplacedDocumentID == "" || req.NewDocumentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "replaced_document_id and new_document_id are required")
	}
	runID, err := h.Runner.Rerun(c.Request().Context(), c.Param("id"), req.ReplacedDocumentID, req.NewDocumentID)
	if err != nil {
		switch {
		case errors.Is(err, assess.ErrRunNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, assess.ErrRunPrecondition):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusAccepted, startResponse{RunID: runID})
}

type statusResponse struct {
	RunID          string           `json:"run_id"`
	Status         models.RunStatus `json:"status"`
	CompletedCount int              `json:"completed_count"`
	TotalCount     int              `json:"total_count"`
}

func (h *AssessmentsHandler) status(c echo.Context) error {
	runID := c.Param("id")
	status, completed, total, err := h.Runner.Status(c.Request().Context(), runID)
	if err != nil {
		if errors.Is(err, assess.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, statusResponse{
		RunID:          runID,
		Status:         status,
		CompletedCount: completed,
		TotalCount:     total,
	})
}

func (h *AssessmentsHandler) results(c echo.Context) error {
	run, err := h.Runner.Results(c.Request().Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, assess.ErrRunNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, assess.ErrNotReady):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (h *AssessmentsHandler) cancel(c echo.Context) error {
	if err := h.Runner.Cancel(c.Param("id")); err != nil {
		if errors.Is(err, assess.ErrRunNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *AssessmentsHandler) list(c echo.Context) error {
	workflowID := c.QueryParam("workflow_id")
	if workflowID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id query parameter is required")
	}
	runs, err := h.Runs.ListRuns(c.Request().Context(), workflowID)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	return c.JSON(http.StatusOK, runs)
}
