package server

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/veridoc/veridoc/internal/models"
	"github.com/veridoc/veridoc/internal/store"
)

type WorkflowsHandler struct {
	Store *store.Store
}

func (h *WorkflowsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/:id", h.get)
}

type createWorkflowRequest struct {
	Name     string             `json:"name"`
	Buckets  []models.Bucket    `json:"buckets"`
	Criteria []models.Criterion `json:"criteria"`
}

func (h *WorkflowsHandler) create(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if len(req.Criteria) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one criterion is required")
	}
	bucketIDs := make(map[string]bool, len(req.Buckets))
	for i := range req.Buckets {
		if req.Buckets[i].ID == "" {
			req.Buckets[i].ID = uuid.NewString()
		}
		bucketIDs[req.Buckets[i].ID] = true
	}
	for i := range req.Criteria {
		if req.Criteria[i].ID == "" {
			req.Criteria[i].ID = uuid.NewString()
		}
		for _, b := range req.Criteria[i].Buckets {
			if !bucketIDs[b] {
				return echo.NewHTTPError(http.StatusBadRequest, "criterion references unknown bucket "+b)
			}
		}
	}
	wf := models.Workflow{
		ID:       uuid.NewString(),
		Name:     req.Name,
		Buckets:  req.Buckets,
		Criteria: req.Criteria,
	}
	if err := h.Store.CreateWorkflow(c.Request().Context(), wf); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

func (h *WorkflowsHandler) get(c echo.Context) error {
	wf, err := h.Store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, wf)
}
