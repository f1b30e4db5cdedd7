package agent

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"facet/internal/config"
	"facet/internal/fanout"
	"facet/internal/logger"
	"facet/internal/registry"
	"facet/pkg/errors"
)

type BaseHandler struct {
	Logger logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
	agent *Agent
	hub   *fanout.Hub
}

func NewHandler(agent *Agent, hub *fanout.Hub, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{Logger: log},
		agent:       agent,
		hub:         hub,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		filters := v1.Group("/filters")
		{
			filters.GET("/:dimension/options", h.ListFilterOptions)
		}

		dimensions := v1.Group("/dimensions")
		{
			dimensions.GET("", h.ListDimensions)
			dimensions.POST("", h.AddDimension)
			dimensions.PUT("/:name", h.UpdateDimension)
		}

		v1.GET("/agent/health", h.AgentHealth)
	}

	router.GET("/ws", h.hub.ServeWS())
}

type DimensionResponse struct {
	Name         string `json:"name"`
	SourceTable  string `json:"source_table"`
	SourceColumn string `json:"source_column"`
	MasterTable  string `json:"master_table"`
	Enabled      bool   `json:"enabled"`
	RefreshMS    int    `json:"refresh_interval_ms,omitempty"`
	ValueFilter  string `json:"value_filter,omitempty"`
}

type AddDimensionRequest struct {
	Name              string `json:"name" binding:"required"`
	SourceTable       string `json:"source_table" binding:"required"`
	SourceColumn      string `json:"source_column" binding:"required"`
	MasterTable       string `json:"master_table" binding:"required"`
	RefreshIntervalMS int    `json:"refresh_interval_ms"`
	ValueFilter       string `json:"value_filter"`
}

type UpdateDimensionRequest struct {
	Enabled           *bool `json:"enabled"`
	RefreshIntervalMS *int  `json:"refresh_interval_ms"`
}

type FilterOptionsResponse struct {
	Dimension string    `json:"dimension"`
	Options   []string  `json:"options"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

type DimensionListResponse struct {
	Dimensions   []DimensionResponse `json:"dimensions"`
	EnabledCount int                 `json:"enabled_count"`
	Status       string              `json:"status"`
}

func (h *Handler) ListFilterOptions(c *gin.Context) {
	dimension := c.Param("dimension")

	options, err := h.agent.ListFilterOptions(c.Request.Context(), dimension)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, FilterOptionsResponse{
		Dimension: dimension,
		Options:   options,
		Count:     len(options),
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handler) ListDimensions(c *gin.Context) {
	dims := h.agent.ListDimensions()
	out := make([]DimensionResponse, 0, len(dims))
	enabled := 0
	for _, d := range dims {
		if d.Enabled {
			enabled++
		}
		out = append(out, DimensionResponse{
			Name:         d.Name,
			SourceTable:  d.SourceTable,
			SourceColumn: d.SourceColumn,
			MasterTable:  d.MasterTable,
			Enabled:      d.Enabled,
			RefreshMS:    d.RefreshMS,
			ValueFilter:  d.ValueFilter,
		})
	}
	c.JSON(http.StatusOK, DimensionListResponse{
		Dimensions:   out,
		EnabledCount: enabled,
		Status:       h.agent.Health().Status,
	})
}

func (h *Handler) AddDimension(c *gin.Context) {
	var req AddDimensionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	dim, err := h.agent.AddDimension(c.Request.Context(), config.DimensionSpec{
		Name:              req.Name,
		SourceTable:       req.SourceTable,
		SourceColumn:      req.SourceColumn,
		MasterTable:       req.MasterTable,
		RefreshIntervalMS: req.RefreshIntervalMS,
		ValueFilter:       req.ValueFilter,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, DimensionResponse{
		Name:         dim.Name,
		SourceTable:  dim.SourceTable,
		SourceColumn: dim.SourceColumn,
		MasterTable:  dim.MasterTable,
		Enabled:      dim.Enabled,
		RefreshMS:    dim.RefreshMS,
		ValueFilter:  dim.ValueFilter,
	})
}

func (h *Handler) UpdateDimension(c *gin.Context) {
	name := c.Param("name")

	var req UpdateDimensionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}
	if req.Enabled == nil && req.RefreshIntervalMS == nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(
			errors.ErrValidation.WithDetail("reason", "at least one of enabled or refresh_interval_ms is required")))
		return
	}

	var dim registry.Dimension
	var err error
	if req.RefreshIntervalMS != nil {
		if *req.RefreshIntervalMS < 0 {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(
				errors.ErrValidation.WithDetail("reason", "refresh_interval_ms must be non-negative")))
			return
		}
		dim, err = h.agent.SetRefreshInterval(c.Request.Context(), name, *req.RefreshIntervalMS)
		if err != nil {
			h.HandleError(c, err)
			return
		}
	}
	if req.Enabled != nil {
		dim, err = h.agent.SetEnabled(c.Request.Context(), name, *req.Enabled)
		if err != nil {
			h.HandleError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, DimensionResponse{
		Name:         dim.Name,
		SourceTable:  dim.SourceTable,
		SourceColumn: dim.SourceColumn,
		MasterTable:  dim.MasterTable,
		Enabled:      dim.Enabled,
		RefreshMS:    dim.RefreshMS,
		ValueFilter:  dim.ValueFilter,
	})
}

func (h *Handler) AgentHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.agent.Health())
}
