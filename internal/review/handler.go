package review

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"curator/internal/blockgraph"
	"curator/internal/logger"
	"curator/internal/proposal"
	"curator/internal/scheduler"
	"curator/pkg/errors"
)

type BaseHandler struct {
	Service Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
	scheduler *scheduler.Scheduler
	stats     scheduler.StatsStore
}

func NewHandler(service Service, sched *scheduler.Scheduler, stats scheduler.StatsStore, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
		scheduler: sched,
		stats:     stats,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		groups := v1.Group("/groups")
		{
			groups.GET("", h.GetWorkingGroup)
			groups.POST("/apply", h.ApplyGroup)
		}

		proposals := v1.Group("/proposals")
		{
			proposals.POST("/:id/approve", h.ApproveProposal)
			proposals.POST("/:id/reject", h.RejectProposal)
			proposals.POST("/:id/blocks/:block/approve", h.ApproveBlock)
			proposals.POST("/:id/blocks/:block/reject", h.RejectBlock)
		}

		applications := v1.Group("/applications")
		{
			applications.POST("/:id/reset", h.ResetApplication)
			applications.POST("/:id/replay", h.ReplayApplication)
		}

		autoApply := v1.Group("/auto-apply")
		{
			autoApply.GET("/status", h.AutoApplyStatus)
			autoApply.GET("/runs", h.AutoApplyRuns)
		}
	}
}

func targetKeyFromQuery(c *gin.Context) proposal.TargetKey {
	return proposal.TargetKey{
		EventID:   c.Query("event_id"),
		EditionID: c.Query("edition_id"),
		RaceID:    c.Query("race_id"),
	}
}

func (h *Handler) GetWorkingGroup(c *gin.Context) {
	view, err := h.Service.GetWorkingGroup(c.Request.Context(), targetKeyFromQuery(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type applyGroupRequest struct {
	EventID   string `json:"event_id" binding:"required"`
	EditionID string `json:"edition_id"`
	RaceID    string `json:"race_id"`
}

func (h *Handler) ApplyGroup(c *gin.Context) {
	var req applyGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	key := proposal.TargetKey{EventID: req.EventID, EditionID: req.EditionID, RaceID: req.RaceID}
	result, err := h.Service.ApplyGroup(c.Request.Context(), key)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ApproveProposal(c *gin.Context) {
	p, err := h.Service.ApproveProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) RejectProposal(c *gin.Context) {
	p, err := h.Service.RejectProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) ApproveBlock(c *gin.Context) {
	p, err := h.Service.ApproveBlock(c.Request.Context(), c.Param("id"), blockgraph.BlockType(c.Param("block")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) RejectBlock(c *gin.Context) {
	p, err := h.Service.RejectBlock(c.Request.Context(), c.Param("id"), blockgraph.BlockType(c.Param("block")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type resetApplicationRequest struct {
	CorrectedChanges map[string]proposal.FieldValue `json:"corrected_changes"`
}

func (h *Handler) ResetApplication(c *gin.Context) {
	var req resetApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	app, err := h.Service.ResetApplication(c.Request.Context(), c.Param("id"), req.CorrectedChanges)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (h *Handler) ReplayApplication(c *gin.Context) {
	app, err := h.Service.ReplayApplication(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (h *Handler) AutoApplyStatus(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"state": string(scheduler.StateDisabled)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":    string(h.scheduler.State()),
		"next_run": h.scheduler.NextRunAt(),
	})
}

func (h *Handler) AutoApplyRuns(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusOK, []scheduler.RunStats{})
		return
	}

	runs, err := h.stats.LastRuns(c.Request.Context(), 20)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if runs == nil {
		runs = []scheduler.RunStats{}
	}
	c.JSON(http.StatusOK, runs)
}
