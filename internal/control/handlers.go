package control

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-autopilot/internal/types"
	"github.com/ksred/klear-autopilot/pkg/response"
)

const OperatorHeader = "X-Operator"

type decisionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type closeRequest struct {
	PnL *float64 `json:"pnl" binding:"required"`
}

type scanRequest struct {
	Instrument string `json:"instrument"`
}

// GinHandlers contains HTTP handlers for the operator endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// RegisterRoutes mounts the operator endpoints on rg.
func (h *GinHandlers) RegisterRoutes(rg *gin.RouterGroup) {
	ideas := rg.Group("/ideas")
	{
		ideas.GET("", h.ListIdeasHandler())
		ideas.GET("/:idea_id", h.GetIdeaHandler())
		ideas.GET("/:idea_id/history", h.HistoryHandler())
		ideas.POST("/:idea_id/approve", h.ApproveIdeaHandler())
		ideas.POST("/:idea_id/reject", h.RejectIdeaHandler())
		ideas.POST("/:idea_id/close", h.ClosePositionHandler())
	}

	rg.GET("/instruments/:instrument/history", h.InstrumentHistoryHandler())
	rg.POST("/scan", h.ScanHandler())

	riskGroup := rg.Group("/risk")
	{
		riskGroup.GET("/budget", h.GetBudgetHandler())
		riskGroup.PATCH("/budget", h.UpdateBudgetHandler())
	}

	rg.GET("/autonomy/status", h.StatusHandler())
}

// ListIdeasHandler handles GET /ideas?state=&instrument=&limit=
func (h *GinHandlers) ListIdeasHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := queryInt(c, "limit")
		if !ok {
			return
		}
		out, err := h.service.ListIdeas(c.Request.Context(), c.Query("state"), c.Query("instrument"), limit)
		response.Handle(c, out, err)
	}
}

func (h *GinHandlers) GetIdeaHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idea, err := h.service.GetIdea(c.Request.Context(), c.Param("idea_id"))
		response.Handle(c, idea, err)
	}
}

func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := h.service.History(c.Request.Context(), c.Param("idea_id"))
		response.Handle(c, rows, err)
	}
}

func (h *GinHandlers) InstrumentHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := queryInt(c, "limit")
		if !ok {
			return
		}
		rows, err := h.service.InstrumentHistory(c.Request.Context(), c.Param("instrument"), limit)
		response.Handle(c, rows, err)
	}
}

// ApproveIdeaHandler handles POST /ideas/:idea_id/approve. The actor comes
// from the body or the X-Operator header.
func (h *GinHandlers) ApproveIdeaHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindDecision(c)
		if !ok {
			return
		}
		idea, err := h.service.ApproveIdea(c.Request.Context(), c.Param("idea_id"), req.Actor)
		response.Handle(c, idea, err)
	}
}

func (h *GinHandlers) RejectIdeaHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindDecision(c)
		if !ok {
			return
		}
		idea, err := h.service.RejectIdea(c.Request.Context(), c.Param("idea_id"), req.Actor, req.Reason)
		response.Handle(c, idea, err)
	}
}

// ClosePositionHandler handles POST /ideas/:idea_id/close with the realized
// pnl of the position.
func (h *GinHandlers) ClosePositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req closeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		pos, err := h.service.RecordPositionClosed(c.Request.Context(), c.Param("idea_id"), *req.PnL)
		response.Handle(c, pos, err)
	}
}

// ScanHandler handles POST /scan. An empty body scans every instrument.
func (h *GinHandlers) ScanHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scanRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}
		if req.Instrument == "" {
			req.Instrument = c.Query("instrument")
		}

		out, err := h.service.TriggerScanNow(c.Request.Context(), req.Instrument)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if out.Queued {
			response.Accepted(c, out)
			return
		}
		response.Success(c, out)
	}
}

func (h *GinHandlers) GetBudgetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.GetRiskBudget())
	}
}

// UpdateBudgetHandler handles PATCH /risk/budget. Only the fields present in
// the body change.
func (h *GinHandlers) UpdateBudgetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var u types.BudgetUpdate
		if err := c.ShouldBindJSON(&u); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		out, err := h.service.UpdateRiskBudget(c.Request.Context(), u)
		response.Handle(c, out, err)
	}
}

func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.SchedulerStatus())
	}
}

func bindDecision(c *gin.Context) (decisionRequest, bool) {
	var req decisionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return req, false
		}
	}
	if req.Actor == "" {
		req.Actor = c.GetHeader(OperatorHeader)
	}
	return req, true
}

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		response.BadRequest(c, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
