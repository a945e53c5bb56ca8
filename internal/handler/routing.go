package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/routing-service/internal/errs"
	"github.com/psds-microservice/routing-service/internal/model"
	"github.com/psds-microservice/routing-service/internal/service"
	"gorm.io/gorm"
)

const defaultStatsPeriod = 24 * time.Hour

type RoutingHandler struct {
	svc service.RoutingServicer
}

func NewRoutingHandler(svc service.RoutingServicer) *RoutingHandler {
	return &RoutingHandler{svc: svc}
}

// writeError переводит ошибки движка в HTTP-статусы.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrAgentNotFound),
		errors.Is(err, errs.ErrConversationNotFound),
		errors.Is(err, errs.ErrQueueEntryNotFound),
		errors.Is(err, errs.ErrAssignmentNotFound),
		errors.Is(err, errs.ErrRoutingConfigMissing):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrCapacityExceeded),
		errors.Is(err, errs.ErrConversationAlreadyAssigned),
		errors.Is(err, errs.ErrConversationNotAssigned),
		errors.Is(err, errs.ErrConversationClosed),
		errors.Is(err, errs.ErrAlreadyQueued),
		errors.Is(err, gorm.ErrDuplicatedKey):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrInvalidTargetAgent),
		errors.Is(err, errs.ErrInvalidStateTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrInvalidRoutingConfig),
		errors.Is(err, errs.ErrInvalidAgent),
		errors.Is(err, errs.ErrInvalidConversation):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type assignRequest struct {
	VIPLevel       int      `json:"vip_level"`
	Language       string   `json:"language"`
	DepartmentID   *string  `json:"department_id"`
	RequiredSkills []string `json:"required_skills"`
}

func (h *RoutingHandler) Assign(c *gin.Context) {
	var req assignRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	out, err := h.svc.Assign(c.Request.Context(), service.AssignRequest{
		ConversationID: c.Param("id"),
		VIPLevel:       req.VIPLevel,
		Language:       req.Language,
		DepartmentID:   req.DepartmentID,
		RequiredSkills: req.RequiredSkills,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type manualAssignRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

func (h *RoutingHandler) AssignManual(c *gin.Context) {
	var req manualAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	out, err := h.svc.AssignManual(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type transferRequest struct {
	FromAgentID string `json:"from_agent_id" binding:"required"`
	ToAgentID   string `json:"to_agent_id" binding:"required"`
}

func (h *RoutingHandler) Transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	rec, err := h.svc.Transfer(c.Request.Context(), c.Param("id"), req.FromAgentID, req.ToAgentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type unassignRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Close   bool   `json:"close"`
}

func (h *RoutingHandler) Unassign(c *gin.Context) {
	var req unassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	pulled, err := h.svc.Unassign(c.Request.Context(), c.Param("id"), req.AgentID, req.Close)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released", "pulled": pulled})
}

func (h *RoutingHandler) CloseConversation(c *gin.Context) {
	pulled, err := h.svc.CloseConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "pulled": pulled})
}

type openConversationRequest struct {
	ID        string `json:"id" binding:"required"`
	TenantID  string `json:"tenant_id" binding:"required"`
	VisitorID string `json:"visitor_id" binding:"required"`
}

func (h *RoutingHandler) OpenConversation(c *gin.Context) {
	var req openConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	conv := &model.Conversation{ID: req.ID, TenantID: req.TenantID, VisitorID: req.VisitorID}
	if err := h.svc.OpenConversation(c.Request.Context(), conv); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *RoutingHandler) GetConversation(c *gin.Context) {
	conv, recs, err := h.svc.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []model.AssignmentRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "assignments": recs})
}

func (h *RoutingHandler) RemoveFromQueue(c *gin.Context) {
	if err := h.svc.RemoveFromQueue(c.Request.Context(), c.Param("entryId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoutingHandler) QueueStatus(c *gin.Context) {
	st, err := h.svc.GetQueueStatus(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *RoutingHandler) QueueStats(c *gin.Context) {
	period := defaultStatsPeriod
	if p := c.Query("period"); p != "" {
		d, err := time.ParseDuration(p)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid period"})
			return
		}
		period = d
	}
	st, err := h.svc.GetQueueStats(c.Request.Context(), c.Param("tenant"), period)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *RoutingHandler) GetRoutingConfig(c *gin.Context) {
	cfg, err := h.svc.GetRoutingConfig(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

type routingConfigRequest struct {
	Strategy        string                 `json:"strategy" binding:"required"`
	AutoAssign      *bool                  `json:"auto_assign"`
	MaxWaitMinutes  int                    `json:"max_wait_minutes"`
	DefaultLanguage string                 `json:"default_language"`
	Settings        map[string]interface{} `json:"settings"`
}

func (h *RoutingHandler) UpdateRoutingConfig(c *gin.Context) {
	var req routingConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	cfg := model.DefaultRoutingConfig(c.Param("tenant"))
	cfg.Strategy = model.Strategy(req.Strategy)
	if req.AutoAssign != nil {
		cfg.AutoAssign = *req.AutoAssign
	}
	if req.MaxWaitMinutes != 0 {
		cfg.MaxWaitMinutes = req.MaxWaitMinutes
	}
	if req.DefaultLanguage != "" {
		cfg.DefaultLanguage = req.DefaultLanguage
	}
	cfg.Settings = req.Settings
	saved, err := h.svc.UpdateRoutingConfig(c.Request.Context(), &cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

type registerAgentRequest struct {
	ID                 string   `json:"id" binding:"required"`
	TenantID           string   `json:"tenant_id" binding:"required"`
	Name               string   `json:"name"`
	IsOnline           bool     `json:"is_online"`
	MaxConcurrentChats int      `json:"max_concurrent_chats"`
	Skills             []string `json:"skills"`
	DepartmentID       *string  `json:"department_id"`
	Languages          []string `json:"languages"`
	PriorityLevel      int      `json:"priority_level"`
}

func (h *RoutingHandler) RegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	a := &model.Agent{
		ID:                 req.ID,
		TenantID:           req.TenantID,
		Name:               req.Name,
		IsOnline:           req.IsOnline,
		MaxConcurrentChats: req.MaxConcurrentChats,
		Skills:             req.Skills,
		DepartmentID:       req.DepartmentID,
		Languages:          req.Languages,
		PriorityLevel:      req.PriorityLevel,
	}
	if err := h.svc.RegisterAgent(c.Request.Context(), a); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *RoutingHandler) ListAgents(c *gin.Context) {
	agents, err := h.svc.ListAgents(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		writeError(c, err)
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	c.JSON(http.StatusOK, agents)
}

type agentStateRequest struct {
	State      string     `json:"state" binding:"required"`
	StateUntil *time.Time `json:"state_until"`
}

func (h *RoutingHandler) SetAgentState(c *gin.Context) {
	var req agentStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	a, err := h.svc.SetAgentState(c.Request.Context(), c.Param("id"), model.AgentState(req.State), req.StateUntil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type agentOnlineRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (h *RoutingHandler) SetAgentOnline(c *gin.Context) {
	var req agentOnlineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	a, err := h.svc.SetAgentOnline(c.Request.Context(), c.Param("id"), *req.Online)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}
