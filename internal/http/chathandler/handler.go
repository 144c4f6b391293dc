package chathandler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"telechat/internal/chat"
	"telechat/internal/presence"
	"telechat/internal/services/messages"
)

type statsSource interface {
	Stats() chat.Stats
}

type presenceSource interface {
	Status(ctx context.Context, userID chat.ID) (presence.Status, error)
	OnlineUsers(ctx context.Context) ([]string, error)
}

type Handler struct {
	stats    statsSource
	presence presenceSource
	messages messages.IMessageService
}

func New(stats statsSource, presence presenceSource, msgs messages.IMessageService) *Handler {
	return &Handler{stats: stats, presence: presence, messages: msgs}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.health)
	r.GET("/stats", h.statsInfo)
	r.GET("/presence", h.online)
	r.GET("/users/:id/presence", h.userPresence)
	r.GET("/messages", h.list)
	r.GET("/messages/:id", h.get)
}

// @Summary		Health check
// @Tags			Ops
// @Success		200	{object}	HealthResponse
// @Router			/healthz [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// @Summary		Realtime statistics
// @Description	Live connections and rooms held by this instance.
// @Tags			Ops
// @Success		200	{object}	chat.Stats
// @Router			/stats [get]
func (h *Handler) statsInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats.Stats())
}

// @Summary		Online users
// @Tags			Presence
// @Success		200	{object}	OnlineUsersResponse
// @Failure		500	{object}	ErrorResponse
// @Router			/presence [get]
func (h *Handler) online(c *gin.Context) {
	users, err := h.presence.OnlineUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if users == nil {
		users = []string{}
	}
	c.JSON(http.StatusOK, OnlineUsersResponse{Users: users})
}

// @Summary		User presence
// @Tags			Presence
// @Param			id	path		string	true	"User ID"	default(2)
// @Success		200	{object}	presence.Status
// @Failure		500	{object}	ErrorResponse
// @Router			/users/{id}/presence [get]
func (h *Handler) userPresence(c *gin.Context) {
	st, err := h.presence.Status(c.Request.Context(), chat.ID(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary		List messages
// @Description	One page of an appointment thread or of a two-user conversation, oldest first.
// @Tags			Messages
// @Param			appointment_id	query		string	false	"Appointment ID"
// @Param			user_id			query		string	false	"User ID"
// @Param			peer_id			query		string	false	"Other user ID"
// @Param			before_id		query		string	false	"Return messages older than this id"
// @Param			limit			query		int		false	"Max results (0‑100)"	minimum(0)	maximum(100)	default(50)
// @Success		200				{object}	MessagePage
// @Failure		400				{object}	ErrorResponse
// @Failure		500				{object}	ErrorResponse
// @Router			/messages [get]
func (h *Handler) list(c *gin.Context) {
	var q ListMessagesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	items, err := h.messages.List(c.Request.Context(), chat.MessageQuery{
		AppointmentID: chat.ID(q.AppointmentID),
		UserID:        chat.ID(q.UserID),
		PeerID:        chat.ID(q.PeerID),
		BeforeID:      chat.ID(q.BeforeID),
		Limit:         q.Limit,
	})
	if err != nil {
		c.JSON(statusOf(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, MessagePage{Items: items})
}

// @Summary		Get a message
// @Tags			Messages
// @Param			id	path		string	true	"Message ID"
// @Success		200	{object}	chat.Message
// @Failure		404	{object}	ErrorResponse
// @Router			/messages/{id} [get]
func (h *Handler) get(c *gin.Context) {
	m, err := h.messages.Get(c.Request.Context(), chat.ID(c.Param("id")))
	if err != nil {
		c.JSON(statusOf(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrProtocolViolation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
