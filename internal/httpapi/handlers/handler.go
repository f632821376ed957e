package handlers

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gemchat/gemchat/internal/chat"
	"github.com/gemchat/gemchat/internal/common"
	"github.com/gemchat/gemchat/internal/config"
	"github.com/gemchat/gemchat/internal/httpapi/middleware"
	"github.com/gemchat/gemchat/internal/subscription"
)

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	ChatSvc *chat.Service
	Plans   *subscription.Plans
}

func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, plans *subscription.Plans) *Handler {
	return &Handler{DB: db, Cfg: cfg, ChatSvc: svc, Plans: plans}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func tierFromContext(c *gin.Context) string {
	v, ok := c.Get(middleware.TierKey)
	if !ok {
		return ""
	}
	tier, _ := v.(string)
	return tier
}
