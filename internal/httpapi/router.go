package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/gemchat/gemchat/internal/chat"
	"github.com/gemchat/gemchat/internal/common"
	"github.com/gemchat/gemchat/internal/config"
	"github.com/gemchat/gemchat/internal/httpapi/handlers"
	"github.com/gemchat/gemchat/internal/httpapi/middleware"
	"github.com/gemchat/gemchat/internal/store/redisstore"
	"github.com/gemchat/gemchat/internal/subscription"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, svc *chat.Service, plans *subscription.Plans, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())
	r.Use(middleware.RateLimit(rds, cfg.RateLimitWindow, cfg.RateLimitMaxRequests, log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(db, cfg, svc, plans)

	r.GET("/ping", h.Ping)

	r.POST("/signup", h.Signup)
	r.POST("/login", h.Login)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(db, cfg.JWTSecret))
	authGroup.GET("/me", h.Me)
	authGroup.GET("/subscription/plans", h.ListPlans)

	authGroup.POST("/chatrooms", h.CreateChatroom)
	authGroup.GET("/chatrooms", h.ListChatrooms)
	authGroup.GET("/chatrooms/:id", h.GetChatroom)
	authGroup.DELETE("/chatrooms/:id", h.DeleteChatroom)

	authGroup.POST("/chatrooms/:id/messages", h.SendMessage)
	authGroup.GET("/messages/:message_id/status", h.GetMessageStatus)

	return r
}
