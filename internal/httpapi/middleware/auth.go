package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gemchat/gemchat/internal/auth"
	"github.com/gemchat/gemchat/internal/common"
	"github.com/gemchat/gemchat/internal/models"
)

const (
	UserIDKey = "userID"
	TierKey   = "subscriptionTier"
)

// AuthRequired validates the bearer token and loads the user's tier so the
// quota gate downstream trusts a single (userID, tier) pair per request.
func AuthRequired(db *gorm.DB, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			c.Abort()
			return
		}

		uid, err := auth.ParseJWT(token, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			c.Abort()
			return
		}

		var user models.User
		if err := db.WithContext(c.Request.Context()).First(&user, uid).Error; err != nil {
			common.Fail(c, http.StatusUnauthorized, 40103, "user not found")
			c.Abort()
			return
		}

		c.Set(UserIDKey, user.ID)
		c.Set(TierKey, user.SubscriptionTier)
		c.Next()
	}
}
