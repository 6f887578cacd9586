package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"planningpoker/services"
)

// AdminTokenValidator checks an admin bearer token against a session.
type AdminTokenValidator interface {
	ValidateAdminToken(token, gameID string) (*services.AdminClaims, error)
}

// AdminAuth requires a bearer token issued for the session in the :id path
// parameter and stores the admin id under "admin_id".
func AdminAuth(validator AdminTokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		claims, err := validator.ValidateAdminToken(token, c.Param("id"))
		if err != nil {
			log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("admin token rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired admin token"})
			c.Abort()
			return
		}

		c.Set("admin_id", claims.Subject)
		c.Next()
	}
}
