package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mileage_backend/utils"
)

// SessionMiddleware reads the bearer JWT and places tenant, user, role and cohorts into the request context.
// Requests without a token pass through; handlers decide whether identity is required.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		const bearer = "Bearer "
		if len(auth) <= len(bearer) || !strings.EqualFold(auth[:len(bearer)], bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		token := strings.TrimSpace(auth[len(bearer):])

		validate, err := utils.JwtValidate(token)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claim, ok := validate.Claims.(*utils.JwtCustomClaim)
		if !ok || claim.TenantId == "" || claim.ID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetTenantIdInContext(ctx, claim.TenantId)
		ctx = utils.SetUserIdInContext(ctx, claim.ID)
		if claim.Name != "" {
			ctx = utils.SetUserNameInContext(ctx, claim.Name)
		}
		if len(claim.Cohorts) > 0 {
			ctx = utils.SetCohortsInContext(ctx, claim.Cohorts)
		}
		ctx = utils.SetIsAdminInContext(ctx, claim.IsAdmin())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
