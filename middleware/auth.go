package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/presence-service/auth"
	"chorus/presence-service/models"
)

const principalKey = "principal"

// Auth verifies the bearer credential on every request. Failures abort with
// 401 before the handler, and so before any store access.
func Auth(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := verifier.Verify(c.Request.Context(), auth.ExtractToken(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: "unauthorized"})
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// PrincipalFrom returns the principal set by Auth, or the zero Principal.
func PrincipalFrom(c *gin.Context) auth.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return auth.Principal{}
	}
	p, _ := v.(auth.Principal)
	return p
}
