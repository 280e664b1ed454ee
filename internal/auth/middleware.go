package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"schoolpass/internal/records"
)

const claimsKey = "claims"

// Authenticate enforces a bearer access token.
func Authenticate(signer *Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := signer.Parse(tokenStr, TypeAccess)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// Require rejects callers whose role lacks the capability picked by allow.
func Require(allow func(records.Capabilities) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok || !allow(claims.Role.Can()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// CanManage and CanView are the capability selectors used by the router.
func CanManage(c records.Capabilities) bool { return c.ManageRecords }
func CanView(c records.Capabilities) bool   { return c.ViewRecords }

// ClaimsFrom returns the claims set by Authenticate.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}
