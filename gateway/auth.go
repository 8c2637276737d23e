package gateway

import (
	"net/http"
	"strings"

	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/models"
	"github.com/gin-gonic/gin"
)

const principalKey = "principal"

// tokenTable maps bearer tokens to principals. Keys are lower-cased
// because viper lower-cases map keys when loading.
type tokenTable map[string]models.Principal

func newTokenTable(cfg config.AuthConfig) tokenTable {
	t := make(tokenTable, len(cfg.AdminTokens))
	for token, who := range cfg.AdminTokens {
		t[strings.ToLower(token)] = models.Principal{ID: who.UserID, Role: who.Role}
	}
	return t
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// requireAdmin resolves the bearer token to a principal and lets only
// admins through.
func requireAdmin(tokens tokenTable) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		principal, ok := tokens[strings.ToLower(token)]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !principal.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func principalFrom(c *gin.Context) models.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(models.Principal); ok {
			return p
		}
	}
	return models.Principal{}
}
