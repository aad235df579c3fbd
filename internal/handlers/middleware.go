package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (h *Handler) apiTokenMiddleware(c *gin.Context) {
	if h.apiToken == "" {
		c.Next()
		return
	}

	header := c.GetHeader("Authorization")
	if header == "" && c.IsWebsocket() {
		if q := c.Query("token"); q != "" {
			header = "Bearer " + q
		}
	}
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "missing Authorization header",
		})
		return
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid Authorization header format",
		})
		return
	}

	if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(h.apiToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid token",
		})
		return
	}

	c.Next()
}
