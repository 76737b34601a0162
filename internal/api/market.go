package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coindeck/coindeck-api/internal/middleware"
)

// Guarded data routes. The handlers themselves are thin; they exist so
// every scope in the catalog has at least one route requiring it.

func (s *Server) makeTickerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := strings.ToUpper(c.Param("symbol"))
		if symbol == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
			return
		}

		auth, _ := middleware.GetAuthFromContext(c)
		c.JSON(http.StatusOK, gin.H{
			"symbol":      symbol,
			"environment": auth.Environment,
			"as_of":       time.Now().UTC(),
		})
	}
}

func (s *Server) makePortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth, _ := middleware.GetAuthFromContext(c)
		c.JSON(http.StatusOK, gin.H{
			"owner_id":  auth.OwnerID,
			"positions": []gin.H{},
		})
	}
}
