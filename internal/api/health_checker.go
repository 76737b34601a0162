package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coindeck/coindeck-api/internal/api_types"
)

func (s *Server) healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		resp := api_types.HealthCheckResponse{
			OverallStatus: "healthy",
			PostgreSQL:    "healthy",
			LogStore:      "healthy",
			Redis:         "healthy",
		}
		status := http.StatusOK

		if s.postgresDB != nil {
			if err := s.postgresDB.Health(ctx); err != nil {
				resp.PostgreSQL = "unhealthy"
				resp.OverallStatus = "degraded"
				status = http.StatusServiceUnavailable
			}
		}

		if s.logStore != nil {
			if err := s.logStore.Health(ctx); err != nil {
				resp.LogStore = "unhealthy"
				resp.OverallStatus = "degraded"
				status = http.StatusServiceUnavailable
			}
		} else {
			resp.LogStore = "disabled"
		}

		if s.redisClient != nil {
			if err := s.redisClient.Ping(ctx).Err(); err != nil {
				resp.Redis = "unhealthy"
				resp.OverallStatus = "degraded"
				status = http.StatusServiceUnavailable
			}
		} else {
			resp.Redis = "disabled"
		}

		c.JSON(status, resp)
	}
}
