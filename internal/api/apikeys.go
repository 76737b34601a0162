package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/coindeck/coindeck-api/internal/models"
	"github.com/coindeck/coindeck-api/internal/services"
)

type CreateKeyReq struct {
	OwnerID     string     `json:"owner_id" binding:"required"`
	Name        string     `json:"name" binding:"required"`
	Tier        string     `json:"tier"`
	Environment string     `json:"environment" binding:"required,oneof=live test"`
	Scopes      []string   `json:"scopes"`
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (s *Server) makeCreateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateKeyReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tier := req.Tier
		if tier == "" {
			tier = models.TierFree
		}

		issued, err := s.keySvc.IssueKey(c.Request.Context(), services.IssueKeyParams{
			OwnerID:      req.OwnerID,
			Name:         req.Name,
			Tier:         tier,
			Environment:  req.Environment,
			CustomScopes: req.Scopes,
			Description:  req.Description,
			ExpiresAt:    req.ExpiresAt,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// The secret is returned only here, never again.
		c.JSON(http.StatusCreated, gin.H{
			"key_id":         issued.KeyID,
			"secret":         issued.Secret,
			"display_prefix": issued.DisplayPrefix,
		})
	}
}

func (s *Server) makeListAPIKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.Query("owner_id")
		if ownerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id query parameter is required"})
			return
		}

		keys, err := s.keySvc.ListKeys(c.Request.Context(), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list API keys"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": keys})
	}
}

type RevokeKeyReq struct {
	OwnerID string `json:"owner_id" binding:"required"`
}

func (s *Server) makeRevokeAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RevokeKeyReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		keyID := c.Param("id")
		if err := s.keySvc.RevokeKey(c.Request.Context(), req.OwnerID, keyID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"error":   "key_not_found",
					"message": "No active key with that id belongs to this owner.",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke API key"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "key revoked", "key_id": keyID})
	}
}

func (s *Server) makeKeyUsageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID := c.Param("id")
		key, err := s.keyStore.FindByID(c.Request.Context(), keyID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load key"})
			return
		}
		if key == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found"})
			return
		}

		status, err := s.quotaSvc.CheckDailyLimit(c.Request.Context(), keyID, key.DailyLimit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load usage"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"key_id":      keyID,
			"daily_limit": key.DailyLimit,
			"used":        status.Used,
			"remaining":   status.Remaining,
		})
	}
}
