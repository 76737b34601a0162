package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/coindeck/coindeck-api/internal/models"
)

type CheckoutReq struct {
	OwnerID string `json:"owner_id" binding:"required"`
	Tier    string `json:"tier" binding:"required,oneof=pro enterprise"`
}

func (s *Server) makeCheckoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CheckoutReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if s.billingSvc == nil || !s.billingSvc.IsConfigured() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing is not configured"})
			return
		}

		session, err := s.billingSvc.CreateCheckoutSession(c.Request.Context(), req.OwnerID, req.Tier)
		if err != nil {
			logrus.WithError(err).WithField("owner_id", req.OwnerID).Error("Failed to create checkout session")
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create checkout session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": session.ID, "url": session.URL})
	}
}

type PortalReq struct {
	OwnerID string `json:"owner_id" binding:"required"`
}

func (s *Server) makeBillingPortalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PortalReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if s.billingSvc == nil || !s.billingSvc.IsConfigured() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing is not configured"})
			return
		}

		sub, err := s.subStore.FindByOwner(c.Request.Context(), req.OwnerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load subscription"})
			return
		}
		if sub == nil || sub.ProcessorCustomerID == "" {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "subscription_not_found",
				"message": "No billing record exists for this owner yet.",
			})
			return
		}

		session, err := s.billingSvc.CreatePortalSession(c.Request.Context(), sub.ProcessorCustomerID)
		if err != nil {
			logrus.WithError(err).WithField("owner_id", req.OwnerID).Error("Failed to create portal session")
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create portal session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": session.ID, "url": session.URL})
	}
}

func (s *Server) makeSubscriptionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.Query("owner_id")
		if ownerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id query parameter is required"})
			return
		}

		sub, err := s.subStore.FindByOwner(c.Request.Context(), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load subscription"})
			return
		}
		if sub == nil {
			// No record means free-tier defaults.
			d := models.DefaultsForTier(models.TierFree)
			c.JSON(http.StatusOK, gin.H{
				"owner_id": ownerID,
				"tier":     d.Name,
				"status":   models.SubStatusActive,
			})
			return
		}
		c.JSON(http.StatusOK, sub)
	}
}
