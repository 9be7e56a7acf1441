package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	fulfillmentdomain "github.com/smallbiznis/coursepay/internal/fulfillment/domain"
)

// HeaderUserID carries the caller identity set by the fronting auth proxy.
const HeaderUserID = "X-User-ID"

type fulfillRequest struct {
	UserID    string `json:"userId"`
	ItemID    string `json:"itemId"`
	ItemType  string `json:"itemType"`
	InvoiceID string `json:"invoiceId"`
}

func (s *Server) Fulfill(c *gin.Context) {
	var req fulfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	setServiceType(c, req.ItemType)

	res, err := s.fulfillmentSvc.Fulfill(c.Request.Context(), fulfillmentdomain.FulfillRequest{
		UserID:    firstNonEmpty(req.UserID, c.GetHeader(HeaderUserID)),
		ItemID:    req.ItemID,
		ItemType:  fulfillmentdomain.ItemType(req.ItemType),
		InvoiceID: req.InvoiceID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if res.Outcome == fulfillmentdomain.OutcomePaymentNotConfirmed {
		c.JSON(http.StatusAccepted, gin.H{"success": false, "purchase": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "purchase": res})
}

func (s *Server) VerifyPurchase(c *gin.Context) {
	access, err := s.fulfillmentSvc.VerifyAccess(
		c.Request.Context(),
		firstNonEmpty(c.Query("userId"), c.GetHeader(HeaderUserID)),
		fulfillmentdomain.ItemType(c.Query("itemType")),
		c.Query("itemId"),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "access": access})
}

func (s *Server) ListUserPurchases(c *gin.Context) {
	purchases, err := s.fulfillmentSvc.ListPurchases(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": purchases})
}
