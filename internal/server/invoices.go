package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	invoicedomain "github.com/smallbiznis/coursepay/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

type createInvoiceRequest struct {
	Amount       json.RawMessage `json:"amount"`
	Description  string          `json:"description"`
	ReceiverCode string          `json:"receiverCode"`
	ServiceType  string          `json:"serviceType"`
}

func (s *Server) CreateInvoice(c *gin.Context) {
	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be a number"))
		return
	}
	setServiceType(c, req.ServiceType)

	invoice, err := s.invoiceSvc.CreateInvoice(c.Request.Context(), invoicedomain.CreateInvoiceRequest{
		Amount:       amount,
		Description:  req.Description,
		ReceiverCode: req.ReceiverCode,
		ServiceType:  paymentdomain.ParseServiceType(req.ServiceType),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "invoice": invoice})
}

func (s *Server) CancelInvoice(c *gin.Context) {
	invoiceID := strings.TrimSpace(c.Param("invoice_id"))
	if invoiceID == "" {
		AbortWithError(c, newValidationError("invoice_id", "required", "invoice_id is required"))
		return
	}
	serviceType := c.Query("serviceType")
	setServiceType(c, serviceType)

	err := s.invoiceSvc.CancelInvoice(c.Request.Context(), invoiceID, paymentdomain.ParseServiceType(serviceType))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
