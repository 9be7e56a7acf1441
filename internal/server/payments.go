package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

type checkPaymentRequest struct {
	InvoiceID string `json:"invoiceId"`
}

func (s *Server) CheckPayment(c *gin.Context) {
	var req checkPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	s.respondPayment(c, req.InvoiceID)
}

func (s *Server) GetPayment(c *gin.Context) {
	s.respondPayment(c, c.Param("invoice_id"))
}

func (s *Server) respondPayment(c *gin.Context, invoiceID string) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		AbortWithError(c, newValidationError("invoiceId", "required", "invoiceId is required"))
		return
	}

	res, err := s.resolver.Resolve(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if res.Rows == nil {
		res.Rows = []paymentdomain.PaymentRow{}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "payment": res})
}
