package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	obslogger "github.com/smallbiznis/coursepay/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const invalidCallbackMessage = "Invalid callback data"

// HandlePaymentCallback acknowledges a gateway callback only after it is
// stored. Malformed callbacks get a plain 400 so the gateway does not retry.
func (s *Server) HandlePaymentCallback(c *gin.Context) {
	serviceType := c.Param("service_type")
	setServiceType(c, serviceType)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": invalidCallbackMessage})
		return
	}

	ctx := c.Request.Context()
	err = s.ingestor.Ingest(ctx, paymentdomain.ParseServiceType(serviceType), payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidPayload) {
			obslogger.WithContext(ctx, s.log).Warn("invalid payment callback", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": invalidCallbackMessage})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
