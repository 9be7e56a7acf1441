package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	contextServiceTypeKey = "service_type"
	maxCallbackBytes      = 64 << 10
)

// MaxBodyBytes caps the request body; reads past the limit fail.
func MaxBodyBytes(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

// setServiceType exposes the product line to the request logger.
func setServiceType(c *gin.Context, serviceType string) {
	serviceType = strings.TrimSpace(serviceType)
	if serviceType == "" {
		return
	}
	c.Set(contextServiceTypeKey, serviceType)
}
