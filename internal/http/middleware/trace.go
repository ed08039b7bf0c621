package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/oss/geoetl-orchestrator/internal/platform/ctxutil"
)

// Trace stamps every request with a request_id (generated) and, if the
// caller supplied one, a trace_id (X-Trace-Id), so RequestLogger and any
// downstream orchestration event carry a correlation handle back to the
// caller, the same way the bus envelope's correlation_id ties a job's
// messages together.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-Id")
		requestID := uuid.NewString()
		td := &ctxutil.TraceData{TraceID: traceID, RequestID: requestID}
		c.Request = c.Request.WithContext(ctxutil.WithTraceData(c.Request.Context(), td))
		c.Set("trace_id", traceID)
		c.Set("request_id", requestID)
		c.Next()
	}
}
