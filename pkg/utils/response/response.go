package response

import (
	"net/http"

	"protoeval/pkg/errors"
	"protoeval/pkg/utils/contextkey"
	"protoeval/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response represents a standard API response
type Response struct {
	Code    errors.ErrorCode `json:"code"`               // Error code
	Message string           `json:"message"`            // Error message
	Data    interface{}      `json:"data,omitempty"`     // Response data (omit if nil)
	Details interface{}      `json:"details,omitempty"`  // Additional details (omit if nil)
	TraceID string           `json:"trace_id,omitempty"` // Request trace ID
}

// Success sends a successful response with data
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    errors.Success,
		Message: "Success",
		Data:    data,
		TraceID: traceID(c),
	})
}

// Error sends the envelope for err. Client errors are logged at warn level,
// server errors at error level with the full chain and stack.
func Error(c *gin.Context, err error) {
	appErr := errors.GetError(err)
	status := appErr.Code.HTTPStatus()
	fields := []zap.Field{
		zap.Int("code", int(appErr.Code)),
		zap.Int("status", status),
		zap.String("message", appErr.Error()),
	}
	if len(appErr.Details) > 0 {
		fields = append(fields, zap.Any("details", appErr.Details))
	}
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", append(fields, zap.Error(appErr))...)
	} else {
		logger.Warn(c.Request.Context(), "request rejected", fields...)
	}

	resp := Response{
		Code:    appErr.Code,
		Message: appErr.Error(),
		TraceID: traceID(c),
	}
	if len(appErr.Details) > 0 {
		resp.Details = appErr.Details
	}
	c.JSON(status, resp)
}

// ErrorWithCode sends an error envelope for code; an empty message means the
// code's default text.
func ErrorWithCode(c *gin.Context, code errors.ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}
	Error(c, errors.New(code).WithMessage(message))
}

// BadRequest sends a 400 bad request error
func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, errors.InvalidParams, message)
}

func traceID(c *gin.Context) string {
	if id := c.GetString(contextkey.TraceID.String()); id != "" {
		return id
	}
	if id, ok := c.Request.Context().Value(contextkey.TraceID).(string); ok {
		return id
	}
	return ""
}
