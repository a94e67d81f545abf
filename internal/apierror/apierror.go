// Package apierror renders the service's JSON error envelope.
//
//	{"error": {"code": "invalid_tx", "message": "...", "trace_id": "..."}}
package apierror

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Code identifies an error class in API responses.
type Code string

const (
	CodeInvalidRequest Code = "invalid_request"
	CodeInvalidTx      Code = "invalid_tx"
	CodeRateLimited    Code = "rate_limited"
	CodeRPCUnavailable Code = "rpc_unavailable"
	CodeNotFound       Code = "not_found"
	CodeInternal       Code = "internal_error"
	CodeForbidden      Code = "forbidden"
	CodeUnauthorized   Code = "unauthorized"
)

// Body is the inner error object.
type Body struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

// Envelope wraps Body under the "error" key.
type Envelope struct {
	Error Body `json:"error"`
}

// New builds an envelope. An empty traceID is replaced with a fresh UUID.
func New(code Code, message, traceID string) Envelope {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return Envelope{Error: Body{Code: code, Message: message, TraceID: traceID}}
}

// WithRetryAfter sets the retry hint in seconds.
func (e Envelope) WithRetryAfter(seconds int) Envelope {
	e.Error.RetryAfter = &seconds
	return e
}

// Status maps a code to its HTTP status.
func Status(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeInvalidTx:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeRPCUnavailable:
		return http.StatusServiceUnavailable
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Abort writes the envelope with the status for its code and stops the chain.
func Abort(c *gin.Context, env Envelope) {
	c.AbortWithStatusJSON(Status(env.Error.Code), env)
}

// Write responds with code and message, using a fresh trace id.
func Write(c *gin.Context, code Code, message string) {
	env := New(code, message, "")
	c.JSON(Status(code), env)
}
