// Package validation provides request validation helpers for the preflight API.
package validation

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/preflight/internal/apierror"
	"github.com/mbd888/preflight/internal/txparse"
)

// MaxRequestSize is the maximum request body size (64KiB)
const MaxRequestSize = 64 << 10

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// RequestSizeMiddleware limits request body size. Reads past the limit fail
// with *http.MaxBytesError; see IsTooLarge.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsTooLarge reports whether err came from a body over the size limit.
func IsTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// IsValidBase64 checks if a string is standard padded base64
func IsValidBase64(s string) bool {
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a base58 Solana public key
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !txparse.IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Solana address (base58, 32 bytes)"}
		}
		return nil
	}
}

// ValidBase64 checks if a field is standard base64
func ValidBase64(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidBase64(value) {
			return &ValidationError{Field: field, Message: "must be standard base64"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// RunIDParamMiddleware rejects a malformed :run_id before it reaches storage.
func RunIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("run_id")
		if id != "" {
			if _, err := uuid.Parse(id); err != nil {
				apierror.Abort(c, apierror.New(apierror.CodeInvalidRequest, "run_id must be a UUID", ""))
				return
			}
		}
		c.Next()
	}
}
