package response

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// Machine-readable error codes returned in error.code.
const (
	CodeValidation     = "validation_error"
	CodeAuthentication = "authentication_error"
	CodeRateLimited    = "rate_limited"
	CodeCSRF           = "csrf_error"
	CodeAccount        = "account_error"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal_error"
)

func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, gin.H{
		"success": true,
		"data":    data,
	})
}

func Error(c *gin.Context, statusCode int, code string, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

func ErrorWithDetails(c *gin.Context, statusCode int, code string, message string, details any) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

// Abort writes an error body and stops the handler chain.
func Abort(c *gin.Context, statusCode int, code string, message string) {
	Error(c, statusCode, code, message)
	c.Abort()
}

// RateLimited answers 429 with both the Retry-After header and a
// retry_after field in the error body.
func RateLimited(c *gin.Context, retryAfterSeconds int, message string) {
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	c.AbortWithStatusJSON(429, gin.H{
		"success": false,
		"error": gin.H{
			"code":        CodeRateLimited,
			"message":     message,
			"retry_after": retryAfterSeconds,
		},
	})
}
