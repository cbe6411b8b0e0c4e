package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	apperrors "github.com/nestbook/chat-backend/pkg/errors"
	"github.com/nestbook/chat-backend/pkg/logger"
)

// ErrorHandlerMiddleware reduces every error attached to the context to the
// client-safe taxonomy and recovers panics. Raw store error text stays in
// the logs.
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", stack).
					Msg("Panic recovered")

				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "Internal Server Error",
					"message": "An unexpected error occurred",
				})
				c.Abort()
			}
		}()

		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last().Err

			if appErr, ok := err.(*apperrors.AppError); ok {
				if appErr.Cause != nil {
					logger.Error().Err(appErr.Cause).Str("code", string(appErr.Code)).Msg("request failed")
				}
				c.JSON(appErr.HTTPStatus(), gin.H{
					"error": appErr.Message,
					"code":  appErr.Code,
				})
				return
			}

			logger.Error().Err(err).Msg("Unhandled request error")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Internal Server Error",
			})
		}
	}
}
