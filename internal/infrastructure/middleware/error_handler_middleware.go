package middleware

import (
	"fmt"
	"net/http"

	"dropnet/pkg/errors"
	"dropnet/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware turns the last error attached to the gin context
// into a JSON body. Handlers that already wrote a response are left alone.
func ErrorHandlerMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		ctx := c.Request.Context()

		appErr := errors.GetAppError(err)
		if appErr == nil {
			log.LogError(ctx, err, "unhandled error", zap.String("path", c.Request.URL.Path))
			appErr = errors.NewInternalError("Internal server error")
		} else {
			log.LogWarn(ctx, "request failed",
				zap.String("code", string(appErr.Code)),
				zap.String("path", c.Request.URL.Path),
				zap.Any("context", appErr.Context),
			)
		}

		if c.Writer.Written() {
			return
		}
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		c.JSON(status, errorBody(appErr))
	}
}

// NotFoundHandler answers requests for unknown routes in the same JSON shape
// as every other error.
func NotFoundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		_ = c.Error(errors.NewNotFoundError("route").WithContext("path", c.Request.URL.Path))
	}
}

// RecoveryMiddleware converts a handler panic into a 500 response.
func RecoveryMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.LogError(c.Request.Context(), fmt.Errorf("panic: %v", r), "panic recovered",
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					errorBody(errors.NewInternalError("Internal server error")))
			}
		}()

		c.Next()
	}
}

func errorBody(appErr *errors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}
