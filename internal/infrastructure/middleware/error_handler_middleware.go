package middleware

import (
	"net/http"
	"runtime/debug"

	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached to the request.
// AppErrors keep their code and status; anything else becomes INTERNAL_ERROR.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr := apperrors.GetAppError(err); appErr != nil {
			logger.Warnw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"client", utils.ClientIP(c.Request),
				"context", appErr.Context,
			)
			if !c.Writer.Written() {
				c.JSON(appErr.HTTPStatus, gin.H{
					"error":   string(appErr.Code),
					"message": appErr.Message,
					"details": appErr.Context,
				})
			}
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		if !c.Writer.Written() {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   string(apperrors.ErrCodeInternal),
				"message": "Internal server error",
			})
		}
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses.
// A handler panicking with an *AppError gets that error's code and status.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(error); ok && apperrors.IsAppError(err) {
					appErr := err.(*apperrors.AppError)
					logger.Warnw("handler aborted", "code", appErr.Code, "path", c.Request.URL.Path)
					c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
						"error":   string(appErr.Code),
						"message": appErr.Message,
					})
					return
				}
				logger.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
