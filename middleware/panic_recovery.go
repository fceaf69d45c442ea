package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RecoverPanic returns a middleware that recovers from panics and returns a
// proper error response, so a handler panic never takes down the workers
// sharing the process.
func RecoverPanic() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logrus.WithFields(logrus.Fields{
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
					"panic":  err,
				}).Error("Panic recovered")
				logrus.Debug(string(debug.Stack()))

				c.JSON(http.StatusInternalServerError, gin.H{
					"error":     "Internal server error",
					"timestamp": time.Now().Format(time.RFC3339),
					"path":      c.Request.URL.Path,
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
