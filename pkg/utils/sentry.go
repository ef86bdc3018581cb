package utils

import (
	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
)

// CaptureSentryError captures an error with request context
func CaptureSentryError(c *gin.Context, err error, tags map[string]string) {
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("service", "camguard-backend")
			for k, v := range tags {
				scope.SetTag(k, v)
			}
			scope.SetRequest(c.Request)
			hub.CaptureException(err)
		})
		return
	}
	sentry.CaptureException(err)
}

// CaptureSentryMessage captures a message with request context
func CaptureSentryMessage(c *gin.Context, message string, level sentry.Level) {
	if hub := sentrygin.GetHubFromContext(c); hub != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("service", "camguard-backend")
			scope.SetLevel(level)
			hub.CaptureMessage(message)
		})
		return
	}
	sentry.CaptureMessage(message)
}
