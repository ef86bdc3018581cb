package middleware

import (
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	log "github.com/sirupsen/logrus"
)

// SecureCORSConfig returns a secure CORS configuration
func SecureCORSConfig() cors.Config {
	config := cors.DefaultConfig()

	var allowedOrigins []string
	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			origin = strings.TrimSpace(origin)
			if origin == "" {
				continue
			}
			allowedOrigins = append(allowedOrigins, origin)
		}
	}
	if frontend := os.Getenv("FRONTEND_URL"); frontend != "" && !containsString(allowedOrigins, frontend) {
		allowedOrigins = append(allowedOrigins, frontend)
	}

	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "development" || env == "dev" {
		for _, origin := range []string{"http://localhost:3000", "http://localhost:8080"} {
			if !containsString(allowedOrigins, origin) {
				allowedOrigins = append(allowedOrigins, origin)
			}
		}
		log.Info("Development mode: added localhost origins to CORS")
	}

	if len(allowedOrigins) == 0 {
		log.Warn("⚠️  No CORS origins configured, CORS will be restrictive")
	}

	config.AllowOrigins = allowedOrigins
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{
		"Origin", "Content-Type", "Authorization",
		"X-Device-Id", "X-Admin-Token", "Stripe-Signature",
	}
	config.AllowCredentials = true
	config.MaxAge = 12 * time.Hour
	return config
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
