package middlewares

import (
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSMiddleware requires an explicit CORS_ALLOWED_ORIGINS allowlist when GO_ENV=production
// and allows every origin otherwise.
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(CORSConfigFromEnv())
}

func CORSConfigFromEnv() cors.Config {
	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if origins := splitAndTrim(allowedOrigins); len(origins) > 0 {
			corsConfig.AllowOrigins = origins
		} else {
			// deny all; cors.New rejects an empty allowlist without a func
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", HeaderOperator, HeaderCorrelationId)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", HeaderCorrelationId)
	return corsConfig
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
