package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeadersConfig controls the per-response security headers.
type SecurityHeadersConfig struct {
	// HSTS adds Strict-Transport-Security. Off in development so plain
	// http://localhost keeps working.
	HSTS bool
	// CacheablePrefixes are GET paths whose bodies hold no submission data
	// (the instrument catalogue, crisis resources). They may be cached for
	// CacheMaxAge seconds; everything else is no-store.
	CacheablePrefixes []string
	CacheMaxAge       int
}

var staticHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	// Visitors must not leak which assessment they took.
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
	{"Cross-Origin-Resource-Policy", "same-site"},
}

// SecurityHeaders sets response headers for a JSON API whose responses can
// carry mental health answers and contact details.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	publicCache := "public, max-age=" + strconv.Itoa(cfg.CacheMaxAge)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range staticHeaders {
				h.Set(kv[0], kv[1])
			}
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			if cfg.CacheMaxAge > 0 && cacheable(c.Request(), cfg.CacheablePrefixes) {
				h.Set("Cache-Control", publicCache)
			} else {
				h.Set("Cache-Control", "no-store")
			}
			return next(c)
		}
	}
}

func cacheable(r *http.Request, prefixes []string) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	for _, p := range prefixes {
		if r.URL.Path == p || strings.HasPrefix(r.URL.Path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
