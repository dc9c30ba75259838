package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists routes reachable without a session token: health checks,
// the metrics scrape and the endpoints that hand out tokens.
var publicPaths = map[string]bool{
	"/health":      true,
	"/health/db":   true,
	"/metrics":     true,
	"/auth/signin": true,
	"/auth/signup": true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given route bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
