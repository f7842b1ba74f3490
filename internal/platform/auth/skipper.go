package auth

import "github.com/labstack/echo/v4"

// publicPaths bypass authentication.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// PublicSkipper is the JWTConfig.Skipper for infrastructure endpoints.
func PublicSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
