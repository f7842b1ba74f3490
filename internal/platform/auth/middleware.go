package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	SystemsKey   contextKey = "systems"
)

// Claims are the token claims the service reads. Systems limits an intake
// caller to the named counterparties; empty means any.
type Claims struct {
	jwt.RegisteredClaims
	Roles   []string `json:"roles"`
	Systems []string `json:"systems,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 validation; for development and tests.
	SigningKey []byte
	Skipper    func(echo.Context) bool
	client     *http.Client
}

// JWTMiddleware validates bearer tokens and puts the caller identity on the
// request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(*jwt.Token) (any, error) { return cfg.SigningKey, nil }
	} else {
		keyFunc = newJWKSCache(cfg.JWKSURL, defaultJWKSTTL, cfg.client).keyFunc
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			scheme, raw, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(raw) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(raw), claims, keyFunc)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), claims.Subject, claims.Roles, claims.Systems)))
			return next(c)
		}
	}
}

// DevAuthMiddleware admits unauthenticated requests as an admin. It is only
// installed when ENV=development.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if RolesFromContext(c.Request().Context()) == nil {
				c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), "dev-user", []string{"admin"}, nil)))
			}
			return next(c)
		}
	}
}

// WithIdentity returns ctx carrying the caller identity.
func WithIdentity(ctx context.Context, userID string, roles, systems []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	return context.WithValue(ctx, SystemsKey, systems)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func SystemsFromContext(ctx context.Context) []string {
	systems, _ := ctx.Value(SystemsKey).([]string)
	return systems
}
