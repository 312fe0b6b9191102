package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

const (
	wwwAuthNoToken = `Bearer realm="buildr"`
	wwwAuthInvalid = `Bearer realm="buildr", error="invalid_token"`
)

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// WithUser returns a context carrying userID, as the middleware would.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// Middleware validates Bearer tokens. The user ID is stored on the
// request context so plain http.Handlers mounted with gin.WrapH see it.
// The feed endpoint may pass the token as ?access_token= because browser
// websocket clients cannot set headers.
func Middleware(issuer *Issuer, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		token := bearerToken(c.Request)
		if token == "" {
			logger.Debug("middleware: no bearer token",
				slog.String("ip", ip),
				slog.String("path", c.Request.URL.Path),
			)
			c.Header("WWW-Authenticate", wwwAuthNoToken)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "missing bearer token"})

			return
		}

		userID, err := issuer.Parse(token)
		if err != nil {
			logger.Debug("middleware: invalid token",
				slog.String("ip", ip),
				slog.String("path", c.Request.URL.Path),
				slog.String("error", err.Error()),
			)
			c.Header("WWW-Authenticate", wwwAuthInvalid)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid or expired token"})

			return
		}

		ctx := context.WithValue(c.Request.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRemoteIP, ip)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}

	return r.URL.Query().Get("access_token")
}
