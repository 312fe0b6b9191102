package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/gin-gonic/gin"
)

const (
	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10

	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the rate limiter prunes expired entries to prevent unbounded growth.
	rateLimitPruneThreshold = 1000
)

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries a bearer token and its expiry.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// LoginHandler exchanges credentials for a bearer token. Repeated
// failures from one IP are rejected with 429 until the window passes.
type LoginHandler struct {
	users   Users
	issuer  *Issuer
	logger  *slog.Logger
	limiter *loginRateLimiter
}

// NewLoginHandler creates a LoginHandler.
func NewLoginHandler(users Users, issuer *Issuer, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{
		users:   users,
		issuer:  issuer,
		logger:  logger,
		limiter: newLoginRateLimiter(),
	}
}

// Handle is the gin handler.
func (h *LoginHandler) Handle(c *gin.Context) {
	ip := c.ClientIP()

	if h.limiter.check(ip) {
		h.logger.Warn("login rate limited", slog.String("ip", ip))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many failed attempts, try again later"})

		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	if err := h.users.Verify(req.Username, req.Password); err != nil {
		h.limiter.record(ip)
		h.logger.Info("login failed",
			slog.String("user", req.Username),
			slog.String("ip", ip),
		)

		status := http.StatusInternalServerError
		if errors.Is(err, apperrors.ErrInvalidCredentials) {
			status = http.StatusUnauthorized
		}

		c.JSON(status, gin.H{"error": err.Error()})

		return
	}

	token, expires, err := h.issuer.Issue(req.Username)
	if err != nil {
		h.logger.Error("issuing token", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})

		return
	}

	h.logger.Info("login", slog.String("user", req.Username), slog.String("ip", ip))
	c.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: models.FormatTime(expires)})
}

// loginRateLimiter tracks failed login attempts per IP with a sliding
// window. After rateLimitMaxFail within the window, further attempts are
// rejected until the window expires.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], rl.now())
	rl.mu.Unlock()
}
