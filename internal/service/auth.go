package service

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/ifuryst/linkpost/internal/config"
)

const OTPHeader = "X-Admin-OTP"

// AuthService guards the operator endpoints with a static bearer token and,
// when a TOTP secret is configured, a one-time code.
type AuthService struct {
	logger     *zap.Logger
	token      string
	totpSecret string
}

func NewAuthService(logger *zap.Logger, cfg config.AdminConfig) *AuthService {
	return &AuthService{
		logger:     logger.With(zap.String("component", "auth")),
		token:      cfg.Token,
		totpSecret: cfg.TOTPSecret,
	}
}

// GenerateSecret creates a TOTP secret and the otpauth:// URL to enroll it.
func GenerateSecret(accountName string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "linkpost",
		AccountName: accountName,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

func (a *AuthService) ValidateToken(token string) bool {
	return a.token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1
}

func (a *AuthService) ValidateOTP(code string) bool {
	if a.totpSecret == "" {
		return true
	}
	return code != "" && totp.Validate(code, a.totpSecret)
}

func (a *AuthService) AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access is disabled"})
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || !a.ValidateToken(token) {
			a.logger.Warn("Admin token rejected",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			c.Header("WWW-Authenticate", `Bearer realm="linkpost-admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		if !a.ValidateOTP(c.GetHeader(OTPHeader)) {
			a.logger.Warn("Admin one-time code rejected",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid one-time code"})
			return
		}

		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
