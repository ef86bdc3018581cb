package auth

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"camguard-backend/internal/license"
	"camguard-backend/internal/models"
)

var jwtSecret []byte

// LeaseClaims is the lease token issued to a registered device. It embeds
// the entitlement decided at issue time; clients present it together with an
// X-Device-Id header that must match the bound fingerprint.
type LeaseClaims struct {
	UserID   uint   `json:"user_id"`
	Email    string `json:"email"`
	DeviceID string `json:"device_id"`
	Tier     string `json:"tier"`
	jwt.RegisteredClaims
}

// InitJWT initializes the signing secret from the environment
func InitJWT() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	jwtSecret = []byte(secret)
	log.Info("✅ JWT initialized")
}

// GenerateLeaseToken issues a lease for the device bound to the given
// entitlement snapshot. The lease never outlives the entitlement.
func GenerateLeaseToken(user *models.User, deviceFingerprint string, snap license.Snapshot) (string, time.Time, error) {
	expiry := time.Now().Add(24 * time.Hour)
	if snap.ExpiresAt != nil && snap.ExpiresAt.Before(expiry) {
		expiry = *snap.ExpiresAt
	}

	claims := &LeaseClaims{
		UserID:   user.ID,
		Email:    user.Email,
		DeviceID: deviceFingerprint,
		Tier:     string(snap.Tier),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign lease token: %w", err)
	}
	return tokenString, expiry, nil
}

// ParseLeaseToken parses and validates a lease token
func ParseLeaseToken(tokenString string) (*LeaseClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LeaseClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if claims, ok := token.Claims.(*LeaseClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token claims")
}

// Middleware validates the bearer lease token and checks that the caller's
// X-Device-Id header matches the device the lease was issued for.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or malformed authorization header"})
			c.Abort()
			return
		}

		claims, err := ParseLeaseToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired lease token"})
			c.Abort()
			return
		}

		if deviceID := c.GetHeader("X-Device-Id"); deviceID == "" || deviceID != claims.DeviceID {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Lease token is not valid for this device"})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("device_id", claims.DeviceID)
		c.Next()
	}
}
