package devices

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"camguard-backend/internal/auth"
	apperrors "camguard-backend/internal/errors"
	"camguard-backend/internal/metrics"
	"camguard-backend/internal/middleware"
	"camguard-backend/pkg/utils"
)

// Handler exposes the device registration and license endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterDeviceRequest is the registration payload sent by installed clients.
type RegisterDeviceRequest struct {
	Email      string `json:"email" binding:"required"`
	DeviceHash string `json:"device_hash" binding:"required"`
}

// HandleRegisterDevice registers a device for an account and returns the
// entitlement snapshot plus a lease token bound to the device fingerprint.
// Safe to call repeatedly: re-registering an existing device is a read.
func (h *Handler) HandleRegisterDevice(c *gin.Context) {
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.Registrations.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and device_hash are required"})
		return
	}

	result, err := h.svc.Register(req.Email, req.DeviceHash, middleware.GetClientIP(c))
	if err != nil {
		h.respondRegistrationError(c, err)
		return
	}
	metrics.Registrations.WithLabelValues("registered").Inc()

	response := gin.H{
		"device": gin.H{
			"fingerprint":   result.Device.Fingerprint,
			"first_seen_at": result.Device.FirstSeenAt,
		},
		"license": result.Snapshot,
	}

	// Leases are only issued against a currently valid entitlement; an
	// expired device still gets a 200 with its snapshot so the client can
	// show why it is locked out.
	if result.Snapshot.Valid {
		token, leaseExpiry, err := auth.GenerateLeaseToken(result.User, result.Device.Fingerprint, result.Snapshot)
		if err != nil {
			utils.CaptureSentryError(c, err, map[string]string{"endpoint": "register_device"})
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue lease token"})
			return
		}
		response["lease_token"] = token
		response["lease_expires_at"] = leaseExpiry
	}

	c.JSON(http.StatusOK, response)
}

// HandleGetLicense returns the current entitlement snapshot for a device.
// The fingerprint comes from the X-Device-Id header, falling back to the
// device_hash query parameter for clients that cannot set headers.
func (h *Handler) HandleGetLicense(c *gin.Context) {
	deviceHash := c.GetHeader("X-Device-Id")
	if deviceHash == "" {
		deviceHash = c.Query("device_hash")
	}
	if deviceHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Device-Id header or device_hash query parameter is required"})
		return
	}

	device, snap, err := h.svc.Evaluate(deviceHash)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code == apperrors.ErrValidationFailed.Code {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown device"})
			return
		}
		log.WithError(err).Error("license evaluation failed")
		utils.CaptureSentryError(c, err, map[string]string{"endpoint": "get_license"})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to evaluate license"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device": gin.H{
			"fingerprint":   device.Fingerprint,
			"first_seen_at": device.FirstSeenAt,
		},
		"license": snap,
	})
}

// respondRegistrationError maps typed service errors to HTTP statuses and
// registration outcome metrics.
func (h *Handler) respondRegistrationError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperrors.ErrRateLimited.Code:
			metrics.Registrations.WithLabelValues("rate_limited").Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": appErr.Message,
				"code":  appErr.Code,
			})
			return
		case apperrors.ErrDeviceCapExceeded.Code:
			metrics.Registrations.WithLabelValues("cap_exceeded").Inc()
			c.JSON(http.StatusForbidden, gin.H{
				"error": appErr.Message,
				"code":  appErr.Code,
			})
			return
		case apperrors.ErrValidationFailed.Code:
			metrics.Registrations.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   appErr.Message,
				"code":    appErr.Code,
				"details": appErr.Details,
			})
			return
		}
	}

	metrics.Registrations.WithLabelValues("error").Inc()
	log.WithError(err).Error("device registration failed")
	utils.CaptureSentryError(c, err, map[string]string{"endpoint": "register_device"})
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Registration failed"})
}
