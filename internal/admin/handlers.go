package admin

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"camguard-backend/internal/config"
	"camguard-backend/internal/models"
	"camguard-backend/pkg/utils"
)

// Handler exposes the operator endpoints: cap overrides, the risk event
// feed, and client release management.
type Handler struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewHandler(db *gorm.DB, cfg *config.Config) *Handler {
	return &Handler{db: db, cfg: cfg}
}

// AdminAuth guards operator endpoints with a shared token. A bcrypt hash in
// the environment takes precedence over the plaintext token; with neither
// configured the whole admin surface is disabled.
func (h *Handler) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Admin-Token")
		if token == "" {
			if parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Admin token required"})
			c.Abort()
			return
		}

		switch {
		case h.cfg.AdminTokenHash != "":
			if bcrypt.CompareHashAndPassword([]byte(h.cfg.AdminTokenHash), []byte(token)) != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin token"})
				c.Abort()
				return
			}
		case h.cfg.AdminToken != "":
			if subtle.ConstantTimeCompare([]byte(h.cfg.AdminToken), []byte(token)) != 1 {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin token"})
				c.Abort()
				return
			}
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Admin interface is not configured"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// SetDeviceCapRequest sets or clears a per-user device cap override.
type SetDeviceCapRequest struct {
	DeviceCap *int `json:"device_cap"`
}

// HandleSetDeviceCap updates a user's device cap override. A null cap
// reverts the user to the system default.
func (h *Handler) HandleSetDeviceCap(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}

	var req SetDeviceCapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.DeviceCap != nil && *req.DeviceCap < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_cap must not be negative"})
		return
	}

	var user models.User
	if err := h.db.First(&user, uint(userID)).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	if err := h.db.Model(&user).Update("device_cap_override", req.DeviceCap).Error; err != nil {
		utils.CaptureSentryError(c, err, map[string]string{"endpoint": "set_device_cap"})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update device cap"})
		return
	}

	log.WithFields(log.Fields{"user_id": user.ID, "device_cap": req.DeviceCap}).Info("device cap override updated")
	c.JSON(http.StatusOK, gin.H{
		"user_id":             user.ID,
		"device_cap_override": req.DeviceCap,
	})
}

// HandleListRiskEvents returns recent risk events, newest first. Filterable
// by event type and user id.
func (h *Handler) HandleListRiskEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}

	query := h.db.Model(&models.RiskEvent{}).Order("created_at DESC").Limit(limit)
	if eventType := c.Query("type"); eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	if rawUser := c.Query("user_id"); rawUser != "" {
		userID, err := strconv.ParseUint(rawUser, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user_id"})
			return
		}
		query = query.Where("user_id = ?", uint(userID))
	}

	var events []models.RiskEvent
	if err := query.Find(&events).Error; err != nil {
		utils.CaptureSentryError(c, err, map[string]string{"endpoint": "list_risk_events"})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load risk events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// HandleListReleases returns client releases, newest first.
func (h *Handler) HandleListReleases(c *gin.Context) {
	var releases []models.AppRelease
	query := h.db.Order("created_at DESC")
	if channel := c.Query("channel"); channel != "" {
		query = query.Where("channel = ?", channel)
	}
	if err := query.Find(&releases).Error; err != nil {
		utils.CaptureSentryError(c, err, map[string]string{"endpoint": "list_releases"})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load releases"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"releases": releases})
}

// CreateReleaseRequest publishes a new client release.
type CreateReleaseRequest struct {
	Version        string `json:"version" binding:"required"`
	Channel        string `json:"channel"`
	DownloadURL    string `json:"download_url" binding:"required"`
	MinimumVersion string `json:"minimum_version"`
	Notes          string `json:"notes"`
}

// HandleCreateRelease records a client release. Publishing the same version
// twice is rejected.
func (h *Handler) HandleCreateRelease(c *gin.Context) {
	var req CreateReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version and download_url are required"})
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = "stable"
	}

	release := models.AppRelease{
		Version:        req.Version,
		Channel:        channel,
		DownloadURL:    req.DownloadURL,
		MinimumVersion: req.MinimumVersion,
		Notes:          req.Notes,
	}
	res := h.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&release)
	if res.Error != nil {
		utils.CaptureSentryError(c, res.Error, map[string]string{"endpoint": "create_release"})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create release"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "Version already published"})
		return
	}

	log.WithFields(log.Fields{"version": release.Version, "channel": release.Channel}).Info("release published")
	c.JSON(http.StatusCreated, gin.H{"release": release})
}
