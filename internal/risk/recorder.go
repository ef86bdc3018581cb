package risk

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"camguard-backend/internal/metrics"
	"camguard-backend/internal/models"
)

// Recorder appends risk events. It always writes through its own handle,
// never a caller's transaction, so events survive the rollback of the
// operation they describe. Recording is best effort and never blocks the
// triggering operation.
type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record appends one risk event. metadata is marshaled to JSON; nil is fine.
func (r *Recorder) Record(eventType, ipAddress string, userID, deviceID *uint, metadata map[string]interface{}) {
	var raw models.JSON
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			log.WithError(err).Warn("risk: failed to marshal event metadata")
		} else {
			raw = models.JSON(b)
		}
	}

	event := models.RiskEvent{
		UserID:    userID,
		DeviceID:  deviceID,
		IPAddress: ipAddress,
		EventType: eventType,
		Metadata:  raw,
	}
	if err := r.db.Create(&event).Error; err != nil {
		log.WithError(err).WithField("event_type", eventType).Error("risk: failed to record event")
		return
	}
	metrics.RiskEvents.WithLabelValues(eventType).Inc()
}
