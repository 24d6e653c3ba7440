package models

import (
	"time"

	"github.com/mmdatafocus/mileage_backend/config"
)

// Review publish statuses (outbox side). Keep these as strings (DB values).
const (
	ReviewPublishStatusPending    = "PENDING"
	ReviewPublishStatusProcessing = "PROCESSING"
	ReviewPublishStatusSent       = "SENT"
	ReviewPublishStatusFailed     = "FAILED"
	ReviewPublishStatusDead       = "DEAD"
)

// Review triage statuses. Only OPEN rows count towards queue depth.
const (
	ReviewStatusOpen     = "OPEN"
	ReviewStatusResolved = "RESOLVED"
)

// PendingReview is the transactional outbox row for a quarantined odometer event.
// It is written in the same transaction as the event and published after commit by the dispatcher.
type PendingReview struct {
	ID                   int        `gorm:"primary_key;index:idx_review_dispatch,priority:3" json:"id"`
	TenantId             string     `gorm:"size:64;not null;index" json:"tenant_id"`
	VehicleId            string     `gorm:"size:64;not null;index" json:"vehicle_id"`
	SeriesId             string     `gorm:"size:64;not null" json:"series_id"`
	EventId              int        `gorm:"not null;uniqueIndex" json:"event_id"`
	Km                   float64    `gorm:"not null" json:"km"`
	ObservedRateKmPerDay float64    `gorm:"not null" json:"observed_rate_km_per_day"`
	TimestampUtc         time.Time  `gorm:"not null" json:"timestamp_utc"`
	Source               string     `gorm:"size:20;not null" json:"source"`
	EvidenceType         string     `gorm:"size:20;not null" json:"evidence_type"`
	ReviewStatus         string     `gorm:"size:20;not null;index" json:"review_status"`
	Resolution           *string    `gorm:"type:text" json:"resolution,omitempty"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy           *string    `gorm:"size:64" json:"resolved_by,omitempty"`
	PublishStatus        string     `gorm:"size:20;not null;index:idx_review_dispatch,priority:1" json:"publish_status"`
	PublishedAt          *time.Time `gorm:"index" json:"published_at,omitempty"`
	PubSubMessageId      *string    `gorm:"size:255" json:"pubsub_message_id,omitempty"`
	PublishAttempts      int        `gorm:"not null" json:"publish_attempts"`
	NextAttemptAt        *time.Time `gorm:"index:idx_review_dispatch,priority:2" json:"next_attempt_at,omitempty"`
	LockedAt             *time.Time `json:"locked_at,omitempty"`
	LockedBy             *string    `gorm:"size:100" json:"locked_by,omitempty"`
	LastPublishError     *string    `gorm:"type:text" json:"last_publish_error,omitempty"`
	CorrelationId        string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func NewPendingReview(event *OdometerEvent, observedRate float64, correlationId string) *PendingReview {
	return &PendingReview{
		TenantId:             event.TenantId,
		VehicleId:            event.VehicleId,
		SeriesId:             event.SeriesId,
		EventId:              event.ID,
		Km:                   event.Km,
		ObservedRateKmPerDay: observedRate,
		TimestampUtc:         event.TimestampUtc,
		Source:               string(event.Source),
		EvidenceType:         string(event.EvidenceType),
		ReviewStatus:         ReviewStatusOpen,
		PublishStatus:        ReviewPublishStatusPending,
		CorrelationId:        correlationId,
	}
}

func ConvertToPendingReviewMessage(record PendingReview) config.PendingReviewMessage {
	return config.PendingReviewMessage{
		ReviewId:      record.ID,
		TenantId:      record.TenantId,
		VehicleId:     record.VehicleId,
		SeriesId:      record.SeriesId,
		EventId:       record.EventId,
		Km:            record.Km,
		ObservedRate:  record.ObservedRateKmPerDay,
		TimestampUtc:  record.TimestampUtc,
		Source:        record.Source,
		EvidenceType:  record.EvidenceType,
		CorrelationId: record.CorrelationId,
	}
}
