package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/mileage_backend/appctx"
)

// MileageAuditLog is the append-only forensic trail of MileageModel transitions.
type MileageAuditLog struct {
	ID            int          `gorm:"primary_key" json:"id"`
	TenantId      string       `gorm:"size:64;not null;index:idx_audit_series,priority:1" json:"tenant_id"`
	VehicleId     string       `gorm:"size:64;not null;index:idx_audit_series,priority:2" json:"vehicle_id"`
	SeriesId      string       `gorm:"size:64;not null;index:idx_audit_series,priority:3" json:"series_id"`
	Action        AuditAction  `gorm:"size:20;not null;index" json:"action"`
	Details       AuditDetails `gorm:"serializer:json;type:text" json:"details"`
	Description   string       `gorm:"type:text" json:"description"`
	EventId       *int         `gorm:"index" json:"event_id,omitempty"`
	ActorUserId   *string      `gorm:"size:64;index" json:"actor_user_id,omitempty"`
	CorrelationId string       `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// AuditDetails captures the calibration math of one transition.
type AuditDetails struct {
	RateBefore       float64      `json:"rate_before"`
	RateAfter        float64      `json:"rate_after"`
	ConfidenceBefore float64      `json:"confidence_before"`
	ConfidenceAfter  float64      `json:"confidence_after"`
	ShadowRateBefore *float64     `json:"shadow_rate_before,omitempty"`
	ShadowRateAfter  *float64     `json:"shadow_rate_after,omitempty"`
	LastTrueKmBefore float64      `json:"last_true_km_before"`
	LastTrueKmAfter  float64      `json:"last_true_km_after"`
	LastTrueTsBefore time.Time    `json:"last_true_ts_before"`
	LastTrueTsAfter  time.Time    `json:"last_true_ts_after"`
	DeltaKm          float64      `json:"delta_km"`
	DeltaDays        float64      `json:"delta_days"`
	ObservedRate     float64      `json:"observed_rate"`
	Alpha            float64      `json:"alpha"`
	OutlierClass     OutlierClass `json:"outlier_class"`
	PrimaryApplied   bool         `json:"primary_applied"`
	ShadowApplied    bool         `json:"shadow_applied"`
	Bootstrapped     bool         `json:"bootstrapped,omitempty"`
	BaselineOnly     bool         `json:"baseline_only,omitempty"`
	PreviousSeriesId string       `json:"previous_series_id,omitempty"`
	NewSeriesId      string       `json:"new_series_id,omitempty"`
}

// NewAuditLog fills actor and correlation id from the request context.
func NewAuditLog(ctx context.Context, model *MileageModel, action AuditAction, eventId *int, details AuditDetails, description string) *MileageAuditLog {
	entry := &MileageAuditLog{
		TenantId:    model.TenantId,
		VehicleId:   model.VehicleId,
		SeriesId:    model.SeriesId,
		Action:      action,
		Details:     details,
		Description: description,
		EventId:     eventId,
	}
	if ctx != nil {
		if v, ok := appctx.GetString(ctx, appctx.ContextKeyUserId); ok && v != "" {
			entry.ActorUserId = &v
		}
		if v, ok := appctx.GetString(ctx, appctx.ContextKeyCorrelationId); ok {
			entry.CorrelationId = v
		}
	}
	return entry
}
