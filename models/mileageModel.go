package models

import (
	"math"
	"time"
)

const (
	MinRateKmPerDay = 0.0
	MaxRateKmPerDay = 300.0
	MinConfidence   = 0.05
	MaxConfidence   = 0.95
)

// MileageModel is the calibration record of one vehicle.
// Unique constraint: (tenant_id, vehicle_id).
type MileageModel struct {
	ID                 int          `gorm:"primary_key" json:"id"`
	TenantId           string       `gorm:"size:64;not null;index:uniq_mileage_model,unique" json:"tenant_id"`
	VehicleId          string       `gorm:"size:64;not null;index:uniq_mileage_model,unique" json:"vehicle_id"`
	SeriesId           string       `gorm:"size:64;not null;index" json:"series_id"`
	LastTrueKm         float64      `gorm:"not null" json:"last_true_km"`
	LastTrueTsUtc      time.Time    `gorm:"not null" json:"last_true_ts_utc"`
	RateKmPerDay       float64      `gorm:"not null" json:"rate_km_per_day"`
	Confidence         float64      `gorm:"not null" json:"confidence"`
	ShadowRateKmPerDay *float64     `json:"shadow_rate_km_per_day,omitempty"`
	HasBaseline        bool         `gorm:"not null" json:"has_baseline"`
	DefaultUnit        DistanceUnit `gorm:"size:2;not null" json:"default_unit"`
	// Version guards against a writer whose lock lease expired mid-transaction.
	Version   int       `gorm:"not null" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ClampRate(v float64) float64 {
	return clamp(v, MinRateKmPerDay, MaxRateKmPerDay)
}

func ClampConfidence(v float64) float64 {
	return clamp(v, MinConfidence, MaxConfidence)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}

// ClampInvariants forces rate, shadow rate and confidence into their allowed ranges.
func (m *MileageModel) ClampInvariants() {
	m.RateKmPerDay = ClampRate(m.RateKmPerDay)
	if m.ShadowRateKmPerDay != nil {
		v := ClampRate(*m.ShadowRateKmPerDay)
		m.ShadowRateKmPerDay = &v
	}
	m.Confidence = ClampConfidence(m.Confidence)
	if m.LastTrueKm < 0 {
		m.LastTrueKm = 0
	}
	if !m.DefaultUnit.IsValid() {
		m.DefaultUnit = DistanceUnitKm
	}
}

// Clone returns a deep copy so before/after snapshots never share the shadow pointer.
func (m *MileageModel) Clone() *MileageModel {
	if m == nil {
		return nil
	}
	c := *m
	if m.ShadowRateKmPerDay != nil {
		v := *m.ShadowRateKmPerDay
		c.ShadowRateKmPerDay = &v
	}
	return &c
}
