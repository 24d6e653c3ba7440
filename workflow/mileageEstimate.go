package workflow

import (
	"fmt"
	"math"
	"time"

	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/models"
)

type StatusCode string

const (
	StatusOK            StatusCode = "OK"
	StatusNoBaseline    StatusCode = "NO_BASELINE"
	StatusStale         StatusCode = "STALE"
	StatusLowConfidence StatusCode = "LOW_CONFIDENCE"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// ApproximateConfidence is the confidence below which an OK estimate is still flagged approximate.
const ApproximateConfidence = 0.70

type EstimateStatus struct {
	Code     StatusCode `json:"code"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
}

type EstimateResult struct {
	TenantId              string              `json:"tenant_id"`
	VehicleId             string              `json:"vehicle_id"`
	SeriesId              string              `json:"series_id"`
	ModelVersion          int                 `json:"model_version"`
	EstimateKm            float64             `json:"estimate_km"`
	EstimateInDefaultUnit float64             `json:"estimate_in_default_unit"`
	DefaultUnit           models.DistanceUnit `json:"default_unit"`
	LastTrueKm            float64             `json:"last_true_km"`
	LastTrueTsUtc         time.Time           `json:"last_true_ts_utc"`
	RateKmPerDay          float64             `json:"rate_km_per_day"`
	Confidence            float64             `json:"confidence"`
	SinceDays             float64             `json:"since_days"`
	HasBaseline           bool                `json:"has_baseline"`
	Status                EstimateStatus      `json:"status"`
	IsApproximate         bool                `json:"is_approximate"`
	ComputedAtUtc         time.Time           `json:"computed_at_utc"`
	CacheHit              bool                `json:"cache_hit"`
}

// ShadowEstimate is cached next to the primary entry for offline comparison only.
type ShadowEstimate struct {
	SeriesId           string    `json:"series_id"`
	EstimateKm         float64   `json:"estimate_km"`
	ShadowRateKmPerDay float64   `json:"shadow_rate_km_per_day"`
	RateKmPerDay       float64   `json:"rate_km_per_day"`
	ComputedAtUtc      time.Time `json:"computed_at_utc"`
}

func computeEstimate(m *models.MileageModel, now time.Time, s config.MileageSettings) EstimateResult {
	sinceDays := math.Max(DaysBetween(m.LastTrueTsUtc, now), 0)
	estimateKm := m.LastTrueKm + m.RateKmPerDay*sinceDays
	status := deriveStatus(m.HasBaseline, sinceDays, m.Confidence, s)
	return EstimateResult{
		TenantId:              m.TenantId,
		VehicleId:             m.VehicleId,
		SeriesId:              m.SeriesId,
		ModelVersion:          m.Version,
		EstimateKm:            estimateKm,
		EstimateInDefaultUnit: ConvertFromKm(estimateKm, m.DefaultUnit),
		DefaultUnit:           m.DefaultUnit,
		LastTrueKm:            m.LastTrueKm,
		LastTrueTsUtc:         m.LastTrueTsUtc.UTC(),
		RateKmPerDay:          m.RateKmPerDay,
		Confidence:            m.Confidence,
		SinceDays:             sinceDays,
		HasBaseline:           m.HasBaseline,
		Status:                status,
		IsApproximate:         status.Code != StatusOK || m.Confidence < ApproximateConfidence,
		ComputedAtUtc:         now.UTC(),
	}
}

func computeShadowEstimate(m *models.MileageModel, now time.Time) *ShadowEstimate {
	if m.ShadowRateKmPerDay == nil {
		return nil
	}
	sinceDays := math.Max(DaysBetween(m.LastTrueTsUtc, now), 0)
	return &ShadowEstimate{
		SeriesId:           m.SeriesId,
		EstimateKm:         m.LastTrueKm + *m.ShadowRateKmPerDay*sinceDays,
		ShadowRateKmPerDay: *m.ShadowRateKmPerDay,
		RateKmPerDay:       m.RateKmPerDay,
		ComputedAtUtc:      now.UTC(),
	}
}

// deriveStatus keeps the most severe of the baseline, staleness and confidence checks.
// On equal severity the earlier check wins.
func deriveStatus(hasBaseline bool, sinceDays, confidence float64, s config.MileageSettings) EstimateStatus {
	status := EstimateStatus{Code: StatusOK, Severity: SeverityInfo, Message: "estimate is up to date"}
	raise := func(c EstimateStatus) {
		if c.Severity.rank() > status.Severity.rank() {
			status = c
		}
	}

	if !hasBaseline {
		raise(EstimateStatus{StatusNoBaseline, SeverityWarning, "no confirmed odometer reading yet"})
	}

	switch {
	case sinceDays >= s.CriticalStaleDays:
		raise(EstimateStatus{StatusStale, SeverityCritical, fmt.Sprintf("last confirmed reading is %.0f days old", sinceDays)})
	case sinceDays >= s.StaleDays:
		raise(EstimateStatus{StatusStale, SeverityWarning, fmt.Sprintf("last confirmed reading is %.0f days old", sinceDays)})
	}

	switch {
	case confidence <= s.CriticalConfidence:
		raise(EstimateStatus{StatusLowConfidence, SeverityCritical, fmt.Sprintf("confidence %.2f is critically low", confidence)})
	case confidence <= s.LowConfidence:
		raise(EstimateStatus{StatusLowConfidence, SeverityWarning, fmt.Sprintf("confidence %.2f is low", confidence)})
	}
	return status
}
