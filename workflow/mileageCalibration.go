package workflow

import (
	"fmt"
	"math"
	"time"

	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/shopspring/decimal"
)

var kmPerMile = decimal.RequireFromString("1.60934")

// NormalizeToKm converts an odometer reading into kilometers.
func NormalizeToKm(value float64, unit models.DistanceUnit) (float64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &InputError{Fields: map[string]string{"Km": "finite"}}
	}
	var km float64
	switch unit {
	case models.DistanceUnitKm:
		km = value
	case models.DistanceUnitMi:
		km, _ = decimal.NewFromFloat(value).Mul(kmPerMile).Float64()
	default:
		return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidInput, unit)
	}
	if km < 0 {
		return 0, ErrNegativeMileage
	}
	return km, nil
}

// ConvertFromKm is the display-side inverse of NormalizeToKm, rounded to meters.
func ConvertFromKm(km float64, unit models.DistanceUnit) float64 {
	if unit != models.DistanceUnitMi {
		return km
	}
	v, _ := decimal.NewFromFloat(km).DivRound(kmPerMile, 3).Float64()
	return v
}

type calibrationWeight struct {
	Alpha           float64
	ConfidenceDelta float64
}

// Higher-trust sources and stronger evidence move the rate faster.
var calibrationWeights = map[models.EventSource]map[models.EvidenceType]calibrationWeight{
	models.EventSourceService: {
		models.EvidenceTypeNone:     {0.50, 0.05},
		models.EvidenceTypePhoto:    {0.60, 0.06},
		models.EvidenceTypeDocument: {0.75, 0.08},
	},
	models.EventSourceInspection: {
		models.EvidenceTypeNone:     {0.55, 0.05},
		models.EvidenceTypePhoto:    {0.65, 0.07},
		models.EvidenceTypeDocument: {0.75, 0.08},
	},
	models.EventSourceUserManual: {
		models.EvidenceTypeNone:     {0.25, 0.02},
		models.EvidenceTypePhoto:    {0.40, 0.03},
		models.EvidenceTypeDocument: {0.50, 0.04},
	},
	models.EventSourceSystemImport: {
		models.EvidenceTypeNone:     {0.35, 0.03},
		models.EvidenceTypePhoto:    {0.45, 0.04},
		models.EvidenceTypeDocument: {0.60, 0.05},
	},
}

// CalibrationWeight returns the base alpha and confidence delta; unknown pairs get the least trusted weight.
func CalibrationWeight(source models.EventSource, evidence models.EvidenceType) (alpha, confidenceDelta float64) {
	w, ok := calibrationWeights[source][evidence]
	if !ok {
		w = calibrationWeights[models.EventSourceUserManual][models.EvidenceTypeNone]
	}
	return w.Alpha, w.ConfidenceDelta
}

// EWMA blends observed into current. The observed rate is clamped before blending.
func EWMA(current, observed, alpha float64) float64 {
	observed = models.ClampRate(observed)
	return models.ClampRate((1-alpha)*current + alpha*observed)
}

// ClassifyObservedRate runs on the raw rate; anything past the absolute ceiling is rejected.
func ClassifyObservedRate(rate float64, s config.MileageSettings) (models.OutlierClass, error) {
	switch {
	case rate > s.AbsoluteCeilingKmPerDay:
		return "", fmt.Errorf("%w: %.1f km/day > %.1f", ErrImplausibleRate, rate, s.AbsoluteCeilingKmPerDay)
	case rate > s.HardOutlierKmPerDay:
		return models.OutlierClassHard, nil
	case rate > s.SoftOutlierKmPerDay:
		return models.OutlierClassSoft, nil
	}
	return models.OutlierClassNone, nil
}

// DaysBetween returns fractional days from -> to; negative when to is earlier.
func DaysBetween(from, to time.Time) float64 {
	return to.Sub(from).Seconds() / 86400
}

type observation struct {
	Km            float64
	Unit          models.DistanceUnit
	TimestampUtc  time.Time
	Source        models.EventSource
	EvidenceType  models.EvidenceType
	OdometerReset bool
}

type calibrationModes struct {
	Primary bool
	Shadow  bool
}

type calibrationPlan struct {
	Next          *models.MileageModel
	Action        models.AuditAction
	Details       models.AuditDetails
	OutlierClass  models.OutlierClass
	PendingReview bool
	ObservedRate  *float64
	Description   string
}

// planCalibration computes the next model state for one observation without touching storage.
// before is never mutated.
func planCalibration(before *models.MileageModel, obs observation, seed *models.VehicleSnapshot, modes calibrationModes, s config.MileageSettings, newSeriesId func() string) (*calibrationPlan, error) {
	next := before.Clone()
	plan := &calibrationPlan{Next: next, OutlierClass: models.OutlierClassNone}
	d := models.AuditDetails{
		RateBefore:       before.RateKmPerDay,
		ConfidenceBefore: before.Confidence,
		ShadowRateBefore: copyFloat(before.ShadowRateKmPerDay),
		LastTrueKmBefore: before.LastTrueKm,
		LastTrueTsBefore: before.LastTrueTsUtc,
		OutlierClass:     models.OutlierClassNone,
		PrimaryApplied:   modes.Primary,
		ShadowApplied:    modes.Shadow,
	}
	calibratedAction := models.AuditActionCalibrated
	if !modes.Primary {
		calibratedAction = models.AuditActionShadow
	}

	if obs.OdometerReset {
		next.SeriesId = newSeriesId()
		next.LastTrueKm = obs.Km
		next.LastTrueTsUtc = obs.TimestampUtc
		next.RateKmPerDay = s.DefaultRateKmPerDay
		next.Confidence = s.DefaultConfidence
		next.ShadowRateKmPerDay = nil
		if modes.Shadow {
			next.ShadowRateKmPerDay = copyFloat(&s.DefaultRateKmPerDay)
		}
		next.HasBaseline = true
		next.DefaultUnit = obs.Unit
		d.PreviousSeriesId = before.SeriesId
		d.NewSeriesId = next.SeriesId
		plan.Action = models.AuditActionClosed
		plan.Description = fmt.Sprintf("series %s closed by odometer reset at %.1f km, new series %s", before.SeriesId, obs.Km, next.SeriesId)
		return finishPlan(plan, d), nil
	}

	baseKm, baseTs := before.LastTrueKm, before.LastTrueTsUtc
	var deltaDays float64
	if !before.HasBaseline {
		seedKm, ok := seedKmFrom(seed, before.DefaultUnit)
		if !ok {
			next.LastTrueKm = obs.Km
			next.LastTrueTsUtc = obs.TimestampUtc
			next.HasBaseline = true
			next.DefaultUnit = obs.Unit
			if modes.Shadow && next.ShadowRateKmPerDay == nil {
				next.ShadowRateKmPerDay = copyFloat(&next.RateKmPerDay)
			}
			d.BaselineOnly = true
			plan.Action = calibratedAction
			plan.Description = fmt.Sprintf("baseline established at %.1f km", obs.Km)
			return finishPlan(plan, d), nil
		}
		baseKm = seedKm
		baseTs = obs.TimestampUtc.Add(-24 * time.Hour)
		if seed.UpdatedAt != nil && seed.UpdatedAt.Before(obs.TimestampUtc) {
			baseTs = seed.UpdatedAt.UTC()
		}
		// No prior baseline: one day avoids the singularity.
		deltaDays = 1
		d.Bootstrapped = true
		d.LastTrueKmBefore = baseKm
		d.LastTrueTsBefore = baseTs
	} else {
		deltaDays = DaysBetween(baseTs, obs.TimestampUtc)
	}

	deltaKm := obs.Km - baseKm
	d.DeltaKm = deltaKm
	d.DeltaDays = deltaDays
	if deltaKm < 0 {
		return nil, fmt.Errorf("%w: %.1f km < last confirmed %.1f km", ErrMileageDecreased, obs.Km, baseKm)
	}
	if before.HasBaseline && deltaDays <= 0 {
		return nil, fmt.Errorf("%w: %s is not after %s", ErrNonPositiveInterval,
			obs.TimestampUtc.Format(time.RFC3339Nano), baseTs.Format(time.RFC3339Nano))
	}

	observed := deltaKm / deltaDays
	d.ObservedRate = observed
	plan.ObservedRate = &observed

	class, err := ClassifyObservedRate(observed, s)
	if err != nil {
		return nil, err
	}
	d.OutlierClass = class
	plan.OutlierClass = class

	if class == models.OutlierClassHard {
		plan.PendingReview = true
		if modes.Primary {
			next.Confidence = models.ClampConfidence(before.Confidence - s.HardOutlierPenalty)
		}
		plan.Action = models.AuditActionOutlier
		plan.Description = fmt.Sprintf("hard outlier %.1f km/day quarantined for review", observed)
		return finishPlan(plan, d), nil
	}

	alpha, confidenceDelta := CalibrationWeight(obs.Source, obs.EvidenceType)
	if class == models.OutlierClassSoft {
		alpha /= 2
		confidenceDelta = 0
	}
	d.Alpha = alpha

	if modes.Primary {
		next.RateKmPerDay = EWMA(before.RateKmPerDay, observed, alpha)
		next.Confidence = models.ClampConfidence(before.Confidence + confidenceDelta)
	}
	if modes.Shadow {
		base := before.RateKmPerDay
		if before.ShadowRateKmPerDay != nil {
			base = *before.ShadowRateKmPerDay
		}
		v := EWMA(base, observed, alpha)
		next.ShadowRateKmPerDay = &v
	}
	next.LastTrueKm = obs.Km
	next.LastTrueTsUtc = obs.TimestampUtc
	next.HasBaseline = true
	next.DefaultUnit = obs.Unit

	plan.Action = calibratedAction
	plan.Description = fmt.Sprintf("observed %.1f km/day over %.2f days (%s)", observed, deltaDays, class)
	return finishPlan(plan, d), nil
}

func finishPlan(plan *calibrationPlan, d models.AuditDetails) *calibrationPlan {
	plan.Next.ClampInvariants()
	d.RateAfter = plan.Next.RateKmPerDay
	d.ConfidenceAfter = plan.Next.Confidence
	d.ShadowRateAfter = copyFloat(plan.Next.ShadowRateKmPerDay)
	d.LastTrueKmAfter = plan.Next.LastTrueKm
	d.LastTrueTsAfter = plan.Next.LastTrueTsUtc
	plan.Details = d
	return plan
}

func seedKmFrom(seed *models.VehicleSnapshot, fallback models.DistanceUnit) (float64, bool) {
	if seed == nil || seed.Mileage == nil || math.IsNaN(*seed.Mileage) || math.IsInf(*seed.Mileage, 0) {
		return 0, false
	}
	unit := fallback
	if seed.DefaultUnit != nil && seed.DefaultUnit.IsValid() {
		unit = *seed.DefaultUnit
	}
	km, err := NormalizeToKm(*seed.Mileage, unit)
	if err != nil {
		return 0, false
	}
	return km, true
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
