package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/mileage_backend/appctx"
	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/mmdatafocus/mileage_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordEventInput is one submitted odometer observation. Km is expressed in Unit;
// an empty Unit falls back to the vehicle's default unit.
type RecordEventInput struct {
	TenantId        string               `json:"tenant_id" validate:"required,max=64"`
	VehicleId       string               `json:"vehicle_id" validate:"required,max=64"`
	Km              float64              `json:"km"`
	Unit            models.DistanceUnit  `json:"unit,omitempty" validate:"omitempty,oneof=km mi"`
	TimestampUtc    time.Time            `json:"timestamp_utc" validate:"required"`
	Source          models.EventSource   `json:"source" validate:"required,oneof=service inspection user_manual system_import"`
	EvidenceType    models.EvidenceType  `json:"evidence_type,omitempty" validate:"omitempty,oneof=none photo document"`
	EvidenceUrl     *string              `json:"evidence_url,omitempty" validate:"omitempty,url,max=1024"`
	Notes           *string              `json:"notes,omitempty" validate:"omitempty,max=2000"`
	CreatedByUserId *string              `json:"created_by_user_id,omitempty" validate:"omitempty,max=64"`
	OdometerReset   bool                 `json:"odometer_reset"`
	ClientRequestId *string              `json:"client_request_id,omitempty" validate:"omitempty,min=1,max=128"`
	Metadata        models.EventMetadata `json:"metadata"`
}

type RecordEventResult struct {
	Event         *models.OdometerEvent `json:"event"`
	Estimate      *EstimateResult       `json:"estimate"`
	Warnings      []string              `json:"warnings"`
	PendingReview bool                  `json:"pending_review"`
	OutlierClass  *models.OutlierClass  `json:"outlier_class,omitempty"`
	// Replayed is set when the result was served from a previous call with the same client request id.
	Replayed bool `json:"replayed"`
}

// RecordEvent applies one observation under the per-vehicle lock.
// Event, model update, audit entry, review enqueue and idempotency key commit together or not at all.
func (s *MileageService) RecordEvent(ctx context.Context, in RecordEventInput) (result *RecordEventResult, err error) {
	ctx, span := s.tracer.Start(ctx, "MileageService.RecordEvent", trace.WithAttributes(
		attribute.String("tenant_id", in.TenantId),
		attribute.String("vehicle_id", in.VehicleId),
		attribute.String("source", string(in.Source)),
		attribute.Bool("odometer_reset", in.OdometerReset),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if in.EvidenceType == "" {
		in.EvidenceType = models.EvidenceTypeNone
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, newInputError(err)
	}
	if math.IsNaN(in.Km) || math.IsInf(in.Km, 0) {
		return nil, &InputError{Fields: map[string]string{"Km": "finite"}}
	}
	now := s.now().UTC()
	ts := in.TimestampUtc.UTC()
	if ts.After(now.Add(s.settings.FutureSkew)) {
		return nil, fmt.Errorf("%w: %s > %s", ErrFutureTimestamp, ts.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	}
	modes := s.calibrationModes(ctx, in)
	if !modes.Primary && !modes.Shadow {
		return nil, ErrFeatureDisabled
	}
	if _, ok := appctx.GetString(ctx, appctx.ContextKeyCorrelationId); !ok {
		ctx = appctx.Set(ctx, appctx.ContextKeyCorrelationId, uuid.NewString())
	}

	lease, err := s.locker.Acquire(ctx, utils.VehicleLockKey(in.TenantId, in.VehicleId), s.settings.LockTTL, utils.RetryPolicy{
		Retries:  s.settings.LockRetries,
		MinDelay: s.settings.LockMinDelay,
		MaxDelay: s.settings.LockMaxDelay,
	})
	if err != nil {
		if errors.Is(err, utils.ErrLockNotObtained) {
			s.logger.WithFields(logrus.Fields{
				"field":      "MileageService",
				"tenant_id":  in.TenantId,
				"vehicle_id": in.VehicleId,
			}).Info("vehicle lock contended")
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire vehicle lock: %w", err)
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			// ErrLockNotHeld means the lease expired and the version guard protected the write.
			s.logger.WithFields(logrus.Fields{
				"field":      "MileageService",
				"tenant_id":  in.TenantId,
				"vehicle_id": in.VehicleId,
			}).Warn("vehicle lock release failed: " + rerr.Error())
		}
	}()

	if in.ClientRequestId != nil {
		replay, err := s.replayIdempotent(ctx, in)
		if err != nil || replay != nil {
			return replay, err
		}
	}

	before, err := s.loadOrCreateModel(ctx, in.TenantId, in.VehicleId)
	if err != nil {
		return nil, err
	}

	unit := in.Unit
	if unit == "" {
		unit = before.DefaultUnit
	}
	var seed *models.VehicleSnapshot
	if !before.HasBaseline && !in.OdometerReset && s.vehicles != nil {
		seed, err = s.vehicles.FindVehicle(ctx, in.TenantId, in.VehicleId)
		if err != nil {
			return nil, fmt.Errorf("vehicle lookup for baseline: %w", err)
		}
		if in.Unit == "" && seed != nil && seed.DefaultUnit != nil && seed.DefaultUnit.IsValid() {
			unit = *seed.DefaultUnit
		}
	}
	km, err := NormalizeToKm(in.Km, unit)
	if err != nil {
		return nil, err
	}

	plan, err := planCalibration(before, observation{
		Km:            km,
		Unit:          unit,
		TimestampUtc:  ts,
		Source:        in.Source,
		EvidenceType:  in.EvidenceType,
		OdometerReset: in.OdometerReset,
	}, seed, modes, s.settings, s.newSeriesId)
	if err != nil {
		if errors.Is(err, ErrImplausibleRate) {
			s.stats.ObserveRejected()
			s.logger.WithFields(logrus.Fields{
				"field":      "MileageService",
				"tenant_id":  in.TenantId,
				"vehicle_id": in.VehicleId,
				"km":         km,
			}).Warn(err.Error())
		}
		return nil, err
	}

	event := &models.OdometerEvent{
		TenantId:             in.TenantId,
		VehicleId:            in.VehicleId,
		SeriesId:             plan.Next.SeriesId,
		Km:                   km,
		InputValue:           in.Km,
		Unit:                 unit,
		TimestampUtc:         ts,
		Source:               in.Source,
		EvidenceType:         in.EvidenceType,
		EvidenceUrl:          in.EvidenceUrl,
		Notes:                in.Notes,
		PendingReview:        plan.PendingReview,
		OutlierClass:         plan.OutlierClass,
		ObservedRateKmPerDay: plan.ObservedRate,
		OdometerReset:        in.OdometerReset,
		ClientRequestId:      in.ClientRequestId,
		CreatedByUserId:      in.CreatedByUserId,
		Metadata:             in.Metadata,
	}

	var depth int64
	err = s.repo.Transaction(ctx, func(tx models.MileageRepository) error {
		if err := tx.InsertEvent(ctx, event); err != nil {
			return err
		}
		if err := tx.SaveModel(ctx, plan.Next); err != nil {
			return err
		}
		// A closing entry belongs to the series it closes.
		auditModel := plan.Next
		if plan.Action == models.AuditActionClosed {
			auditModel = before
		}
		entry := models.NewAuditLog(ctx, auditModel, plan.Action, &event.ID, plan.Details, plan.Description)
		if entry.ActorUserId == nil {
			entry.ActorUserId = in.CreatedByUserId
		}
		if err := tx.InsertAudit(ctx, entry); err != nil {
			return err
		}
		if plan.PendingReview {
			correlationId, _ := appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
			d, err := tx.EnqueueReview(ctx, models.NewPendingReview(event, *plan.ObservedRate, correlationId))
			if err != nil {
				return err
			}
			depth = d
		}
		if in.ClientRequestId != nil {
			return tx.BeginIdempotency(ctx, &models.IdempotencyKey{
				TenantId:        in.TenantId,
				VehicleId:       in.VehicleId,
				ClientRequestId: *in.ClientRequestId,
				EventId:         event.ID,
			})
		}
		return nil
	})
	if err != nil {
		// Only reachable when our lease expired and another holder recorded the same request.
		if in.ClientRequestId != nil && models.IsDuplicateKeyErr(err) {
			replay, rerr := s.replayIdempotent(ctx, in)
			if rerr == nil && replay != nil {
				return replay, nil
			}
		}
		config.LogError(s.logger, "MileageService", "RecordEvent", "persist calibration", in, err)
		return nil, err
	}

	if plan.ObservedRate != nil {
		s.stats.Observe(plan.OutlierClass)
	}

	warnings := []string{}
	if w := s.invalidateEstimates(ctx, before, plan.Next); w != "" {
		warnings = append(warnings, w)
	}
	if plan.PendingReview {
		warnings = append(warnings, fmt.Sprintf("observed rate %.1f km/day quarantined for manual review", *plan.ObservedRate))
		s.stats.ObserveQueueDepth(depth)
		if depth >= s.settings.ReviewQueueWarnDepth {
			warnings = append(warnings, fmt.Sprintf("pending review queue depth %d is at or above %d; review may be delayed", depth, s.settings.ReviewQueueWarnDepth))
			s.logger.WithFields(logrus.Fields{
				"field":      "MileageService",
				"tenant_id":  in.TenantId,
				"vehicle_id": in.VehicleId,
				"depth":      depth,
			}).Warn("pending review backpressure")
		}
	}

	result = &RecordEventResult{
		Event:         event,
		Estimate:      s.estimateFor(ctx, plan.Next, true),
		Warnings:      warnings,
		PendingReview: plan.PendingReview,
	}
	if plan.ObservedRate != nil {
		class := plan.OutlierClass
		result.OutlierClass = &class
	}
	if in.ClientRequestId != nil {
		s.storeIdempotentResponse(ctx, in, result)
	}
	return result, nil
}

func (s *MileageService) calibrationModes(ctx context.Context, in RecordEventInput) calibrationModes {
	if s.flags == nil {
		return calibrationModes{}
	}
	userId, _ := appctx.GetString(ctx, appctx.ContextKeyUserId)
	if userId == "" && in.CreatedByUserId != nil {
		userId = *in.CreatedByUserId
	}
	cohorts, _ := appctx.GetStrings(ctx, appctx.ContextKeyCohorts)
	fc := config.NewFeatureContext(in.TenantId, userId, cohorts)
	return calibrationModes{
		Primary: s.flags.IsEnabled(ctx, config.FlagMileageCalibration, fc),
		Shadow:  s.flags.IsEnabled(ctx, config.FlagMileageCalibrationShadow, fc),
	}
}

// invalidateEstimates drops primary and shadow entries of the old and, after a reset, the new series.
// Failures are reported as a warning; the version check in estimateFor keeps reads coherent.
func (s *MileageService) invalidateEstimates(ctx context.Context, before, after *models.MileageModel) string {
	if s.cache == nil {
		return ""
	}
	keys := []string{
		utils.EstimateCacheKey(after.TenantId, after.VehicleId, after.SeriesId),
		utils.ShadowEstimateCacheKey(after.TenantId, after.VehicleId, after.SeriesId),
	}
	if before.SeriesId != after.SeriesId {
		keys = append(keys,
			utils.EstimateCacheKey(before.TenantId, before.VehicleId, before.SeriesId),
			utils.ShadowEstimateCacheKey(before.TenantId, before.VehicleId, before.SeriesId),
		)
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.warn("invalidateEstimates", "cache invalidation failed", after, err)
		return "estimate cache invalidation failed; cached estimates are revalidated on read"
	}
	return ""
}
