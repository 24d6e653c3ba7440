package workflow

import (
	"context"
	"encoding/json"

	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/models"
)

// replayIdempotent returns the earlier result for in.ClientRequestId, or nil when the request is new.
// Must be called while holding the vehicle lock.
func (s *MileageService) replayIdempotent(ctx context.Context, in RecordEventInput) (*RecordEventResult, error) {
	requestId := *in.ClientRequestId
	key, err := s.repo.GetIdempotencyKey(ctx, in.TenantId, in.VehicleId, requestId)
	if err != nil {
		return nil, err
	}
	if key != nil && key.Status == models.IdempotencyStatusSucceeded && len(key.Response) > 0 {
		var res RecordEventResult
		if err := json.Unmarshal(key.Response, &res); err == nil {
			res.Replayed = true
			return &res, nil
		}
		config.LogError(s.logger, "MileageService", "replayIdempotent", "decode stored response", requestId, err)
	}

	event, err := s.repo.FindEventByClientRequestId(ctx, in.TenantId, in.VehicleId, requestId)
	if err != nil || event == nil {
		return nil, err
	}

	// The event committed but the response snapshot did not; rebuild it from the log.
	m, err := s.loadOrCreateModel(ctx, in.TenantId, in.VehicleId)
	if err != nil {
		return nil, err
	}
	res := &RecordEventResult{
		Event:         event,
		Estimate:      s.estimateFor(ctx, m, true),
		Warnings:      []string{},
		PendingReview: event.PendingReview,
	}
	if event.ObservedRateKmPerDay != nil {
		class := event.OutlierClass
		res.OutlierClass = &class
	}
	if key == nil {
		if err := s.repo.BeginIdempotency(ctx, &models.IdempotencyKey{
			TenantId:        in.TenantId,
			VehicleId:       in.VehicleId,
			ClientRequestId: requestId,
			EventId:         event.ID,
		}); err != nil && !models.IsDuplicateKeyErr(err) {
			return nil, err
		}
	}
	s.storeIdempotentResponse(ctx, in, res)
	res.Replayed = true
	return res, nil
}

// storeIdempotentResponse is best effort: a missing snapshot is rebuilt on the next replay.
func (s *MileageService) storeIdempotentResponse(ctx context.Context, in RecordEventInput, res *RecordEventResult) {
	snapshot := *res
	snapshot.Replayed = false
	body, err := json.Marshal(snapshot)
	if err == nil {
		err = s.repo.MarkIdempotencySucceeded(ctx, in.TenantId, in.VehicleId, *in.ClientRequestId, body)
	}
	if err != nil {
		config.LogError(s.logger, "MileageService", "storeIdempotentResponse", "persist response snapshot", *in.ClientRequestId, err)
	}
}
