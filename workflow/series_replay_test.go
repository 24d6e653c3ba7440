package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordDays(t *testing.T, fx *serviceFixture, kms ...float64) {
	t.Helper()
	for i, km := range kms {
		in := manualInput(km, t0.Add(time.Duration(i+1)*24*time.Hour))
		if i%2 == 1 {
			in.Source = models.EventSourceService
			in.EvidenceType = models.EvidenceTypePhoto
		}
		_, err := fx.svc.RecordEvent(context.Background(), in)
		require.NoError(t, err)
	}
}

func TestReplaySeriesMatchesStoredState(t *testing.T) {
	fx := newServiceFixture(t, withFlags(true, true))
	fx.seedBaseline(t, testVehicle, 10000, t0, 30, 0.3)
	fx.clock.Set(t0.Add(30 * 24 * time.Hour))
	// includes a soft outlier (400/day) and a hard outlier (800/day)
	recordDays(t, fx, 10040, 10100, 10500, 11300, 10560)

	report, err := fx.svc.ReplaySeries(context.Background(), testTenant, testVehicle, "series-0")
	require.NoError(t, err)
	assert.False(t, report.Drifted)
	assert.Empty(t, report.MissingAudit)
	require.Len(t, report.Steps, 5)
	for _, step := range report.Steps {
		assert.False(t, step.Drift, "event %d", step.EventId)
		assert.Empty(t, step.Error)
	}
	assert.Equal(t, models.AuditActionOutlier, report.Steps[3].Action)
	require.NotNil(t, report.StoredRate)
	assert.InDelta(t, *report.StoredRate, report.ReplayedRate, 1e-9)
}

func TestReplaySeriesFollowsApplicationOrder(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	fx.seedBaseline(t, testVehicle, 10000, t0, 30, 0.3)
	fx.clock.Set(t0.Add(30 * 24 * time.Hour))

	quarantined, err := fx.svc.RecordEvent(ctx, manualInput(10510, t0.Add(24*time.Hour)))
	require.NoError(t, err)
	require.True(t, quarantined.PendingReview)
	// Earlier timestamp, recorded later: still valid because the outlier never advanced the baseline.
	accepted, err := fx.svc.RecordEvent(ctx, manualInput(10400, t0.Add(23*time.Hour)))
	require.NoError(t, err)
	require.False(t, accepted.PendingReview)

	report, err := fx.svc.ReplaySeries(ctx, testTenant, testVehicle, "series-0")
	require.NoError(t, err)
	assert.False(t, report.Drifted)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, quarantined.Event.ID, report.Steps[0].EventId)
	assert.Equal(t, models.AuditActionOutlier, report.Steps[0].Action)
	assert.Equal(t, accepted.Event.ID, report.Steps[1].EventId)
	for _, step := range report.Steps {
		assert.False(t, step.Drift, "event %d", step.EventId)
		assert.Empty(t, step.Error)
	}
	assert.InDelta(t, fx.model(t, testVehicle).RateKmPerDay, report.ReplayedRate, 1e-9)
}

func TestReplaySeriesDetectsDrift(t *testing.T) {
	fx := newServiceFixture(t)
	fx.seedBaseline(t, testVehicle, 10000, t0, 30, 0.3)
	fx.clock.Set(t0.Add(30 * 24 * time.Hour))
	recordDays(t, fx, 10040, 10100)

	require.NoError(t, fx.db.Model(&models.MileageModel{}).
		Where("vehicle_id = ?", testVehicle).
		Update("rate_km_per_day", 99).Error)

	report, err := fx.svc.ReplaySeries(context.Background(), testTenant, testVehicle, "series-0")
	require.NoError(t, err)
	assert.True(t, report.Drifted)
	for _, step := range report.Steps {
		assert.False(t, step.Drift)
	}
	assert.Equal(t, 99.0, *report.StoredRate)
}

func TestReplaySeriesAfterResetAndBootstrap(t *testing.T) {
	seedKm := 5000.0
	fx := newServiceFixture(t, withVehicle(testVehicle, &models.VehicleSnapshot{Mileage: &seedKm}))
	ctx := context.Background()
	fx.clock.Set(t0.Add(30 * 24 * time.Hour))

	recordDays(t, fx, 5050, 5100)
	m := fx.model(t, testVehicle)
	report, err := fx.svc.ReplaySeries(ctx, testTenant, testVehicle, m.SeriesId)
	require.NoError(t, err)
	assert.False(t, report.Drifted)

	reset := manualInput(3, t0.Add(5*24*time.Hour))
	reset.OdometerReset = true
	_, err = fx.svc.RecordEvent(ctx, reset)
	require.NoError(t, err)
	_, err = fx.svc.RecordEvent(ctx, manualInput(43, t0.Add(6*24*time.Hour)))
	require.NoError(t, err)

	current := fx.model(t, testVehicle)
	require.NotEqual(t, m.SeriesId, current.SeriesId)
	report, err = fx.svc.ReplaySeries(ctx, testTenant, testVehicle, current.SeriesId)
	require.NoError(t, err)
	assert.False(t, report.Drifted)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, models.AuditActionClosed, report.Steps[0].Action)
	assert.InDelta(t, current.RateKmPerDay, report.ReplayedRate, 1e-9)

	// The closed series is no longer current, so only step-level checks apply.
	report, err = fx.svc.ReplaySeries(ctx, testTenant, testVehicle, m.SeriesId)
	require.NoError(t, err)
	assert.Nil(t, report.StoredRate)
	assert.False(t, report.Drifted)
}
