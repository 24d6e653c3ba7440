package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/mmdatafocus/mileage_backend/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEstimateCreatesModelLazily(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	res, err := fx.svc.GetEstimate(ctx, testTenant, "vehicle-new", false)
	require.NoError(t, err)
	assert.False(t, res.HasBaseline)
	assert.Equal(t, StatusNoBaseline, res.Status.Code)
	assert.Equal(t, SeverityWarning, res.Status.Severity)
	assert.True(t, res.IsApproximate)
	assert.Equal(t, 30.0, res.RateKmPerDay)
	assert.Equal(t, 0.3, res.Confidence)
	assert.Equal(t, "series-1", res.SeriesId)

	m := fx.model(t, "vehicle-new")
	assert.False(t, m.HasBaseline)
	assert.Equal(t, int64(1), fx.count(t, &models.MileageModel{}))

	// Second read reuses the record.
	_, err = fx.svc.GetEstimate(ctx, testTenant, "vehicle-new", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fx.count(t, &models.MileageModel{}))
}

func TestGetEstimateExtrapolatesAndCaches(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	fx.seedBaseline(t, testVehicle, 10000, t0, 40, 0.8)
	fx.clock.Set(t0.Add(10 * 24 * time.Hour))

	res, err := fx.svc.GetEstimate(ctx, testTenant, testVehicle, false)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.InDelta(t, 10400.0, res.EstimateKm, 1e-9)
	assert.Equal(t, StatusOK, res.Status.Code)
	assert.False(t, res.IsApproximate)
	assert.True(t, fx.cache.Has(utils.EstimateCacheKey(testTenant, testVehicle, "series-0")))
	assert.False(t, fx.cache.Has(utils.ShadowEstimateCacheKey(testTenant, testVehicle, "series-0")))

	// Cached snapshot is returned as-is even though time moved on.
	fx.clock.Set(t0.Add(20 * 24 * time.Hour))
	cached, err := fx.svc.GetEstimate(ctx, testTenant, testVehicle, false)
	require.NoError(t, err)
	assert.True(t, cached.CacheHit)
	assert.InDelta(t, 10400.0, cached.EstimateKm, 1e-9)

	fresh, err := fx.svc.GetEstimate(ctx, testTenant, testVehicle, true)
	require.NoError(t, err)
	assert.False(t, fresh.CacheHit)
	assert.InDelta(t, 10800.0, fresh.EstimateKm, 1e-9)
}

func TestGetEstimateStaleStatus(t *testing.T) {
	fx := newServiceFixture(t)
	fx.seedBaseline(t, testVehicle, 10000, t0, 10, 0.9)
	fx.clock.Set(t0.Add(95 * 24 * time.Hour))

	res, err := fx.svc.GetEstimate(context.Background(), testTenant, testVehicle, true)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, res.Status.Code)
	assert.Equal(t, SeverityCritical, res.Status.Severity)
	assert.True(t, res.IsApproximate)
}

func TestGetEstimateSurvivesCacheFailure(t *testing.T) {
	fx := newServiceFixture(t)
	fx.seedBaseline(t, testVehicle, 10000, t0, 10, 0.9)
	fx.cache.failWrite = true

	res, err := fx.svc.GetEstimate(context.Background(), testTenant, testVehicle, false)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, res.EstimateKm)
}

func TestGetEstimateRequiresIdentity(t *testing.T) {
	fx := newServiceFixture(t)
	_, err := fx.svc.GetEstimate(context.Background(), "", testVehicle, false)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, KindValidation, ErrorKind(err))

	_, err = fx.svc.ListEvents(context.Background(), testTenant, " ", "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestResolvePendingReview(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	fx.seedBaseline(t, testVehicle, 10000, t0, 30, 0.3)
	fx.clock.Set(t0.Add(24 * time.Hour))

	res, err := fx.svc.RecordEvent(ctx, manualInput(10800, t0.Add(24*time.Hour)))
	require.NoError(t, err)
	require.True(t, res.PendingReview)

	var review models.PendingReview
	require.NoError(t, fx.db.Where("event_id = ?", res.Event.ID).Take(&review).Error)

	_, err = fx.svc.ResolvePendingReview(ctx, testTenant, review.ID, "", "ops")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = fx.svc.ResolvePendingReview(ctx, "other-tenant", review.ID, "confirmed typo", "ops")
	require.ErrorIs(t, err, models.ErrReviewNotFound)
	assert.Equal(t, KindNotFound, ErrorKind(err))

	resolved, err := fx.svc.ResolvePendingReview(ctx, testTenant, review.ID, "confirmed typo", "ops")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStatusResolved, resolved.ReviewStatus)
	assert.Equal(t, "confirmed typo", *resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)
	assert.True(t, resolved.ResolvedAt.Equal(t0.Add(24*time.Hour)))

	health, err := fx.svc.ReviewQueueHealth(ctx)
	require.NoError(t, err)
	assert.Zero(t, health.Depth)
	assert.False(t, health.Backpressure)

	_, err = fx.svc.ResolvePendingReview(ctx, testTenant, review.ID, "again", "ops")
	require.ErrorIs(t, err, models.ErrReviewNotFound)

	// The quarantined event is untouched.
	events, err := fx.svc.ListEvents(ctx, testTenant, testVehicle, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].PendingReview)
}

func TestOutlierStats(t *testing.T) {
	stats := NewOutlierStats()
	stats.Observe(models.OutlierClassNone)
	stats.Observe(models.OutlierClassNone)
	stats.Observe(models.OutlierClassSoft)
	stats.Observe(models.OutlierClassHard)
	stats.ObserveRejected()

	snap := stats.Snapshot()
	assert.Equal(t, int64(2), snap.None)
	assert.Equal(t, int64(1), snap.Soft)
	assert.Equal(t, int64(1), snap.Hard)
	assert.Equal(t, int64(1), snap.Rejected)
	assert.Equal(t, int64(5), snap.Total)
	assert.InDelta(t, 0.4, snap.HardRatio, 1e-9)

	stats.Reset()
	assert.Equal(t, OutlierSnapshot{}, stats.Snapshot())

	var nilStats *OutlierStats
	nilStats.Observe(models.OutlierClassHard)
	assert.Equal(t, OutlierSnapshot{}, nilStats.Snapshot())
}

func TestPrometheusOutlierStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats, err := NewPrometheusOutlierStats(reg)
	require.NoError(t, err)

	stats.Observe(models.OutlierClassHard)
	stats.Observe(models.OutlierClassHard)
	stats.ObserveRejected()
	stats.ObserveQueueDepth(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(stats.classified.WithLabelValues("hard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stats.classified.WithLabelValues("rejected")))
	assert.Equal(t, 7.0, testutil.ToFloat64(stats.queueDepth))

	_, err = NewPrometheusOutlierStats(reg)
	assert.Error(t, err)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, Kind(""), ErrorKind(nil))
	assert.Equal(t, KindLocked, ErrorKind(models.ErrModelVersionConflict))
	assert.Equal(t, KindInternal, ErrorKind(assert.AnError))
	assert.False(t, IsRetryable(ErrMileageDecreased))
}
