package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDispatcher(db *gorm.DB, publish ReviewPublisher) *ReviewDispatcher {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	d := NewReviewDispatcher(db, log)
	d.Publish = publish
	d.now = func() time.Time { return t0 }
	return d
}

func insertReview(t *testing.T, db *gorm.DB, eventId int) models.PendingReview {
	t.Helper()
	r := models.NewPendingReview(&models.OdometerEvent{
		ID:           eventId,
		TenantId:     testTenant,
		VehicleId:    testVehicle,
		SeriesId:     "series-0",
		Km:           20000,
		TimestampUtc: t0,
		Source:       models.EventSourceUserManual,
		EvidenceType: models.EvidenceTypeNone,
	}, 900, "corr")
	require.NoError(t, db.Create(r).Error)
	return *r
}

func TestReviewDispatcherPublishesAndMarksSent(t *testing.T) {
	db := openTestDB(t)
	insertReview(t, db, 1)
	insertReview(t, db, 2)

	var published []config.PendingReviewMessage
	d := newTestDispatcher(db, func(_ context.Context, msg config.PendingReviewMessage) (string, error) {
		published = append(published, msg)
		return "msg-" + msg.SeriesId, nil
	})

	sent, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	require.Len(t, published, 2)
	assert.Equal(t, 1, published[0].EventId)
	assert.Equal(t, 900.0, published[0].ObservedRate)
	assert.Equal(t, "corr", published[0].CorrelationId)

	var rows []models.PendingReview
	require.NoError(t, db.Order("id").Find(&rows).Error)
	for _, r := range rows {
		assert.Equal(t, models.ReviewPublishStatusSent, r.PublishStatus)
		assert.Equal(t, 1, r.PublishAttempts)
		assert.Nil(t, r.LockedBy)
		require.NotNil(t, r.PubSubMessageId)
		// Publishing never closes the triage item.
		assert.Equal(t, models.ReviewStatusOpen, r.ReviewStatus)
	}

	sent, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, published, 2)
}

func TestReviewDispatcherRetriesWithBackoff(t *testing.T) {
	db := openTestDB(t)
	insertReview(t, db, 1)

	d := newTestDispatcher(db, func(context.Context, config.PendingReviewMessage) (string, error) {
		return "", errors.New("broker down")
	})

	sent, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)

	var row models.PendingReview
	require.NoError(t, db.Take(&row).Error)
	assert.Equal(t, models.ReviewPublishStatusFailed, row.PublishStatus)
	assert.Equal(t, "broker down", *row.LastPublishError)
	require.NotNil(t, row.NextAttemptAt)
	assert.True(t, row.NextAttemptAt.Equal(t0.Add(d.InitialBackoff)))

	// Not yet due.
	sent, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	require.NoError(t, db.Take(&row).Error)
	assert.Equal(t, 1, row.PublishAttempts)
}

func TestReviewDispatcherMovesPoisonRowsToDead(t *testing.T) {
	db := openTestDB(t)
	insertReview(t, db, 1)

	calls := 0
	d := newTestDispatcher(db, func(context.Context, config.PendingReviewMessage) (string, error) {
		calls++
		return "", errors.New("rejected")
	})
	d.MaxAttempts = 2
	d.InitialBackoff = 0

	for i := 0; i < 3; i++ {
		_, err := d.DispatchOnce(context.Background())
		require.NoError(t, err)
	}

	var row models.PendingReview
	require.NoError(t, db.Take(&row).Error)
	assert.Equal(t, models.ReviewPublishStatusDead, row.PublishStatus)
	assert.Equal(t, 2, calls)
}

func TestReviewBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, reviewBackoff(5*time.Second, 1))
	assert.Equal(t, 20*time.Second, reviewBackoff(5*time.Second, 3))
	assert.Equal(t, 10*time.Minute, reviewBackoff(5*time.Second, 30))
}

func TestReviewDispatcherRunStopsOnCancel(t *testing.T) {
	db := openTestDB(t)
	d := newTestDispatcher(db, func(context.Context, config.PendingReviewMessage) (string, error) { return "id", nil })
	d.PollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
