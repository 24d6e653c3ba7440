package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReviewPublisher delivers one pending-review message and returns the broker message id.
type ReviewPublisher func(ctx context.Context, msg config.PendingReviewMessage) (string, error)

// ReviewDispatcher publishes committed PendingReview rows to the triage topic.
type ReviewDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Publish      ReviewPublisher
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration

	now func() time.Time
}

func NewReviewDispatcher(db *gorm.DB, logger *logrus.Logger) *ReviewDispatcher {
	return &ReviewDispatcher{
		DB:             db,
		Logger:         logger,
		Publish:        config.PublishPendingReview,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		now:            time.Now,
	}
}

func (d *ReviewDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil {
			config.LogError(d.Logger, "ReviewDispatcher", "Run", "dispatch batch", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and publishes it; returns the number of rows marked SENT.
func (d *ReviewDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if d.DB == nil || d.Publish == nil {
		return 0, nil
	}
	now := d.now().UTC()
	staleBefore := now.Add(-d.LockTimeout)

	var claimed []models.PendingReview
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING with a stale lock (dispatcher crashed mid-batch)
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.ReviewPublishStatusPending, models.ReviewPublishStatusFailed}, now, models.ReviewPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize)
		if tx.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			// Poison rows go terminal.
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.ReviewPublishStatusDead
				if err := tx.Model(&models.PendingReview{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.ReviewPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.ReviewPublishStatusProcessing
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.PendingReview{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.ReviewPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          &d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return 0, err
	}

	sent := 0
	for _, rec := range claimed {
		if rec.PublishStatus == models.ReviewPublishStatusDead {
			continue
		}
		pubID, pubErr := d.Publish(ctx, models.ConvertToPendingReviewMessage(rec))
		if pubErr != nil {
			d.markPublishFailed(ctx, rec, pubErr)
			continue
		}
		d.markPublishSent(ctx, rec.ID, pubID, now)
		sent++
	}
	return sent, nil
}

func (d *ReviewDispatcher) markPublishSent(ctx context.Context, recordID int, pubsubMsgID string, now time.Time) {
	id := pubsubMsgID
	err := d.DB.WithContext(ctx).Model(&models.PendingReview{}).
		Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"publish_status":     models.ReviewPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &id,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
	config.LogError(d.Logger, "ReviewDispatcher", "markPublishSent", "update review row", recordID, err)
}

func (d *ReviewDispatcher) markPublishFailed(ctx context.Context, rec models.PendingReview, err error) {
	db := d.DB.WithContext(ctx)
	now := d.now().UTC()
	msg := err.Error()
	attempt := rec.PublishAttempts

	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		_ = db.Model(&models.PendingReview{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.ReviewPublishStatusDead,
				"last_publish_error": &msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error

		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":     "ReviewDispatcher",
				"tenant_id": rec.TenantId,
				"review_id": rec.ID,
				"attempt":   attempt,
			}).Error("pending review publish moved to DEAD after max attempts: " + msg)
		}
		return
	}

	next := now.Add(reviewBackoff(d.InitialBackoff, attempt))
	_ = db.Model(&models.PendingReview{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.ReviewPublishStatusFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "ReviewDispatcher",
			"tenant_id":       rec.TenantId,
			"review_id":       rec.ID,
			"attempt":         attempt,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("pending review publish failed: " + msg)
	}
}

// reviewBackoff doubles per attempt, capped at ten minutes.
func reviewBackoff(initial time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return backoff
}
