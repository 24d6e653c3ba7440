package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/mileage_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrModelVersionConflict = errors.New("mileage model was modified concurrently")
	ErrReviewNotFound       = errors.New("pending review not found")
)

type ModelStore interface {
	GetModel(ctx context.Context, tenantId, vehicleId string) (*MileageModel, error)
	GetOrCreateModel(ctx context.Context, seed *MileageModel) (*MileageModel, error)
	SaveModel(ctx context.Context, m *MileageModel) error
}

type EventLog interface {
	InsertEvent(ctx context.Context, e *OdometerEvent) error
	GetEvent(ctx context.Context, tenantId string, id int) (*OdometerEvent, error)
	FindEventByClientRequestId(ctx context.Context, tenantId, vehicleId, clientRequestId string) (*OdometerEvent, error)
	ListEvents(ctx context.Context, tenantId, vehicleId, seriesId string) ([]*OdometerEvent, error)
}

type AuditLog interface {
	InsertAudit(ctx context.Context, a *MileageAuditLog) error
	ListAudit(ctx context.Context, tenantId, vehicleId, seriesId string) ([]*MileageAuditLog, error)
}

type ReviewQueue interface {
	// EnqueueReview inserts the row and returns the open queue depth including it.
	EnqueueReview(ctx context.Context, r *PendingReview) (int64, error)
	ReviewQueueDepth(ctx context.Context) (int64, error)
	ResolveReview(ctx context.Context, tenantId string, reviewId int, resolution, resolvedBy string, at time.Time) (*PendingReview, error)
}

type IdempotencyStore interface {
	GetIdempotencyKey(ctx context.Context, tenantId, vehicleId, clientRequestId string) (*IdempotencyKey, error)
	BeginIdempotency(ctx context.Context, key *IdempotencyKey) error
	MarkIdempotencySucceeded(ctx context.Context, tenantId, vehicleId, clientRequestId string, response []byte) error
}

// MileageRepository is the persistence boundary of the calibration engine.
// Transaction runs fn against a repository bound to a single DB transaction.
type MileageRepository interface {
	ModelStore
	EventLog
	AuditLog
	ReviewQueue
	IdempotencyStore
	Transaction(ctx context.Context, fn func(tx MileageRepository) error) error
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Transaction(ctx context.Context, fn func(tx MileageRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{db: tx})
	})
}

// IsDuplicateKeyErr recognises both translated gorm errors and raw MySQL 1062.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

/* Mileage model */

// GetModel returns nil, nil when no record exists yet.
func (r *GormRepository) GetModel(ctx context.Context, tenantId, vehicleId string) (*MileageModel, error) {
	var m MileageModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND vehicle_id = ?", tenantId, vehicleId).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.LastTrueTsUtc = m.LastTrueTsUtc.UTC()
	return &m, nil
}

// GetOrCreateModel inserts seed when missing; a concurrent creator wins silently and its row is returned.
func (r *GormRepository) GetOrCreateModel(ctx context.Context, seed *MileageModel) (*MileageModel, error) {
	m, err := r.GetModel(ctx, seed.TenantId, seed.VehicleId)
	if err != nil || m != nil {
		return m, err
	}
	seed.ClampInvariants()
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error
	if err != nil && !IsDuplicateKeyErr(err) {
		return nil, err
	}
	return r.GetModel(ctx, seed.TenantId, seed.VehicleId)
}

// SaveModel writes every mutable field and bumps Version, failing if another writer got there first.
func (r *GormRepository) SaveModel(ctx context.Context, m *MileageModel) error {
	m.ClampInvariants()
	res := r.db.WithContext(ctx).Model(&MileageModel{}).
		Where("id = ? AND version = ?", m.ID, m.Version).
		Updates(map[string]interface{}{
			"series_id":              m.SeriesId,
			"last_true_km":           m.LastTrueKm,
			"last_true_ts_utc":       m.LastTrueTsUtc.UTC(),
			"rate_km_per_day":        m.RateKmPerDay,
			"confidence":             m.Confidence,
			"shadow_rate_km_per_day": m.ShadowRateKmPerDay,
			"has_baseline":           m.HasBaseline,
			"default_unit":           m.DefaultUnit,
			"version":                m.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrModelVersionConflict
	}
	m.Version++
	return nil
}

/* Event log */

func (r *GormRepository) InsertEvent(ctx context.Context, e *OdometerEvent) error {
	e.TimestampUtc = e.TimestampUtc.UTC()
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *GormRepository) GetEvent(ctx context.Context, tenantId string, id int) (*OdometerEvent, error) {
	var e OdometerEvent
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantId, id).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.TimestampUtc = e.TimestampUtc.UTC()
	return &e, nil
}

func (r *GormRepository) FindEventByClientRequestId(ctx context.Context, tenantId, vehicleId, clientRequestId string) (*OdometerEvent, error) {
	var e OdometerEvent
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND vehicle_id = ? AND client_request_id = ?", tenantId, vehicleId, clientRequestId).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.TimestampUtc = e.TimestampUtc.UTC()
	return &e, nil
}

// ListEvents returns events in observation order; an empty seriesId means all series.
func (r *GormRepository) ListEvents(ctx context.Context, tenantId, vehicleId, seriesId string) ([]*OdometerEvent, error) {
	var results []*OdometerEvent
	q := r.db.WithContext(ctx).Where("tenant_id = ? AND vehicle_id = ?", tenantId, vehicleId)
	if seriesId != "" {
		q = q.Where("series_id = ?", seriesId)
	}
	if err := q.Order("timestamp_utc ASC").Order("id ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	for _, e := range results {
		e.TimestampUtc = e.TimestampUtc.UTC()
	}
	return results, nil
}

/* Audit log */

func (r *GormRepository) InsertAudit(ctx context.Context, a *MileageAuditLog) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *GormRepository) ListAudit(ctx context.Context, tenantId, vehicleId, seriesId string) ([]*MileageAuditLog, error) {
	var results []*MileageAuditLog
	q := r.db.WithContext(ctx).Where("tenant_id = ? AND vehicle_id = ?", tenantId, vehicleId)
	if seriesId != "" {
		q = q.Where("series_id = ?", seriesId)
	}
	if err := q.Order("id ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

/* Pending-review queue */

func (r *GormRepository) EnqueueReview(ctx context.Context, review *PendingReview) (int64, error) {
	if err := r.db.WithContext(ctx).Create(review).Error; err != nil {
		return 0, err
	}
	return r.ReviewQueueDepth(ctx)
}

// ReviewQueueDepth counts open reviews across all tenants; the queue is a shared triage resource.
func (r *GormRepository) ReviewQueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	ctx = config.WithCrossTenantScope(ctx)
	err := r.db.WithContext(ctx).Model(&PendingReview{}).
		Where("review_status = ?", ReviewStatusOpen).
		Count(&depth).Error
	return depth, err
}

func (r *GormRepository) ResolveReview(ctx context.Context, tenantId string, reviewId int, resolution, resolvedBy string, at time.Time) (*PendingReview, error) {
	at = at.UTC()
	res := r.db.WithContext(ctx).Model(&PendingReview{}).
		Where("tenant_id = ? AND id = ? AND review_status = ?", tenantId, reviewId, ReviewStatusOpen).
		Updates(map[string]interface{}{
			"review_status": ReviewStatusResolved,
			"resolution":    &resolution,
			"resolved_by":   &resolvedBy,
			"resolved_at":   &at,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrReviewNotFound
	}
	var review PendingReview
	if err := r.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantId, reviewId).Take(&review).Error; err != nil {
		return nil, err
	}
	return &review, nil
}

/* Idempotency */

func (r *GormRepository) GetIdempotencyKey(ctx context.Context, tenantId, vehicleId, clientRequestId string) (*IdempotencyKey, error) {
	var key IdempotencyKey
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND vehicle_id = ? AND client_request_id = ?", tenantId, vehicleId, clientRequestId).
		Take(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (r *GormRepository) BeginIdempotency(ctx context.Context, key *IdempotencyKey) error {
	key.Status = IdempotencyStatusStarted
	return r.db.WithContext(ctx).Create(key).Error
}

func (r *GormRepository) MarkIdempotencySucceeded(ctx context.Context, tenantId, vehicleId, clientRequestId string, response []byte) error {
	return r.db.WithContext(ctx).Model(&IdempotencyKey{}).
		Where("tenant_id = ? AND vehicle_id = ? AND client_request_id = ?", tenantId, vehicleId, clientRequestId).
		Updates(map[string]interface{}{"status": IdempotencyStatusSucceeded, "response": response}).Error
}
