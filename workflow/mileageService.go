package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/mmdatafocus/mileage_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Cache is the result cache; every failure is treated as a miss by the service.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type FlagEvaluator interface {
	IsEnabled(ctx context.Context, flagKey string, fc config.FeatureContext) bool
}

type VehicleDirectory interface {
	FindVehicle(ctx context.Context, tenantId, vehicleId string) (*models.VehicleSnapshot, error)
}

// MileageService is the calibration engine: lock-free estimates and serialized event recording.
type MileageService struct {
	repo     models.MileageRepository
	cache    Cache
	locker   utils.Locker
	flags    FlagEvaluator
	vehicles VehicleDirectory

	stats       *OutlierStats
	logger      *logrus.Logger
	settings    config.MileageSettings
	now         func() time.Time
	newSeriesId func() string
	tracer      trace.Tracer
	validate    *validator.Validate
}

type MileageServiceOption func(*MileageService)

func WithSettings(s config.MileageSettings) MileageServiceOption {
	return func(ms *MileageService) { ms.settings = s }
}

func WithClock(now func() time.Time) MileageServiceOption {
	return func(ms *MileageService) { ms.now = now }
}

func WithSeriesIdGenerator(gen func() string) MileageServiceOption {
	return func(ms *MileageService) { ms.newSeriesId = gen }
}

func WithOutlierStats(stats *OutlierStats) MileageServiceOption {
	return func(ms *MileageService) { ms.stats = stats }
}

func WithLogger(logger *logrus.Logger) MileageServiceOption {
	return func(ms *MileageService) { ms.logger = logger }
}

func WithTracer(tracer trace.Tracer) MileageServiceOption {
	return func(ms *MileageService) { ms.tracer = tracer }
}

func NewMileageService(repo models.MileageRepository, cache Cache, locker utils.Locker, flags FlagEvaluator, vehicles VehicleDirectory, opts ...MileageServiceOption) *MileageService {
	ms := &MileageService{
		repo:        repo,
		cache:       cache,
		locker:      locker,
		flags:       flags,
		vehicles:    vehicles,
		stats:       NewOutlierStats(),
		logger:      config.GetLogger(),
		settings:    config.DefaultMileageSettings(),
		now:         time.Now,
		newSeriesId: uuid.NewString,
		tracer:      otel.Tracer("mileage_backend/workflow"),
		validate:    validator.New(),
	}
	for _, opt := range opts {
		opt(ms)
	}
	return ms
}

func (s *MileageService) Stats() *OutlierStats {
	return s.stats
}

// GetEstimate never takes the vehicle lock. The model is read first so a cached
// entry from an older model version is never served.
func (s *MileageService) GetEstimate(ctx context.Context, tenantId, vehicleId string, forceRefresh bool) (*EstimateResult, error) {
	ctx, span := s.tracer.Start(ctx, "MileageService.GetEstimate", trace.WithAttributes(
		attribute.String("tenant_id", tenantId),
		attribute.String("vehicle_id", vehicleId),
		attribute.Bool("force_refresh", forceRefresh),
	))
	defer span.End()

	if err := requireIdentity(tenantId, vehicleId); err != nil {
		return nil, err
	}
	m, err := s.loadOrCreateModel(ctx, tenantId, vehicleId)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.estimateFor(ctx, m, forceRefresh), nil
}

func (s *MileageService) estimateFor(ctx context.Context, m *models.MileageModel, forceRefresh bool) *EstimateResult {
	key := utils.EstimateCacheKey(m.TenantId, m.VehicleId, m.SeriesId)

	if !forceRefresh && s.cache != nil {
		var cached EstimateResult
		hit, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.warn("estimateFor", "cache read failed", m, err)
		} else if hit && cached.ModelVersion == m.Version && cached.SeriesId == m.SeriesId {
			cached.CacheHit = true
			return &cached
		}
	}

	now := s.now().UTC()
	result := computeEstimate(m, now, s.settings)
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, result, s.settings.CacheTTL); err != nil {
			s.warn("estimateFor", "cache write failed", m, err)
		}
		if shadow := computeShadowEstimate(m, now); shadow != nil {
			shadowKey := utils.ShadowEstimateCacheKey(m.TenantId, m.VehicleId, m.SeriesId)
			if err := s.cache.Set(ctx, shadowKey, shadow, s.settings.CacheTTL); err != nil {
				s.warn("estimateFor", "shadow cache write failed", m, err)
			}
		}
	}
	return &result
}

func (s *MileageService) loadOrCreateModel(ctx context.Context, tenantId, vehicleId string) (*models.MileageModel, error) {
	m, err := s.repo.GetModel(ctx, tenantId, vehicleId)
	if err != nil || m != nil {
		return m, err
	}
	return s.repo.GetOrCreateModel(ctx, &models.MileageModel{
		TenantId:      tenantId,
		VehicleId:     vehicleId,
		SeriesId:      s.newSeriesId(),
		LastTrueTsUtc: s.now().UTC(),
		RateKmPerDay:  s.settings.DefaultRateKmPerDay,
		Confidence:    s.settings.DefaultConfidence,
		HasBaseline:   false,
		DefaultUnit:   models.DistanceUnitKm,
	})
}

// ListEvents returns the event log of a vehicle, optionally narrowed to one series.
func (s *MileageService) ListEvents(ctx context.Context, tenantId, vehicleId, seriesId string) ([]*models.OdometerEvent, error) {
	if err := requireIdentity(tenantId, vehicleId); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, tenantId, vehicleId, seriesId)
}

func (s *MileageService) ListAudit(ctx context.Context, tenantId, vehicleId, seriesId string) ([]*models.MileageAuditLog, error) {
	if err := requireIdentity(tenantId, vehicleId); err != nil {
		return nil, err
	}
	return s.repo.ListAudit(ctx, tenantId, vehicleId, seriesId)
}

type ReviewQueueHealth struct {
	Depth        int64           `json:"depth"`
	WarnDepth    int64           `json:"warn_depth"`
	Backpressure bool            `json:"backpressure"`
	Outliers     OutlierSnapshot `json:"outliers"`
}

func (s *MileageService) ReviewQueueHealth(ctx context.Context) (*ReviewQueueHealth, error) {
	depth, err := s.repo.ReviewQueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	s.stats.ObserveQueueDepth(depth)
	return &ReviewQueueHealth{
		Depth:        depth,
		WarnDepth:    s.settings.ReviewQueueWarnDepth,
		Backpressure: depth >= s.settings.ReviewQueueWarnDepth,
		Outliers:     s.stats.Snapshot(),
	}, nil
}

// ResolvePendingReview closes a triage item. The quarantined event itself stays immutable.
func (s *MileageService) ResolvePendingReview(ctx context.Context, tenantId string, reviewId int, resolution, resolvedBy string) (*models.PendingReview, error) {
	resolution = strings.TrimSpace(resolution)
	fields := map[string]string{}
	if tenantId == "" {
		fields["TenantId"] = "required"
	}
	if reviewId <= 0 {
		fields["ReviewId"] = "required"
	}
	if resolution == "" {
		fields["Resolution"] = "required"
	}
	if len(fields) > 0 {
		return nil, &InputError{Fields: fields}
	}
	review, err := s.repo.ResolveReview(ctx, tenantId, reviewId, resolution, resolvedBy, s.now().UTC())
	if err != nil {
		if !errors.Is(err, models.ErrReviewNotFound) {
			config.LogError(s.logger, "MileageService", "ResolvePendingReview", "resolve review", reviewId, err)
		}
		return nil, err
	}
	if depth, derr := s.repo.ReviewQueueDepth(ctx); derr == nil {
		s.stats.ObserveQueueDepth(depth)
	}
	return review, nil
}

func requireIdentity(tenantId, vehicleId string) error {
	fields := map[string]string{}
	if strings.TrimSpace(tenantId) == "" {
		fields["TenantId"] = "required"
	}
	if strings.TrimSpace(vehicleId) == "" {
		fields["VehicleId"] = "required"
	}
	if len(fields) > 0 {
		return &InputError{Fields: fields}
	}
	return nil
}

func (s *MileageService) warn(funcName, msg string, m *models.MileageModel, err error) {
	if s.logger == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"field":      "MileageService",
		"funcName":   funcName,
		"tenant_id":  m.TenantId,
		"vehicle_id": m.VehicleId,
		"series_id":  m.SeriesId,
	}).Warn(msg + ": " + err.Error())
}
