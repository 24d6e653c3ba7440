package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/mmdatafocus/mileage_backend/config"
	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/mmdatafocus/mileage_backend/utils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testTenant  = "tenant-1"
	testVehicle = "vehicle-1"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// openTestDB returns a private in-memory SQLite database with the mileage tables.
// One connection keeps every statement on the same memory database.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg := config.InitConfig()
	cfg.Logger = logger.Default.LogMode(logger.Silent)
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), cfg)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.MigrateTable(db))
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type memoryCache struct {
	mu        sync.Mutex
	entries   map[string][]byte
	failWrite bool
	failDel   bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]byte{}}
}

func (c *memoryCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *memoryCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return errors.New("cache unavailable")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	return nil
}

func (c *memoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failDel {
		return errors.New("cache unavailable")
	}
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *memoryCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// memoryLocker mirrors the redis lease semantics without expiry.
type memoryLocker struct {
	mu       sync.Mutex
	held     map[string]string
	acquired atomic.Int64
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{held: map[string]string{}}
}

func (l *memoryLocker) Acquire(ctx context.Context, key string, _ time.Duration, policy utils.RetryPolicy) (utils.Lease, error) {
	for attempt := 0; ; attempt++ {
		l.mu.Lock()
		if _, busy := l.held[key]; !busy {
			token := uuid.NewString()
			l.held[key] = token
			l.mu.Unlock()
			l.acquired.Add(1)
			return &memoryLease{locker: l, key: key, token: token}, nil
		}
		l.mu.Unlock()
		if attempt >= policy.Retries {
			return nil, utils.ErrLockNotObtained
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.MinDelay):
		}
	}
}

func (l *memoryLocker) hold(key string) {
	l.mu.Lock()
	l.held[key] = "someone-else"
	l.mu.Unlock()
}

type memoryLease struct {
	locker *memoryLocker
	key    string
	token  string
}

func (l *memoryLease) Key() string   { return l.key }
func (l *memoryLease) Token() string { return l.token }

func (l *memoryLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.locker.held[l.key] != l.token {
		return utils.ErrLockNotHeld
	}
	delete(l.locker.held, l.key)
	return nil
}

type staticFlags struct {
	primary bool
	shadow  bool
}

func (f staticFlags) IsEnabled(_ context.Context, flagKey string, _ config.FeatureContext) bool {
	switch flagKey {
	case config.FlagMileageCalibration:
		return f.primary
	case config.FlagMileageCalibrationShadow:
		return f.shadow
	}
	return false
}

type staticVehicles map[string]*models.VehicleSnapshot

func (v staticVehicles) FindVehicle(_ context.Context, _ string, vehicleId string) (*models.VehicleSnapshot, error) {
	return v[vehicleId], nil
}

type serviceFixture struct {
	db       *gorm.DB
	repo     *models.GormRepository
	cache    *memoryCache
	locker   *memoryLocker
	clock    *testClock
	stats    *OutlierStats
	vehicles staticVehicles
	settings config.MileageSettings
	svc      *MileageService
	series   atomic.Int64
}

type fixtureOption func(*serviceFixture, *staticFlags)

func withFlags(primary, shadow bool) fixtureOption {
	return func(_ *serviceFixture, f *staticFlags) {
		f.primary = primary
		f.shadow = shadow
	}
}

func withSettings(mutate func(*config.MileageSettings)) fixtureOption {
	return func(fx *serviceFixture, _ *staticFlags) {
		mutate(&fx.settings)
	}
}

func withVehicle(vehicleId string, snap *models.VehicleSnapshot) fixtureOption {
	return func(fx *serviceFixture, _ *staticFlags) {
		fx.vehicles[vehicleId] = snap
	}
}

func newServiceFixture(t *testing.T, opts ...fixtureOption) *serviceFixture {
	t.Helper()
	db := openTestDB(t)
	fx := &serviceFixture{
		db:       db,
		repo:     models.NewGormRepository(db),
		cache:    newMemoryCache(),
		locker:   newMemoryLocker(),
		clock:    &testClock{now: t0},
		stats:    NewOutlierStats(),
		vehicles: staticVehicles{},
		settings: config.DefaultMileageSettings(),
	}
	fx.settings.LockMinDelay = time.Millisecond
	fx.settings.LockMaxDelay = 2 * time.Millisecond
	flags := staticFlags{primary: true}
	for _, opt := range opts {
		opt(fx, &flags)
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	fx.svc = NewMileageService(fx.repo, fx.cache, fx.locker, flags, fx.vehicles,
		WithSettings(fx.settings),
		WithClock(fx.clock.Now),
		WithOutlierStats(fx.stats),
		WithLogger(log),
		WithSeriesIdGenerator(func() string { return fmt.Sprintf("series-%d", fx.series.Add(1)) }),
	)
	return fx
}

// seedBaseline stores an established model directly.
func (fx *serviceFixture) seedBaseline(t *testing.T, vehicleId string, km float64, ts time.Time, rate, confidence float64) *models.MileageModel {
	t.Helper()
	m, err := fx.repo.GetOrCreateModel(context.Background(), &models.MileageModel{
		TenantId:      testTenant,
		VehicleId:     vehicleId,
		SeriesId:      "series-0",
		LastTrueKm:    km,
		LastTrueTsUtc: ts,
		RateKmPerDay:  rate,
		Confidence:    confidence,
		HasBaseline:   true,
		DefaultUnit:   models.DistanceUnitKm,
	})
	require.NoError(t, err)
	return m
}

func (fx *serviceFixture) model(t *testing.T, vehicleId string) *models.MileageModel {
	t.Helper()
	m, err := fx.repo.GetModel(context.Background(), testTenant, vehicleId)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

func (fx *serviceFixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, fx.db.Model(model).Count(&n).Error)
	return n
}

func manualInput(km float64, ts time.Time) RecordEventInput {
	return RecordEventInput{
		TenantId:     testTenant,
		VehicleId:    testVehicle,
		Km:           km,
		TimestampUtc: ts,
		Source:       models.EventSourceUserManual,
		EvidenceType: models.EvidenceTypeNone,
	}
}
