package config

import "time"

// MileageSettings holds the tunables of the calibration engine.
// Every field can be overridden through the MILEAGE_* env vars listed in LoadMileageSettings.
type MileageSettings struct {
	DefaultRateKmPerDay float64
	DefaultConfidence   float64

	StaleDays          float64
	CriticalStaleDays  float64
	LowConfidence      float64
	CriticalConfidence float64

	SoftOutlierKmPerDay     float64
	HardOutlierKmPerDay     float64
	AbsoluteCeilingKmPerDay float64
	HardOutlierPenalty      float64

	CacheTTL time.Duration

	LockTTL      time.Duration
	LockRetries  int
	LockMinDelay time.Duration
	LockMaxDelay time.Duration

	FutureSkew           time.Duration
	ReviewQueueWarnDepth int64
}

func DefaultMileageSettings() MileageSettings {
	return MileageSettings{
		DefaultRateKmPerDay:     30,
		DefaultConfidence:       0.30,
		StaleDays:               30,
		CriticalStaleDays:       90,
		LowConfidence:           0.35,
		CriticalConfidence:      0.15,
		SoftOutlierKmPerDay:     300,
		HardOutlierKmPerDay:     500,
		AbsoluteCeilingKmPerDay: 1500,
		HardOutlierPenalty:      0.05,
		CacheTTL:                24 * time.Hour,
		LockTTL:                 10 * time.Second,
		LockRetries:             5,
		LockMinDelay:            50 * time.Millisecond,
		LockMaxDelay:            100 * time.Millisecond,
		FutureSkew:              time.Second,
		ReviewQueueWarnDepth:    100,
	}
}

// LoadMileageSettings reads overrides from env:
//   - MILEAGE_DEFAULT_RATE_KM_PER_DAY, MILEAGE_DEFAULT_CONFIDENCE
//   - MILEAGE_STALE_DAYS, MILEAGE_CRITICAL_STALE_DAYS
//   - MILEAGE_LOW_CONFIDENCE, MILEAGE_CRITICAL_CONFIDENCE
//   - MILEAGE_SOFT_OUTLIER_KM_PER_DAY, MILEAGE_HARD_OUTLIER_KM_PER_DAY, MILEAGE_ABSOLUTE_CEILING_KM_PER_DAY
//   - MILEAGE_HARD_OUTLIER_PENALTY
//   - MILEAGE_CACHE_TTL_HOURS
//   - MILEAGE_LOCK_TTL_SECONDS, MILEAGE_LOCK_RETRIES, MILEAGE_LOCK_MIN_DELAY_MS, MILEAGE_LOCK_MAX_DELAY_MS
//   - MILEAGE_FUTURE_SKEW_MS, MILEAGE_REVIEW_QUEUE_WARN_DEPTH
func LoadMileageSettings() MileageSettings {
	s := DefaultMileageSettings()

	s.DefaultRateKmPerDay = floatFromEnv("MILEAGE_DEFAULT_RATE_KM_PER_DAY", s.DefaultRateKmPerDay)
	s.DefaultConfidence = floatFromEnv("MILEAGE_DEFAULT_CONFIDENCE", s.DefaultConfidence)
	s.StaleDays = floatFromEnv("MILEAGE_STALE_DAYS", s.StaleDays)
	s.CriticalStaleDays = floatFromEnv("MILEAGE_CRITICAL_STALE_DAYS", s.CriticalStaleDays)
	s.LowConfidence = floatFromEnv("MILEAGE_LOW_CONFIDENCE", s.LowConfidence)
	s.CriticalConfidence = floatFromEnv("MILEAGE_CRITICAL_CONFIDENCE", s.CriticalConfidence)
	s.SoftOutlierKmPerDay = floatFromEnv("MILEAGE_SOFT_OUTLIER_KM_PER_DAY", s.SoftOutlierKmPerDay)
	s.HardOutlierKmPerDay = floatFromEnv("MILEAGE_HARD_OUTLIER_KM_PER_DAY", s.HardOutlierKmPerDay)
	s.AbsoluteCeilingKmPerDay = floatFromEnv("MILEAGE_ABSOLUTE_CEILING_KM_PER_DAY", s.AbsoluteCeilingKmPerDay)
	s.HardOutlierPenalty = floatFromEnv("MILEAGE_HARD_OUTLIER_PENALTY", s.HardOutlierPenalty)

	if h := intFromEnv("MILEAGE_CACHE_TTL_HOURS", 0); h > 0 {
		s.CacheTTL = time.Duration(h) * time.Hour
	}
	if secs := intFromEnv("MILEAGE_LOCK_TTL_SECONDS", 0); secs > 0 {
		s.LockTTL = time.Duration(secs) * time.Second
	}
	if n := intFromEnv("MILEAGE_LOCK_RETRIES", -1); n >= 0 {
		s.LockRetries = n
	}
	if ms := intFromEnv("MILEAGE_LOCK_MIN_DELAY_MS", 0); ms > 0 {
		s.LockMinDelay = time.Duration(ms) * time.Millisecond
	}
	if ms := intFromEnv("MILEAGE_LOCK_MAX_DELAY_MS", 0); ms > 0 {
		s.LockMaxDelay = time.Duration(ms) * time.Millisecond
	}
	if s.LockMaxDelay < s.LockMinDelay {
		s.LockMaxDelay = s.LockMinDelay
	}
	if ms := intFromEnv("MILEAGE_FUTURE_SKEW_MS", -1); ms >= 0 {
		s.FutureSkew = time.Duration(ms) * time.Millisecond
	}
	if d := intFromEnv("MILEAGE_REVIEW_QUEUE_WARN_DEPTH", 0); d > 0 {
		s.ReviewQueueWarnDepth = int64(d)
	}
	return s
}
