package config

import (
	"context"
	"os"
	"strings"
)

const (
	FlagMileageCalibration       = "mileage_calibration"
	FlagMileageCalibrationShadow = "mileage_calibration_shadow"
)

// FeatureContext is the immutable caller identity used for flag decisions.
type FeatureContext struct {
	TenantId string
	UserId   string
	Cohorts  []string
}

// NewFeatureContext copies cohorts so later mutation by the caller cannot leak in.
func NewFeatureContext(tenantId, userId string, cohorts []string) FeatureContext {
	c := make([]string, len(cohorts))
	copy(c, cohorts)
	return FeatureContext{TenantId: tenantId, UserId: userId, Cohorts: c}
}

func (fc FeatureContext) HasCohort(name string) bool {
	for _, c := range fc.Cohorts {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// EnvFlagEvaluator resolves flags from FEATURE_FLAG_<KEY> env vars.
//
// Accepted values:
// - "all" / "true" / "1"   enabled for everyone
// - "none" / "" / "false"  disabled
// - "tenant:t1,user:u9,cohort:beta" enabled when any rule matches
//
// Keys are upper-cased, e.g. mileage_calibration -> FEATURE_FLAG_MILEAGE_CALIBRATION.
type EnvFlagEvaluator struct {
	lookup func(string) string
}

func NewEnvFlagEvaluator() *EnvFlagEvaluator {
	return &EnvFlagEvaluator{lookup: os.Getenv}
}

func (e *EnvFlagEvaluator) IsEnabled(_ context.Context, flagKey string, fc FeatureContext) bool {
	raw := strings.TrimSpace(e.lookup(flagEnvKey(flagKey)))
	return evaluateFlagRules(raw, fc)
}

func flagEnvKey(flagKey string) string {
	return "FEATURE_FLAG_" + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(flagKey), "-", "_"))
}

func evaluateFlagRules(raw string, fc FeatureContext) bool {
	switch strings.ToLower(raw) {
	case "", "none", "false", "0", "off":
		return false
	case "all", "true", "1", "on":
		return true
	}
	for _, part := range strings.Split(raw, ",") {
		kind, value, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || value == "" {
			continue
		}
		switch strings.ToLower(kind) {
		case "tenant":
			if value == fc.TenantId {
				return true
			}
		case "user":
			if fc.UserId != "" && value == fc.UserId {
				return true
			}
		case "cohort":
			if fc.HasCohort(value) {
				return true
			}
		}
	}
	return false
}
