package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/mileage_backend/models"
	"github.com/mmdatafocus/mileage_backend/utils"
)

// Fatal validation: rejected immediately, nothing persisted.
var (
	ErrInvalidInput    = errors.New("invalid odometer event")
	ErrFutureTimestamp = errors.New("odometer timestamp is in the future")
	ErrNegativeMileage = errors.New("odometer reading must not be negative")
	ErrImplausibleRate = errors.New("observed mileage rate exceeds the absolute ceiling")
)

// Business-rule conflicts: rejected without calibration.
var (
	ErrMileageDecreased    = errors.New("odometer reading decreased without a reset")
	ErrNonPositiveInterval = errors.New("odometer event does not advance past the last confirmed reading")
)

var (
	ErrLocked          = errors.New("vehicle mileage is being updated by another request, retry later")
	ErrFeatureDisabled = errors.New("mileage calibration is disabled for this caller")
)

// InputError carries per-field validation failures and unwraps to ErrInvalidInput.
type InputError struct {
	Fields map[string]string
}

func (e *InputError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+e.Fields[k])
	}
	return fmt.Sprintf("%s (%s)", ErrInvalidInput.Error(), strings.Join(parts, ", "))
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

func newInputError(err error) error {
	return &InputError{Fields: utils.ProcessValidationErrors(err)}
}

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindLocked     Kind = "locked"
	KindDisabled   Kind = "disabled"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// ErrorKind buckets an error returned by the service so transports can map it to a status.
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrFutureTimestamp),
		errors.Is(err, ErrNegativeMileage),
		errors.Is(err, ErrImplausibleRate):
		return KindValidation
	case errors.Is(err, ErrMileageDecreased),
		errors.Is(err, ErrNonPositiveInterval):
		return KindConflict
	case errors.Is(err, ErrLocked),
		errors.Is(err, models.ErrModelVersionConflict):
		return KindLocked
	case errors.Is(err, ErrFeatureDisabled):
		return KindDisabled
	case errors.Is(err, models.ErrReviewNotFound):
		return KindNotFound
	}
	return KindInternal
}

// IsRetryable reports whether the caller may resubmit the same request unchanged.
func IsRetryable(err error) bool {
	return ErrorKind(err) == KindLocked
}
