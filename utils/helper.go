package utils

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// ProcessValidationErrors flattens validator errors into field -> failed tag.
func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		if err != nil {
			errorResponse["_"] = err.Error()
		}
		return errorResponse
	}

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func NewString(s string) *string {
	return &s
}

func NewFloat(f float64) *float64 {
	return &f
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}
