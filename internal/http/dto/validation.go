package dto

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cesargomez89/crate/internal/config"
	"github.com/cesargomez89/crate/internal/constants"
	"github.com/cesargomez89/crate/internal/domain"
)

// maxEnqueueIDs bounds one enqueue request.
const maxEnqueueIDs = 100

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func ToMap(errs []ValidationError) map[string]string {
	result := make(map[string]string)
	for _, e := range errs {
		result[e.Field] = e.Message
	}
	return result
}

func ToResponse(errs []ValidationError) string {
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// EnqueueRequest is the body of POST /api/queue/{kind}.
type EnqueueRequest struct {
	IDs []string `json:"ids"`
}

func (r *EnqueueRequest) Validate() []ValidationError {
	var errs []ValidationError
	if len(r.IDs) == 0 {
		errs = append(errs, ValidationError{Field: "ids", Message: "at least one id is required"})
	}
	if len(r.IDs) > maxEnqueueIDs {
		errs = append(errs, ValidationError{Field: "ids", Message: fmt.Sprintf("at most %d ids per request", maxEnqueueIDs)})
	}
	for i, id := range r.IDs {
		if domain.IsInvalidID(id) {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("ids[%d]", i), Message: fmt.Sprintf("invalid id %q", id)})
		}
	}
	return errs
}

// SettingRequest is the body of PUT /api/settings/{key}.
type SettingRequest struct {
	Value string `json:"value"`
}

func (r *SettingRequest) Validate(key string) []ValidationError {
	var errs []ValidationError
	if !config.IsSettingKey(key) {
		return append(errs, ValidationError{Field: "key", Message: fmt.Sprintf("unknown setting %q", key)})
	}

	value := strings.TrimSpace(r.Value)
	if value == "" {
		return append(errs, ValidationError{Field: "value", Message: "cannot be empty"})
	}

	switch key {
	case config.SettingConcurrency:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > constants.MaxConcurrencyCeiling {
			errs = append(errs, ValidationError{Field: "value", Message: fmt.Sprintf("must be a number between 1 and %d", constants.MaxConcurrencyCeiling)})
		}
	case config.SettingQuality:
		switch value {
		case constants.QualityLossless, constants.QualityHigh, constants.QualityLow:
		default:
			errs = append(errs, ValidationError{Field: "value", Message: "must be one of: FLAC, MP3_320, MP3_128"})
		}
	}
	return errs
}
