package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"paybridge/internal/types"
)

// Validator wraps go-playground/validator and turns its field errors into a
// single AppError the handlers can write directly.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewValidator creates a Validator that reports JSON field names.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s. On failure it returns an AppError whose code
// follows the first failing field and whose details list every failure.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		if v.logger != nil {
			v.logger.Error("validator misuse", "error", err)
		}
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation could not run", err)
	}

	failures := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		failures = append(failures, ValidationError{
			Field:   fe.Field(),
			Code:    string(tagToErrorCode(fe.Field(), fe.Tag())),
			Message: fieldMessage(fe),
		})
	}

	first := failures[0]
	return types.NewAppErrorWithDetails(
		types.ErrorCode(first.Code),
		first.Message,
		err,
		map[string]any{"fields": failures},
	)
}

// tagToErrorCode maps a failed tag on a field to the most specific code.
func tagToErrorCode(field, tag string) types.ErrorCode {
	if tag == "required" {
		return types.ErrCodeValidationMissingField
	}
	switch field {
	case "amount":
		return types.ErrCodeValidationInvalidAmount
	case "currency":
		return types.ErrCodeValidationInvalidCurrency
	case "interval":
		return types.ErrCodeValidationInvalidInterval
	case "quantity":
		return types.ErrCodeValidationInvalidQuantity
	}
	return types.ErrCodeValidationInvalidBody
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "len":
		return fmt.Sprintf("%s must have length %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
