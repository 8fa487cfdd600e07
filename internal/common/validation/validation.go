// Package validation wraps go-playground/validator with the rules used by the
// cache configuration and the market data API.
package validation

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"market-cache/internal/common/errors"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,14}$`)

// Timeframes lists the candle intervals accepted by the timeframe rule
var Timeframes = []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w", "1mo"}

// CacheBackends lists the accepted L2 backends
var CacheBackends = []string{"none", "memory", "redis"}

// FieldError is a single failed rule
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value,omitempty"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// Validator validates structs and values against struct-tag rules
type Validator struct {
	validate *validator.Validate
}

// New creates a validator with the custom rules registered
func New() *Validator {
	v := validator.New()

	// Report env/json names rather than Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("env"); name != "" {
			return name
		}
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	registerRules(v)

	return &Validator{validate: v}
}

// Struct validates s and returns a validation AppError listing every failure
func (cv *Validator) Struct(s interface{}) error {
	if err := cv.validate.Struct(s); err != nil {
		return cv.format(err)
	}
	return nil
}

// Var validates a single value against tag
func (cv *Validator) Var(field interface{}, tag string) error {
	if err := cv.validate.Var(field, tag); err != nil {
		return cv.format(err)
	}
	return nil
}

// FieldErrors returns the individual failures of s, or nil when s is valid
func (cv *Validator) FieldErrors(s interface{}) []FieldError {
	err := cv.validate.Struct(s)
	if err == nil {
		return nil
	}
	return cv.extract(err)
}

func (cv *Validator) format(err error) error {
	fieldErrors := cv.extract(err)
	if len(fieldErrors) == 1 {
		return errors.ValidationError(fieldErrors[0].Message)
	}

	messages := make([]string, len(fieldErrors))
	for i, e := range fieldErrors {
		messages[i] = e.Message
	}
	return errors.ValidationError(fmt.Sprintf("validation failed: %s", strings.Join(messages, "; ")))
}

func (cv *Validator) extract(err error) []FieldError {
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "unknown", Tag: "error", Message: err.Error()}}
	}

	result := make([]FieldError, 0, len(validationErrs))
	for _, fe := range validationErrs {
		result = append(result, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Value:   fmt.Sprintf("%v", fe.Value()),
			Param:   fe.Param(),
			Message: message(fe),
		})
	}
	return result
}

func message(fe validator.FieldError) string {
	field := fe.Field()
	if field == "" {
		field = "value"
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", field)
	case "url":
		return fmt.Sprintf("field '%s' must be a valid URL", field)
	case "min", "gte":
		return fmt.Sprintf("field '%s' must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("field '%s' must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("field '%s' must be greater than %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", field, fe.Param())
	case "hostname_port":
		return fmt.Sprintf("field '%s' must be host:port", field)
	case "cron_expression":
		return fmt.Sprintf("field '%s' must be a valid cron expression", field)
	case "cache_backend":
		return fmt.Sprintf("field '%s' must be one of: %s", field, strings.Join(CacheBackends, ", "))
	case "symbol":
		return fmt.Sprintf("field '%s' must be an upper-case ticker symbol", field)
	case "timeframe":
		return fmt.Sprintf("field '%s' must be one of: %s", field, strings.Join(Timeframes, ", "))
	default:
		return fmt.Sprintf("field '%s' failed validation: %s", field, fe.Tag())
	}
}

func registerRules(v *validator.Validate) {
	// Standard five-field specs plus descriptors such as @every 5m
	_ = v.RegisterValidation("cron_expression", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})

	_ = v.RegisterValidation("cache_backend", func(fl validator.FieldLevel) bool {
		return contains(CacheBackends, fl.Field().String())
	})

	_ = v.RegisterValidation("symbol", func(fl validator.FieldLevel) bool {
		return symbolPattern.MatchString(fl.Field().String())
	})

	_ = v.RegisterValidation("timeframe", func(fl validator.FieldLevel) bool {
		return contains(Timeframes, fl.Field().String())
	})
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

var defaultValidator = New()

// Struct validates s with the package validator
func Struct(s interface{}) error {
	return defaultValidator.Struct(s)
}

// Var validates a single value with the package validator
func Var(field interface{}, tag string) error {
	return defaultValidator.Var(field, tag)
}

// Symbol validates a single ticker symbol
func Symbol(symbol string) error {
	return defaultValidator.Var(symbol, "required,symbol")
}

// Timeframe validates a single timeframe
func Timeframe(tf string) error {
	return defaultValidator.Var(tf, "required,timeframe")
}
