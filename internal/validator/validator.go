package validator

import (
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"

	ierr "ledger-service/internal/errors"
)

var (
	once     sync.Once
	validate *validator.Validate

	periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)
)

// GetValidator returns the shared validator with the ledger's custom tags.
func GetValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("period", func(fl validator.FieldLevel) bool {
			return periodPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidateRequest validates req and returns a validation error carrying
// field-level details.
func ValidateRequest(req interface{}) error {
	if err := GetValidator().Struct(req); err != nil {
		details := make(map[string]any)
		var validateErrs validator.ValidationErrors
		if ierr.As(err, &validateErrs) {
			for _, fe := range validateErrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return ierr.WithError(err).
			WithHint("Request validation failed").
			WithReportableDetails(details).
			Mark(ierr.ErrValidation)
	}
	return nil
}
