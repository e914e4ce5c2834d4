package schema

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validator validates indicator bundles against the canonical schema.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	v := validator.New()

	// Register custom validation for indicator types
	v.RegisterValidation("indicator_type", func(fl validator.FieldLevel) bool {
		return IndicatorType(fl.Field().String()).IsValid()
	})

	return &Validator{validate: v}
}

// ValidateBundle validates an indicator bundle.
// Returns an error describing the first failing field, or nil.
func (v *Validator) ValidateBundle(bundle *IndicatorBundle) error {
	if bundle == nil {
		return fmt.Errorf("bundle is nil")
	}

	if err := v.validate.Struct(bundle); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("invalid bundle: field %s failed %s validation", e.Namespace(), e.Tag())
		}
		return fmt.Errorf("invalid bundle: %w", err)
	}

	return nil
}
