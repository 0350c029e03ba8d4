package utils

import (
	"github.com/pkg/errors"
)

// NewConfigValidationError returns a wrapped error for a config that failed validation at path.
func NewConfigValidationError(path string, err error) error {
	return errors.Wrapf(err, "error validating %q", path)
}

// NewConfigValidationFieldRequiredError returns a wrapped error for a config missing a required field.
func NewConfigValidationFieldRequiredError(path, field string) error {
	return NewConfigValidationError(path, errors.Errorf("%q is required", field))
}
