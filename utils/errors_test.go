package utils

import (
	"errors"
	"testing"

	"go.viam.com/test"
)

func TestConfigValidationErrors(t *testing.T) {
	err := NewConfigValidationError("sfm.json", errors.New("ratio_threshold must be in (0, 1]"))
	test.That(t, err.Error(), test.ShouldEqual, `error validating "sfm.json": ratio_threshold must be in (0, 1]`)

	err = NewConfigValidationFieldRequiredError("sfm.json", "matching")
	test.That(t, err.Error(), test.ShouldEqual, `error validating "sfm.json": "matching" is required`)
}
