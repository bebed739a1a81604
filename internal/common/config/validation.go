package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/busbench/internal/common/bencherrors"
)

var validate = validator.New()

// ValidateStruct checks the `validate` struct tags of config and converts any violations into
// a multierror of bencherrors.ErrInvalidArgument, one per field.
func ValidateStruct(config interface{}) error {
	err := validate.Struct(config)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errors.WithStack(err)
	}
	var result *multierror.Error
	for _, fieldErr := range validationErrors {
		result = multierror.Append(result, errors.WithStack(&bencherrors.ErrInvalidArgument{
			Name:    stripPrefix(fieldErr.Namespace()),
			Value:   fieldErr.Value(),
			Message: describeTag(fieldErr),
		}))
	}
	return result.ErrorOrNil()
}

func LogValidationErrors(err error) {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		log.Errorf("ConfigError: %s", err)
		return
	}
	for _, e := range merr.Errors {
		log.Errorf("ConfigError: %s", e)
	}
}

func describeTag(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "field is required but was not found"
	case "oneof":
		return "must be one of: " + fieldErr.Param()
	case "gte":
		return "must be at least " + fieldErr.Param()
	case "gt":
		return "must be greater than " + fieldErr.Param()
	default:
		return "failed " + fieldErr.Tag() + " check"
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
