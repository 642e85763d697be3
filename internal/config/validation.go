package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/fclairamb/boxsync/internal/apperrors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, then rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Remote == RemoteDir && cfg.RemoteDir != "" {
		root, err := filepath.Abs(cfg.Root)
		if err != nil {
			return fmt.Errorf("%w: root: %w", apperrors.ErrInvalidConfig, err)
		}
		remote, err := filepath.Abs(cfg.RemoteDir)
		if err != nil {
			return fmt.Errorf("%w: remote_dir: %w", apperrors.ErrInvalidConfig, err)
		}
		if root == remote {
			return fmt.Errorf("%w: remote_dir must differ from root", apperrors.ErrInvalidConfig)
		}
	}

	if cfg.Remote == RemoteS3 && cfg.S3Endpoint != "" && cfg.S3Region == "" {
		return fmt.Errorf("%w: s3_region is required with a custom s3_endpoint", apperrors.ErrInvalidConfig)
	}

	return nil
}

// formatValidationError reports the first failing field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%w: %s: validation failed on '%s' tag (value: %v)",
			apperrors.ErrInvalidConfig, e.Namespace(), e.Tag(), e.Value())
	}
	return fmt.Errorf("%w: %w", apperrors.ErrInvalidConfig, err)
}
