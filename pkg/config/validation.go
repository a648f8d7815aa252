package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Declarative validation runs through go-playground/validator struct tags;
// rules that cannot be expressed in tags follow.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Backup.Enabled {
		if cfg.Backup.Bucket == "" {
			return fmt.Errorf("backup: bucket is required when backup is enabled")
		}
		if cfg.Backup.Region == "" && cfg.Backup.Endpoint == "" {
			return fmt.Errorf("backup: region or endpoint is required when backup is enabled")
		}
	}

	if cfg.Analytics.Enabled && cfg.Analytics.Path == "" {
		return fmt.Errorf("analytics: path is required when analytics is enabled")
	}

	return nil
}

// formatValidationError turns validator's error list into a readable message.
func formatValidationError(err error) error {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	for _, fe := range errs {
		return fmt.Errorf("config field %s failed %q validation (value: %v)",
			fe.Namespace(), fe.Tag(), fe.Value())
	}
	return err
}
