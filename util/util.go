/*
Package util contains functionality that's used across all other modules.
*/
package util

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// GetEnvOrElse returns the value of the given environment
// variable, or the provided default value if the env variable
// does not exist
func GetEnvOrElse(env string, defaultValue string) string {
	found := os.Getenv(env)
	if len(found) == 0 {
		return defaultValue
	}
	return found
}

// GetEnvAsIntOrElse parses the environment variable as an integer, falling
// back to defaultValue if it isn't set
func GetEnvAsIntOrElse(env string, defaultValue int) (int, error) {
	intStr := os.Getenv(env)
	if len(intStr) == 0 {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(intStr)
	if err != nil {
		return 0, errors.Errorf("given environment variable (%s) was not a valid int: %s", env, intStr)
	}
	return parsed, nil
}

// GetEnvAsBoolOrElse parses the environment variable as a bool, falling back
// to defaultValue if it isn't set
func GetEnvAsBoolOrElse(env string, defaultValue bool) (bool, error) {
	boolStr := os.Getenv(env)
	if len(boolStr) == 0 {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(boolStr)
	if err != nil {
		return false, errors.Errorf("given environment variable (%s) was not a valid bool: %s", env, boolStr)
	}
	return parsed, nil
}

// GetEnvAsDurationOrElse parses the environment variable as a duration, e.g.
// "30s", falling back to defaultValue if it isn't set
func GetEnvAsDurationOrElse(env string, defaultValue time.Duration) (time.Duration, error) {
	durationStr := os.Getenv(env)
	if len(durationStr) == 0 {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(durationStr)
	if err != nil {
		return 0, errors.Errorf("given environment variable (%s) was not a valid duration: %s", env, durationStr)
	}
	return parsed, nil
}
