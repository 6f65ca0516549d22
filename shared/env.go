package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func GetEnv(key string) (string, error) {
	value, set := os.LookupEnv(key)
	if !set {
		return "", fmt.Errorf("environment variable must be set: %s", key)
	}
	return value, nil
}

func GetEnvDefault(key, defaultValue string) string {
	if value, set := os.LookupEnv(key); set {
		return value
	}
	return defaultValue
}

// GetEnvInt falls back to defaultValue when the variable is unset or not an
// integer.
func GetEnvInt(key string, defaultValue int) int {
	if value, set := os.LookupEnv(key); set {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvRatio reads a float in [0, 1]. Out of range values are an error, an
// unparsable value falls back to defaultValue.
func GetEnvRatio(key string, defaultValue float64) (float64, error) {
	if value, set := os.LookupEnv(key); set {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			if floatValue < 0 || floatValue > 1 {
				return 0, fmt.Errorf("%s must be between 0 and 1", key)
			}
			return floatValue, nil
		}
	}
	return defaultValue, nil
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, set := os.LookupEnv(key); set {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
