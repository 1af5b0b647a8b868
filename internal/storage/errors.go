package storage

import "errors"

var (
	// ErrAPIKeyNotFound is returned when an API key is not found
	ErrAPIKeyNotFound = errors.New("API key not found")

	// ErrModelRateNotFound is returned when no rate row exists for a model
	ErrModelRateNotFound = errors.New("model rate not found")

	// ErrGenerationNotFound is returned when a generation is not found
	ErrGenerationNotFound = errors.New("generation not found")

	// ErrUsageDailyNotFound is returned when no rollup row exists for a key and day
	ErrUsageDailyNotFound = errors.New("daily usage not found")

	// ErrDuplicateRequest is returned when a generation with the same request id exists
	ErrDuplicateRequest = errors.New("generation already recorded for request")

	// ErrUnsupportedDriver is returned for database drivers other than postgres and sqlite
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)
