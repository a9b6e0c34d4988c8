package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateSubmission is returned when the owner already has a job
	// for the same input file
	ErrDuplicateSubmission = errors.New("a job for this input already exists")

	// ErrQuotaExceeded is returned when an upload would push the owner's
	// monthly usage over the configured limit
	ErrQuotaExceeded = errors.New("upload would exceed the monthly quota")

	// ErrInputMissing is returned when a prediction is started for a job
	// without an input file reference
	ErrInputMissing = errors.New("no input file reference found for job")

	// ErrDownloadUnavailable is returned when no downloadable URL can be
	// resolved for the job's input file
	ErrDownloadUnavailable = errors.New("could not resolve download URL for input file")

	// ErrInvalidKind is returned for an output kind outside the canonical set
	ErrInvalidKind = errors.New("invalid output kind")
)
