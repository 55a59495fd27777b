package convert

import "errors"

var (
	// ErrInvalidID means the job id is not a bare token.
	ErrInvalidID = errors.New("invalid job id")
	// ErrNotFound means no artifact exists for the job id.
	ErrNotFound = errors.New("file not found")
	// ErrExtractionFailed wraps whatever the extraction client reported.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrConversionFailed means extraction reported success but produced
	// no artifact.
	ErrConversionFailed = errors.New("MP3 conversion failed")
	// ErrMissingURL means the request carried no source URL.
	ErrMissingURL = errors.New("missing url")
)
