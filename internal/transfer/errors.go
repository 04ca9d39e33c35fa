package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrDirectoryCreate     = errors.New("failed to create models directory")
	ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")
	ErrChunkRead           = errors.New("failed to read chunk")
	ErrFileWrite           = errors.New("failed to write file")
	ErrManifestUnavailable = errors.New("checksum manifest unavailable")
	ErrHashNotFound        = errors.New("no checksum found for model")
	ErrChecksumMismatch    = errors.New("SHA1 checksum mismatch after download")
	ErrNothingToFinalize   = errors.New("no staging file to finalize or artifact already exists")
	ErrAlreadyFinalizing   = errors.New("model is currently being finalized")
	ErrAlreadyDownloading  = errors.New("model is already downloading")
	ErrNotFound            = errors.New("not found")
	ErrInvalidName         = errors.New("invalid model name")
)

// NetworkError represents failures talking to the artifact host including connection
// errors, HEAD failures and unexpected HTTP statuses.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "probe", "fetch", "manifest")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DirectoryError represents failures preparing the models directory.
type DirectoryError struct {
	DirectoryName string // The directory that caused the error
	Reason        string // Human-readable explanation of the directory error
	Err           error  // Underlying error, if any
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.DirectoryName, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// ChecksumError is returned when a staged artifact does not hash to the manifest value.
// It always unwraps to ErrChecksumMismatch.
type ChecksumError struct {
	Name     string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s for %s: expected %s, got %s", ErrChecksumMismatch, e.Name, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}
