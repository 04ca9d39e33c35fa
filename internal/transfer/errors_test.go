package transfer

import (
	"errors"
	"fmt"
	"testing"
)

// TestNetworkError_Error verifies error message formatting
func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *NetworkError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "probe",
				StatusCode: 503,
				APIMessage: "Service Unavailable",
			},
			wantFormat: "network error during probe (HTTP 503): Service Unavailable",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation:  "fetch",
				StatusCode: 0,
				APIMessage: "connection refused",
			},
			wantFormat: "network error during fetch: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

// TestDirectoryError_Error verifies error message formatting
func TestDirectoryError_Error(t *testing.T) {
	err := &DirectoryError{
		DirectoryName: "/data/models",
		Reason:        "permission denied",
	}

	expected := "directory error for '/data/models': permission denied"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestChecksumError_Error verifies error message formatting
func TestChecksumError_Error(t *testing.T) {
	err := &ChecksumError{Name: "ggml-tiny.bin", Expected: "aaa", Actual: "bbb"}

	expected := "SHA1 checksum mismatch after download for ggml-tiny.bin: expected aaa, got bbb"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestNetworkError_Unwrap verifies error chain traversal
func TestNetworkError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &NetworkError{
		Operation:  "fetch",
		StatusCode: 500,
		APIMessage: "internal server error",
		Err:        cause,
	}

	unwrapped := errors.Unwrap(err)
	if unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	wrapped := fmt.Errorf("context: %w", err)
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() should find cause in wrapped chain")
	}
}

// TestDirectoryError_Unwrap verifies error chain traversal
func TestDirectoryError_Unwrap(t *testing.T) {
	cause := errors.New("read-only file system")
	err := &DirectoryError{
		DirectoryName: "/data/models",
		Reason:        "mkdir failed",
		Err:           fmt.Errorf("%w: %w", ErrDirectoryCreate, cause),
	}

	wrapped := fmt.Errorf("context: %w", err)
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() should find cause in wrapped chain")
	}

	if !errors.Is(wrapped, ErrDirectoryCreate) {
		t.Error("errors.Is() should find ErrDirectoryCreate in wrapped chain")
	}
}

// TestChecksumError_Is verifies the mismatch sentinel is reachable
func TestChecksumError_Is(t *testing.T) {
	wrapped := fmt.Errorf("finalize: %w", &ChecksumError{Name: "ggml-base.bin"})

	if !errors.Is(wrapped, ErrChecksumMismatch) {
		t.Error("errors.Is() should match ErrChecksumMismatch")
	}

	var target *ChecksumError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract ChecksumError from wrapped chain")
	}

	if target.Name != "ggml-base.bin" {
		t.Errorf("Name = %q, want %q", target.Name, "ggml-base.bin")
	}
}

// TestNetworkError_As verifies programmatic error type detection
func TestNetworkError_As(t *testing.T) {
	originalErr := &NetworkError{
		Operation:  "probe",
		StatusCode: 404,
		APIMessage: "Not Found",
	}

	wrapped := fmt.Errorf("context: %w", originalErr)

	var target *NetworkError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract NetworkError from wrapped chain")
	}

	if target.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want %d", target.StatusCode, 404)
	}
}
