package checksum

import (
	"context"
	"crypto/sha1" //nolint:gosec // the manifest publishes SHA-1
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const hashBufferSize = 1 << 20

// HashFile streams the file at path through SHA-1 and returns the lower-case hex digest.
// The context is checked between reads.
func HashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha1.New() //nolint:gosec
	buf := make([]byte, hashBufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}

		if err == io.EOF {
			break
		}

		if err != nil {
			return "", fmt.Errorf("failed to read file for hashing: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
