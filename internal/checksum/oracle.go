// Package checksum resolves reference SHA-1 hashes for model artifacts and hashes staged files.
package checksum

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/transfer"
)

// DefaultManifestURL is the README carrying the model table with SHA-1 hashes.
const DefaultManifestURL = "https://huggingface.co/ggerganov/whisper.cpp/raw/main/README.md"

const (
	tableMarker = "| Model"
	hashLength  = 40
)

// Oracle looks up the expected hash of an artifact. The manifest is fetched on every call.
type Oracle struct {
	client *http.Client
	url    string
}

func NewOracle(client *http.Client, manifestURL string) *Oracle {
	if client == nil {
		client = http.DefaultClient
	}

	if manifestURL == "" {
		manifestURL = DefaultManifestURL
	}

	return &Oracle{client: client, url: manifestURL}
}

// ExpectedHash returns the lower-case hex SHA-1 the manifest lists for the artifact file name.
func (o *Oracle) ExpectedHash(ctx context.Context, artifact string) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("model", artifact)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", transfer.ErrManifestUnavailable, err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", transfer.ErrManifestUnavailable,
			&transfer.NetworkError{Operation: "manifest", APIMessage: err.Error(), Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: %w", transfer.ErrManifestUnavailable,
			&transfer.NetworkError{Operation: "manifest", StatusCode: resp.StatusCode, APIMessage: http.StatusText(resp.StatusCode)})
	}

	hashes, err := ParseManifest(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", transfer.ErrManifestUnavailable, err)
	}

	logger.Debug("checksum manifest parsed", "entries", len(hashes))

	hash, ok := hashes[artifact]
	if !ok {
		return "", fmt.Errorf("%w: %s", transfer.ErrHashNotFound, artifact)
	}

	return hash, nil
}

// ParseManifest reads the pipe-delimited model table that follows a "| Model" header line and
// stops at the first line that is not a table row. Keys are artifact file names.
func ParseManifest(r io.Reader) (map[string]string, error) {
	hashes := make(map[string]string)
	scanner := bufio.NewScanner(r)
	inTable := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if !inTable {
			inTable = strings.HasPrefix(line, tableMarker)

			continue
		}

		if !strings.HasPrefix(line, "|") {
			break
		}

		cols := strings.Split(line, "|")
		if len(cols) < 4 {
			continue
		}

		model := strings.TrimSpace(cols[1])
		hash := strings.ToLower(strings.Trim(strings.TrimSpace(cols[3]), "`"))

		if model == "" || !isHexHash(hash) {
			continue
		}

		for _, name := range ArtifactFileNames(model) {
			hashes[name] = hash
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	return hashes, nil
}

// ArtifactFileName maps a manifest model name to the artifact file name.
func ArtifactFileName(model string) string {
	return "ggml-" + model + ".bin"
}

// ArtifactFileNames returns every file name a manifest model row may be looked up by: the
// verbatim name and the form with "." and "_" folded to "-".
func ArtifactFileNames(model string) []string {
	folded := strings.NewReplacer(".", "-", "_", "-").Replace(model)
	for strings.Contains(folded, "--") {
		folded = strings.ReplaceAll(folded, "--", "-")
	}

	if folded == model {
		return []string{ArtifactFileName(model)}
	}

	return []string{ArtifactFileName(model), ArtifactFileName(folded)}
}

func isHexHash(s string) bool {
	if len(s) != hashLength {
		return false
	}

	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
