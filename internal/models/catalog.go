package models

import (
	"fmt"
	"strings"

	"github.com/italolelis/model_downloader/internal/checksum"
	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/transfer"
)

// DefaultCatalog lists the models offered for download.
var DefaultCatalog = []string{"tiny", "base", "small", "medium", "large-v3-turbo"}

// unknownSize is shown when neither the state nor the server knows the size.
const unknownSize = "?"

// RemoteModel describes a downloadable model.
type RemoteModel struct {
	Name     string `json:"name"`
	FileName string `json:"file_name"`
	URL      string `json:"url"`
	Size     string `json:"size"`
	Bytes    int64  `json:"bytes,omitempty"`
}

// ValidateName rejects names that could escape the models directory or collide with
// the staging file and the state document.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", transfer.ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", transfer.ErrInvalidName, name)
	case strings.HasSuffix(name, downloader.StagingSuffix):
		return fmt.Errorf("%w: %q uses the staging suffix", transfer.ErrInvalidName, name)
	case strings.HasPrefix(name, storage.DocumentBaseName):
		return fmt.Errorf("%w: %q is reserved", transfer.ErrInvalidName, name)
	}

	return nil
}

func catalogFileName(model string) string {
	return checksum.ArtifactFileName(model)
}
