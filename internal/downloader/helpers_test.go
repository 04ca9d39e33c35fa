package downloader

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/storage/jsonfile"
	"github.com/italolelis/model_downloader/internal/transfer"
)

const testModel = "ggml-test.bin"

type fakeOracle struct {
	mu     sync.Mutex
	hashes map[string]string
	err    error
	gate   chan struct{}
	calls  atomic.Int32
}

func (o *fakeOracle) ExpectedHash(ctx context.Context, artifact string) (string, error) {
	o.calls.Add(1)

	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.err != nil {
		return "", o.err
	}

	hash, ok := o.hashes[artifact]
	if !ok {
		return "", transfer.ErrHashNotFound
	}

	return hash, nil
}

func oracleFor(name string, content []byte) *fakeOracle {
	return &fakeOracle{hashes: map[string]string{name: sha1Hex(content)}}
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

type testEnv struct {
	dir       string
	store     *storage.Store
	finalizer *Finalizer
	engine    *Engine
}

func newTestEnv(t *testing.T, baseURL string, oracle Oracle, opts Options) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store := storage.NewStore(jsonfile.NewStateRepository(filepath.Join(dir, jsonfile.FileName)), nil)
	require.NoError(t, store.Load(context.Background()))

	opts.ModelsDir = dir

	finalizer := NewFinalizer(store, oracle, nil)
	engine := NewEngine(store, transfer.NewClient(transfer.Options{BaseURL: baseURL}), finalizer, nil, opts)

	return &testEnv{dir: dir, store: store, finalizer: finalizer, engine: engine}
}

func (e *testEnv) state(t *testing.T) storage.DownloadState {
	t.Helper()

	state, ok := e.store.Get(testModel)
	require.True(t, ok, "expected a state for %s", testModel)

	return state
}

// sparseFile creates a zero-filled file of the given size without writing the bytes.
func sparseFile(t *testing.T, path string, size int64) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
}
