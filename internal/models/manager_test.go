package models

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/storage/jsonfile"
	"github.com/italolelis/model_downloader/internal/transfer"
)

type staticOracle map[string]string

func (o staticOracle) ExpectedHash(_ context.Context, artifact string) (string, error) {
	hash, ok := o[artifact]
	if !ok {
		return "", transfer.ErrHashNotFound
	}

	return hash, nil
}

type countingPublisher struct {
	mu    sync.Mutex
	count int
}

func (p *countingPublisher) Publish(storage.States) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.count++
}

func (p *countingPublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.count
}

type managerEnv struct {
	dir     string
	store   *storage.Store
	pub     *countingPublisher
	engine  *downloader.Engine
	manager *Manager
}

func newManagerEnv(t *testing.T, baseURL string, oracle staticOracle, opts Options) *managerEnv {
	t.Helper()

	dir := t.TempDir()
	pub := &countingPublisher{}
	store := storage.NewStore(jsonfile.NewStateRepository(filepath.Join(dir, jsonfile.FileName)), pub)
	require.NoError(t, store.Load(context.Background()))

	client := transfer.NewClient(transfer.Options{BaseURL: baseURL})
	finalizer := downloader.NewFinalizer(store, oracle, nil)
	engine := downloader.NewEngine(store, client, finalizer, nil, downloader.Options{ModelsDir: dir})

	return &managerEnv{
		dir:     dir,
		store:   store,
		pub:     pub,
		engine:  engine,
		manager: NewManager(store, engine, client, opts),
	}
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestValidateName(t *testing.T) {
	valid := []string{"ggml-tiny.bin", "ggml-large-v3-turbo.bin", "custom"}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), name)
	}

	invalid := []string{"", ".", "..", "../etc/passwd", `a\b`, "ggml-tiny.bin.part", "model_states.json"}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateName(name), transfer.ErrInvalidName, name)
	}
}

func TestListLocal(t *testing.T) {
	env := newManagerEnv(t, "http://127.0.0.1:1", nil, Options{})

	writeFile(t, filepath.Join(env.dir, "ggml-tiny.bin"), "a")
	writeFile(t, filepath.Join(env.dir, "ggml-base.bin"), "b")
	writeFile(t, filepath.Join(env.dir, "ggml-small.bin.part"), "c")
	writeFile(t, filepath.Join(env.dir, ".DS_Store"), "d")
	writeFile(t, filepath.Join(env.dir, "model_states.json"), "{}")
	require.NoError(t, os.Mkdir(filepath.Join(env.dir, "nested"), 0o755))

	names, err := env.manager.ListLocal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ggml-base.bin", "ggml-tiny.bin"}, names)
}

func TestListLocalMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewStore(jsonfile.NewStateRepository(filepath.Join(dir, jsonfile.FileName)), nil)
	engine := downloader.NewEngine(store, nil, downloader.NewFinalizer(store, nil, nil), nil,
		downloader.Options{ModelsDir: filepath.Join(dir, "missing")})

	names, err := NewManager(store, engine, nil, Options{}).ListLocal(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestListRemote(t *testing.T) {
	const (
		tinySize  = 77691713
		smallSize = 487601967
	)

	var (
		mu    sync.Mutex
		heads = map[string]int{}
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		heads[r.URL.Path]++
		mu.Unlock()

		switch r.URL.Path {
		case "/ggml-tiny.bin":
			w.Header().Set("Content-Length", strconv.Itoa(tinySize))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	env := newManagerEnv(t, srv.URL+"/", nil, Options{Catalog: []string{"tiny", "base", "small"}})
	ctx := context.Background()

	require.NoError(t, env.store.Upsert(ctx, "ggml-small.bin", storage.DownloadState{Status: storage.StatusPaused, Total: smallSize}))

	models, err := env.manager.ListRemote(ctx)
	require.NoError(t, err)
	require.Len(t, models, 3)

	assert.Equal(t, RemoteModel{
		Name:     "tiny",
		FileName: "ggml-tiny.bin",
		URL:      srv.URL + "/ggml-tiny.bin",
		Size:     "74 MiB",
		Bytes:    tinySize,
	}, models[0])
	assert.Equal(t, "?", models[1].Size)
	assert.Equal(t, "465 MiB", models[2].Size)

	assert.Zero(t, heads["/ggml-small.bin"], "a known total is not probed")

	tiny, ok := env.store.Get("ggml-tiny.bin")
	require.True(t, ok)
	assert.Equal(t, storage.DownloadState{Status: storage.StatusNone, Total: tinySize}, tiny)

	_, ok = env.store.Get("ggml-base.bin")
	assert.False(t, ok, "a failed probe caches nothing")

	small, _ := env.store.Get("ggml-small.bin")
	assert.Equal(t, storage.StatusPaused, small.Status)
}

func TestPauseCoalescesPersistence(t *testing.T) {
	env := newManagerEnv(t, "http://127.0.0.1:1", nil, Options{PauseInterval: time.Hour})
	ctx := context.Background()

	require.NoError(t, env.store.Upsert(ctx, "ggml-tiny.bin", storage.DownloadState{Status: storage.StatusDownloading, Downloaded: 10, Total: 100, Progress: 10}))
	before := env.pub.published()

	require.NoError(t, env.manager.Pause(ctx, "ggml-tiny.bin"))
	assert.Equal(t, before+1, env.pub.published())

	state, _ := env.store.Get("ggml-tiny.bin")
	assert.Equal(t, storage.StatusPaused, state.Status)

	env.store.Stage("ggml-tiny.bin", func(cur storage.DownloadState, _ bool) (storage.DownloadState, bool) {
		cur.Status = storage.StatusDownloading
		return cur, true
	})

	require.NoError(t, env.manager.Pause(ctx, "ggml-tiny.bin"))
	assert.Equal(t, before+1, env.pub.published(), "second pause inside the interval is not written")

	state, _ = env.store.Get("ggml-tiny.bin")
	assert.Equal(t, storage.StatusPaused, state.Status, "memory still reflects the pause")
}

func TestPauseIgnoresIdleModels(t *testing.T) {
	env := newManagerEnv(t, "http://127.0.0.1:1", nil, Options{})
	ctx := context.Background()

	require.NoError(t, env.store.Upsert(ctx, "ggml-tiny.bin", storage.DownloadState{Status: storage.StatusDownloaded, Progress: 100}))
	before := env.pub.published()

	require.NoError(t, env.manager.Pause(ctx, "ggml-tiny.bin"))
	require.NoError(t, env.manager.Pause(ctx, "ggml-base.bin"))

	assert.Equal(t, before, env.pub.published())

	state, _ := env.store.Get("ggml-tiny.bin")
	assert.Equal(t, storage.StatusDownloaded, state.Status)

	_, ok := env.store.Get("ggml-base.bin")
	assert.False(t, ok)
}

// tricklingServer sends content in small flushed pieces so a transfer stays in flight.
func tricklingServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))

		for off := 0; off < len(content); off += 256 {
			end := min(off+256, len(content))

			if _, err := w.Write(content[off:end]); err != nil {
				return
			}

			w.(http.Flusher).Flush()

			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))

	t.Cleanup(srv.Close)

	return srv
}

func TestRemoveWhileDownloading(t *testing.T) {
	const name = "ggml-tiny.bin"

	content := make([]byte, 64<<10)
	sum := sha1.Sum(content) //nolint:gosec
	srv := tricklingServer(t, content)

	env := newManagerEnv(t, srv.URL+"/", staticOracle{name: hex.EncodeToString(sum[:])}, Options{})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- env.manager.Start(ctx, name) }()

	require.Eventually(t, func() bool {
		state, ok := env.store.Get(name)
		return ok && state.Downloaded >= 1024
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, env.manager.Remove(ctx, name))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not stop")
	}

	assert.NoFileExists(t, filepath.Join(env.dir, name))
	assert.NoFileExists(t, filepath.Join(env.dir, name+downloader.StagingSuffix))

	_, ok := env.store.Get(name)
	assert.False(t, ok, "state entry is dropped")
	assert.False(t, env.engine.Active(name))
}

func TestRemovePausedDownload(t *testing.T) {
	const name = "ggml-base.bin"

	env := newManagerEnv(t, "http://127.0.0.1:1", nil, Options{})
	ctx := context.Background()

	writeFile(t, filepath.Join(env.dir, name+downloader.StagingSuffix), "partial")
	require.NoError(t, env.store.Upsert(ctx, name, storage.DownloadState{Status: storage.StatusPaused, Downloaded: 7, Total: 100, Progress: 7}))

	require.NoError(t, env.manager.Remove(ctx, name))

	assert.NoFileExists(t, filepath.Join(env.dir, name+downloader.StagingSuffix))

	_, ok := env.store.Get(name)
	assert.False(t, ok)
}

func TestRemoveNotFound(t *testing.T) {
	env := newManagerEnv(t, "http://127.0.0.1:1", nil, Options{})
	ctx := context.Background()

	require.NoError(t, env.store.Upsert(ctx, "ggml-tiny.bin", storage.DownloadState{Status: storage.StatusPaused}))

	err := env.manager.Remove(ctx, "ggml-tiny.bin")
	require.ErrorIs(t, err, transfer.ErrNotFound)

	state, ok := env.store.Get("ggml-tiny.bin")
	require.True(t, ok)
	assert.Equal(t, storage.StatusError, state.Status)
	assert.Equal(t, "failed to remove model: not found", state.Error)

	require.ErrorIs(t, env.manager.Remove(ctx, "ggml-base.bin"), transfer.ErrNotFound)

	_, ok = env.store.Get("ggml-base.bin")
	assert.False(t, ok, "remove never creates a state")
}

func TestRemoveRejectedWhileFinalizing(t *testing.T) {
	env := newManagerEnv(t, "http://127.0.0.1:1", nil, Options{})
	ctx := context.Background()

	writeFile(t, filepath.Join(env.dir, "ggml-tiny.bin.part"), "abc")
	require.NoError(t, env.store.Upsert(ctx, "ggml-tiny.bin", storage.DownloadState{Status: storage.StatusFinalizing, Progress: 100}))

	require.ErrorIs(t, env.manager.Remove(ctx, "ggml-tiny.bin"), transfer.ErrAlreadyFinalizing)
	assert.FileExists(t, filepath.Join(env.dir, "ggml-tiny.bin.part"))
}

func TestStartDownloadsArtifact(t *testing.T) {
	const name = "ggml-tiny.bin"

	content := []byte("model bytes")
	sum := sha1.Sum(content) //nolint:gosec

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	env := newManagerEnv(t, srv.URL+"/", staticOracle{name: hex.EncodeToString(sum[:])}, Options{})
	ctx := context.Background()

	require.NoError(t, env.manager.Start(ctx, name))

	path, err := env.manager.ModelPath(name)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.dir, name), path)

	local, err := env.manager.ListLocal(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, local)

	assert.ErrorIs(t, env.manager.Start(ctx, "../escape"), transfer.ErrInvalidName)
}

func TestResumable(t *testing.T) {
	env := newManagerEnv(t, "http://127.0.0.1:1", nil, Options{})

	ok, size, err := env.manager.Resumable("ggml-tiny.bin")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, size)

	writeFile(t, filepath.Join(env.dir, "ggml-tiny.bin"), "0123456789")

	ok, size, err = env.manager.Resumable("ggml-tiny.bin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), size)

	writeFile(t, filepath.Join(env.dir, "ggml-tiny.bin.part"), "01234")

	ok, size, err = env.manager.Resumable("ggml-tiny.bin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), size, "the staging file wins")

	writeFile(t, filepath.Join(env.dir, "ggml-base.bin.part"), "")

	ok, _, err = env.manager.Resumable("ggml-base.bin")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestModelPathMissing(t *testing.T) {
	env := newManagerEnv(t, "http://127.0.0.1:1", nil, Options{})

	_, err := env.manager.ModelPath("ggml-tiny.bin")
	assert.ErrorIs(t, err, transfer.ErrNotFound)
}

func TestStatesBroadcasts(t *testing.T) {
	env := newManagerEnv(t, "http://127.0.0.1:1", nil, Options{})
	ctx := context.Background()

	require.NoError(t, env.store.Upsert(ctx, "ggml-tiny.bin", storage.DownloadState{Status: storage.StatusPaused}))
	before := env.pub.published()

	states := env.manager.States(ctx)
	assert.Equal(t, storage.StatusPaused, states["ggml-tiny.bin"].Status)
	assert.Equal(t, before+1, env.pub.published())
}
