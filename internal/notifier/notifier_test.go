package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/model_downloader/internal/events"
	"github.com/italolelis/model_downloader/internal/storage"
)

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.messages = append(r.messages, content)

	return nil
}

func TestDiscordNotifier(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &DiscordNotifier{WebhookURL: srv.URL, Client: srv.Client()}
	require.NoError(t, n.Notify(context.Background(), "✅ Model downloaded: ggml-tiny.bin"))
	assert.Equal(t, map[string]string{"content": "✅ Model downloaded: ggml-tiny.bin"}, got)
}

func TestDiscordNotifierErrors(t *testing.T) {
	assert.Error(t, (&DiscordNotifier{}).Notify(context.Background(), "x"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestWatcherNotifiesTransitions(t *testing.T) {
	rec := &recordingNotifier{}
	w := NewWatcher(rec, storage.States{
		"ggml-tiny.bin": {Status: storage.StatusDownloaded, Progress: 100},
	})
	ctx := context.Background()

	w.Observe(ctx, storage.States{
		"ggml-tiny.bin": {Status: storage.StatusDownloaded, Progress: 100},
		"ggml-base.bin": {Status: storage.StatusDownloading, Progress: 10},
	})
	assert.Empty(t, rec.messages, "known statuses and progress are not reported")

	w.Observe(ctx, storage.States{
		"ggml-tiny.bin": {Status: storage.StatusDownloaded, Progress: 100},
		"ggml-base.bin": {Status: storage.StatusDownloaded, Progress: 100},
		"ggml-small.bin": {
			Status: storage.StatusError,
			Error:  "SHA1 checksum mismatch after download",
		},
	})

	assert.Equal(t, []string{
		"✅ Model downloaded: ggml-base.bin",
		"❌ Model download failed: ggml-small.bin (SHA1 checksum mismatch after download)",
	}, rec.messages)

	w.Observe(ctx, storage.States{
		"ggml-base.bin":  {Status: storage.StatusDownloaded, Progress: 100},
		"ggml-small.bin": {Status: storage.StatusError, Error: "SHA1 checksum mismatch after download"},
	})
	assert.Len(t, rec.messages, 2, "unchanged statuses are reported once")
}

func TestWatcherRun(t *testing.T) {
	rec := &recordingNotifier{}
	w := NewWatcher(rec, nil)

	changes := make(chan events.StateChange, 1)
	changes <- events.StateChange{States: storage.States{"ggml-tiny.bin": {Status: storage.StatusDownloaded}}}
	close(changes)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), changes)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on a closed channel")
	}

	assert.Equal(t, []string{"✅ Model downloaded: ggml-tiny.bin"}, rec.messages)
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), "hello"))
}
