package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/model_downloader/internal/events"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/models"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/transfer"
)

// ModelService is the command surface the handler drives.
type ModelService interface {
	ListLocal(ctx context.Context) ([]string, error)
	ListRemote(ctx context.Context) ([]models.RemoteModel, error)
	States(ctx context.Context) storage.States
	Resumable(name string) (bool, int64, error)
	CheckStart(name string) error
	Start(ctx context.Context, name string) error
	Pause(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// Subscriber hands out state change subscriptions.
type Subscriber interface {
	Subscribe() (<-chan events.StateChange, func())
}

type statesResponse struct {
	States storage.States `json:"states"`
}

type resumableResponse struct {
	Resumable bool  `json:"resumable"`
	Size      int64 `json:"size"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type ModelsHandler struct {
	ctx      context.Context
	username string
	password string
	service  ModelService
	events   Subscriber
}

// NewModelsHandler creates the models API handler. Downloads started through the API run
// on ctx rather than on the request context, so they outlive the request and stop when
// ctx is cancelled at shutdown.
func NewModelsHandler(ctx context.Context, username, password string, service ModelService, sub Subscriber) *ModelsHandler {
	return &ModelsHandler{
		ctx:      ctx,
		username: username,
		password: password,
		service:  service,
		events:   sub,
	}
}

func (h *ModelsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/models", func(r chi.Router) {
		r.Get("/local", h.HandleListLocal)
		r.Get("/remote", h.HandleListRemote)
		r.Get("/states", h.HandleStates)
		r.Get("/events", h.HandleEvents)
		r.Get("/{name}/resumable", h.HandleResumable)
		r.Post("/{name}/download", h.HandleDownload)
		r.Post("/{name}/pause", h.HandlePause)
		r.Delete("/{name}", h.HandleRemove)
	})

	return r
}

func (h *ModelsHandler) HandleListLocal(w http.ResponseWriter, r *http.Request) {
	names, err := h.service.ListLocal(r.Context())
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	h.writeJSON(w, r, http.StatusOK, names)
}

func (h *ModelsHandler) HandleListRemote(w http.ResponseWriter, r *http.Request) {
	remote, err := h.service.ListRemote(r.Context())
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	h.writeJSON(w, r, http.StatusOK, remote)
}

func (h *ModelsHandler) HandleStates(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, statesResponse{States: h.service.States(r.Context())})
}

func (h *ModelsHandler) HandleResumable(w http.ResponseWriter, r *http.Request) {
	ok, size, err := h.service.Resumable(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	h.writeJSON(w, r, http.StatusOK, resumableResponse{Resumable: ok, Size: size})
}

// HandleDownload accepts the download and runs it in the background.
func (h *ModelsHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.service.CheckStart(name); err != nil {
		h.writeError(w, r, err)

		return
	}

	logger := logctx.LoggerFromContext(r.Context())
	ctx := logctx.WithLogger(h.ctx, logger)

	go func() {
		if err := h.service.Start(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("background download failed", "model", name, "err", err)
		}
	}()

	logger.Info("download accepted", "model", name)

	w.WriteHeader(http.StatusAccepted)
}

func (h *ModelsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Pause(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ModelsHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Remove(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents streams the state mapping as server-sent events. The current mapping is
// sent first, then every change until the client goes away.
func (h *ModelsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)
	rc := http.NewResponseController(w)

	changes, cancel := h.events.Subscribe()
	defer cancel()

	// the server write timeout would cut the stream
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug("failed to clear write deadline", "err", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, rc, h.service.States(ctx)); err != nil {
		logger.Debug("event stream closed", "err", err)

		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}

			if err := writeEvent(w, rc, change.States); err != nil {
				logger.Debug("event stream closed", "err", err)

				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, states storage.States) error {
	data, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("failed to marshal states: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", events.EventName, data); err != nil {
		return err
	}

	return rc.Flush()
}

func (h *ModelsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *ModelsHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (h *ModelsHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)

	logger := logctx.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "err", err)
	} else {
		logger.Debug("request rejected", "status", status, "err", err)
	}

	h.writeJSON(w, r, status, errorResponse{Error: formatModelError(err)})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var netErr *transfer.NetworkError

	switch {
	case errors.Is(err, transfer.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrAlreadyFinalizing), errors.Is(err, transfer.ErrAlreadyDownloading):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.As(err, &netErr), errors.Is(err, transfer.ErrManifestUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// formatModelError turns internal errors into messages fit for API clients.
func formatModelError(err error) string {
	var sumErr *transfer.ChecksumError
	if errors.As(err, &sumErr) {
		return sumErr.Error()
	}

	var networkErr *transfer.NetworkError
	if errors.As(err, &networkErr) {
		return fmt.Sprintf("upstream failed: %s", networkErr.APIMessage)
	}

	var dirErr *transfer.DirectoryError
	if errors.As(err, &dirErr) {
		return fmt.Sprintf("directory error: %s", dirErr.Reason)
	}

	return err.Error()
}
