package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/model_downloader/internal/logctx"
)

// DefaultBaseURL hosts the ggml whisper model artifacts.
const DefaultBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Options configures the artifact client.
type Options struct {
	// BaseURL is joined with the artifact name to build the download URL.
	BaseURL string

	// Timeout for whole requests. Zero means no timeout, which is what long downloads want.
	Timeout time.Duration

	// Transport overrides http.DefaultTransport. It is always wrapped with otelhttp.
	Transport http.RoundTripper
}

// FileInfo contains what a HEAD probe learned about a remote artifact.
type FileInfo struct {
	Size          int64
	AcceptsRanges bool
}

// Response is an open artifact body positioned at Offset.
type Response struct {
	Body       io.ReadCloser
	StatusCode int

	// Offset is where the body starts. It is 0 when the server ignored the Range header.
	Offset int64

	// Total is the full artifact size, or 0 when the server did not say.
	Total int64

	// Partial reports a 206 response.
	Partial bool
}

// Client probes and fetches artifacts from a single base URL.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(opts Options) *Client {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	return &Client{
		baseURL: base,
		client: &http.Client{
			Transport: otelhttp.NewTransport(rt),
			Timeout:   opts.Timeout,
		},
	}
}

// URL returns the download URL of the named artifact.
func (c *Client) URL(name string) string {
	return c.baseURL + url.PathEscape(name)
}

// HTTPClient returns the underlying instrumented client so other components can share it.
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

// Probe issues a HEAD request for the artifact. A missing Content-Length yields Size 0.
func (c *Client) Probe(ctx context.Context, name string) (*FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.URL(name), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: "probe", APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &NetworkError{Operation: "probe", StatusCode: resp.StatusCode, APIMessage: http.StatusText(resp.StatusCode)}
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}

	return &FileInfo{
		Size:          size,
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
	}, nil
}

// Fetch starts a GET for the artifact, asking for bytes from offset onward when offset > 0.
// A 416 answer is reported as ErrRangeNotSatisfiable.
func (c *Client) Fetch(ctx context.Context, name string, offset int64) (*Response, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(name), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: "fetch", APIMessage: err.Error(), Err: err}
	}

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		return nil, fmt.Errorf("fetch %s from byte %d: %w", name, offset, ErrRangeNotSatisfiable)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()

		return nil, &NetworkError{Operation: "fetch", StatusCode: resp.StatusCode, APIMessage: http.StatusText(resp.StatusCode)}
	}

	out := &Response{
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Partial:    resp.StatusCode == http.StatusPartialContent,
	}

	if out.Partial {
		out.Offset = offset
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		start, _, total, err := ParseContentRange(cr)
		if err != nil {
			logger.Warn("ignoring malformed content range", "content_range", cr, "err", err)
		} else {
			if out.Partial {
				out.Offset = start
			}

			if total > 0 {
				out.Total = total

				return out, nil
			}
		}
	}

	if resp.ContentLength > 0 {
		out.Total = resp.ContentLength + out.Offset
	}

	return out, nil
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total is -1 when the server sent "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "bytes"))

	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		return start, end, -1, nil
	}

	total, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}

	return start, end, total, nil
}
