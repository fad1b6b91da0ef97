// Package transport implements the HTTP client for the artifact store:
// metadata resolution, presigned payload download and upload, bounded
// retries with exponential backoff for transient failures, and the
// refresh-and-retry-once policy for rejected credentials.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	robosync "github.com/wolfeidau/robosync"
)

const (
	// DefaultTimeout bounds metadata and control-plane requests.
	DefaultTimeout = 30 * time.Second

	// DefaultDownloadTimeout bounds a single payload download attempt.
	DefaultDownloadTimeout = 60 * time.Second

	// DefaultUploadTimeout bounds a single payload upload attempt.
	DefaultUploadTimeout = 300 * time.Second

	// DefaultMaxTries is the attempt budget for retryable operations.
	DefaultMaxTries = 4

	// ArchiveContentType is the media type of packaged artifact payloads.
	ArchiveContentType = "application/x-compressed-tar"

	requestIDHeader = "X-Request-Id"
)

// TokenSource supplies bearer tokens for authenticated requests. The
// credential manager implements this interface.
type TokenSource interface {
	// Token returns a currently-valid access token.
	Token(ctx context.Context) (string, error)
	// Refresh forces a token refresh after the store rejected the current
	// token. It fails with robosync.ErrAuthExpired when re-login is needed.
	Refresh(ctx context.Context) (string, error)
}

// Client talks to the artifact store's HTTP API. All operations are safe
// for concurrent use and honour context cancellation independently.
type Client struct {
	baseURL         string
	httpc           *http.Client
	tokens          TokenSource
	logger          *slog.Logger
	maxTries        uint
	timeout         time.Duration
	downloadTimeout time.Duration
	uploadTimeout   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		c.httpc = httpc
	}
}

// WithTokenSource sets the token source for authenticated requests.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMaxTries sets the attempt budget for retryable operations.
func WithMaxTries(n uint) Option {
	return func(c *Client) {
		c.maxTries = n
	}
}

// WithTimeout sets the per-request timeout for control-plane calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithDownloadTimeout sets the per-attempt payload download timeout.
func WithDownloadTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.downloadTimeout = d
	}
}

// WithUploadTimeout sets the per-attempt payload upload timeout.
func WithUploadTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.uploadTimeout = d
	}
}

// New creates a store client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		httpc:           &http.Client{},
		logger:          slog.Default(),
		maxTries:        DefaultMaxTries,
		timeout:         DefaultTimeout,
		downloadTimeout: DefaultDownloadTimeout,
		uploadTimeout:   DefaultUploadTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchMetadata resolves a possibly-unpinned reference to concrete
// metadata, including a time-limited download URL. Transient failures are
// retried with exponential backoff up to the attempt budget.
func (c *Client) FetchMetadata(ctx context.Context, ref robosync.ArtifactRef) (*robosync.ArtifactMetadata, error) {
	endpoint := fmt.Sprintf("%s/v1/artifacts/%s", c.baseURL, url.PathEscape(ref.Name))
	if ref.Pinned() {
		endpoint += "/" + url.PathEscape(ref.Version)
	}

	return retryWith(ctx, c.maxTries, func() (*robosync.ArtifactMetadata, error) {
		rctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.doAuthed(rctx, http.MethodGet, endpoint)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return nil, c.statusError(resp)
		}

		var wire metadataResponse
		if err := decodeJSON(resp.Body, &wire); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", ref, err)
		}
		return wire.toMetadata()
	})
}

// Download streams the payload described by meta to dest, verifying the
// declared size and fingerprint before the file becomes visible at dest.
// The presigned URL carries its own authorization, so no token is attached.
// Transient failures restart the transfer from the beginning, up to the
// attempt budget; a verification failure is final and surfaces
// robosync.ErrIntegrity.
func (c *Client) Download(ctx context.Context, meta *robosync.ArtifactMetadata, dest string) error {
	if meta.DownloadURL == "" {
		return fmt.Errorf("metadata for %s has no download URL", meta.Ref())
	}

	_, err := retryWith(ctx, c.maxTries, func() (struct{}, error) {
		rctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
		defer cancel()
		return struct{}{}, c.downloadOnce(rctx, meta, dest)
	})
	return err
}

func (c *Client) downloadOnce(ctx context.Context, meta *robosync.ArtifactMetadata, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("creating download request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return transientErr("downloading payload", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	// Stream to a temp file in the destination directory so the rename
	// below stays on one filesystem, then verify before promoting.
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hr := robosync.NewHashingReader(resp.Body)
	if _, err := io.Copy(tmp, hr); err != nil {
		return transientErr("streaming payload", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing payload file: %w", err)
	}

	if hr.BytesRead() != meta.Size {
		return fmt.Errorf("payload for %s is %d bytes, store declared %d: %w",
			meta.Ref(), hr.BytesRead(), meta.Size, robosync.ErrIntegrity)
	}
	if got := hr.Sum(); got != meta.Fingerprint {
		return fmt.Errorf("payload for %s has fingerprint %s, store declared %s: %w",
			meta.Ref(), got.ShortString(), meta.Fingerprint.ShortString(), robosync.ErrIntegrity)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("promoting payload: %w", err)
	}
	success = true
	return nil
}

// Upload publishes the packaged payload at archivePath as a new version of
// ref. Only the slot request is retried; once the store may have received
// payload bytes, failures surface unretried so a version is never published
// twice. A duplicate payload surfaces robosync.ErrConflict.
func (c *Client) Upload(ctx context.Context, ref robosync.ArtifactRef, archivePath string, fp robosync.Fingerprint, size int64) (*robosync.ArtifactMetadata, error) {
	slot, err := c.requestUploadSlot(ctx, ref, archivePath)
	if err != nil {
		return nil, err
	}

	if err := c.putPayload(ctx, slot, archivePath, size); err != nil {
		return nil, err
	}

	return c.completeUpload(ctx, ref, slot, fp, size)
}

func (c *Client) requestUploadSlot(ctx context.Context, ref robosync.ArtifactRef, archivePath string) (*uploadSlotResponse, error) {
	endpoint := fmt.Sprintf("%s/v1/artifacts/%s/uploads?filename=%s&content_type=%s",
		c.baseURL, url.PathEscape(ref.Name),
		url.QueryEscape(filepath.Base(archivePath)), url.QueryEscape(ArchiveContentType))

	return retryWith(ctx, c.maxTries, func() (*uploadSlotResponse, error) {
		rctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.doAuthed(rctx, http.MethodPost, endpoint)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return nil, c.statusError(resp)
		}

		var slot uploadSlotResponse
		if err := decodeJSON(resp.Body, &slot); err != nil {
			return nil, fmt.Errorf("decoding upload slot: %w", err)
		}
		if slot.URL == "" {
			return nil, fmt.Errorf("upload slot for %s has no URL", ref)
		}
		return &slot, nil
	})
}

func (c *Client) putPayload(ctx context.Context, slot *uploadSlotResponse, archivePath string, size int64) error {
	rctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	req, err := http.NewRequestWithContext(rctx, http.MethodPut, slot.URL, f)
	if err != nil {
		return fmt.Errorf("creating payload request: %w", err)
	}
	req.ContentLength = size
	contentType := slot.ContentType
	if contentType == "" {
		contentType = ArchiveContentType
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return transientErr("uploading payload", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	return nil
}

func (c *Client) completeUpload(ctx context.Context, ref robosync.ArtifactRef, slot *uploadSlotResponse, fp robosync.Fingerprint, size int64) (*robosync.ArtifactMetadata, error) {
	endpoint := fmt.Sprintf("%s/v1/artifacts/%s/uploads/%s/complete?fingerprint=%s&size=%d",
		c.baseURL, url.PathEscape(ref.Name), url.PathEscape(slot.UploadID), fp, size)

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.doAuthed(rctx, http.MethodPost, endpoint)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.statusError(resp)
	}

	var wire metadataResponse
	if err := decodeJSON(resp.Body, &wire); err != nil {
		return nil, fmt.Errorf("decoding upload result: %w", err)
	}
	return wire.toMetadata()
}

// doAuthed performs an authenticated request. On an authentication
// rejection it refreshes the token and retries the request exactly once;
// a second rejection surfaces as the token source's refresh error or
// robosync.ErrAuthExpired.
func (c *Client) doAuthed(ctx context.Context, method, endpoint string) (*http.Response, error) {
	if c.tokens == nil {
		return nil, fmt.Errorf("client has no token source: %w", robosync.ErrAuth)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.doOnce(ctx, method, endpoint, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}
	_ = resp.Body.Close()

	c.logger.Debug("store rejected token, refreshing", "method", method, "url", endpoint)
	token, err = c.tokens.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	resp, err = c.doOnce(ctx, method, endpoint, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("store rejected refreshed token: %w", robosync.ErrAuthExpired)
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, method, endpoint, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(requestIDHeader, uuid.NewString())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, transientErr(method+" "+endpoint, err)
	}
	return resp, nil
}

// retry runs op with exponential backoff until it succeeds, returns a
// non-transient error, or the attempt budget is exhausted.
func retryWith[T any](ctx context.Context, maxTries uint, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, robosync.ErrTransient) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxTries))
}

// statusError maps an error response to the error taxonomy, draining a
// small amount of the body for a human-readable message.
func (c *Client) statusError(resp *http.Response) error {
	msg := readErrorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, robosync.ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", msg, robosync.ErrConflict)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("store returned %d: %s: %w", resp.StatusCode, msg, robosync.ErrTransient)
	default:
		return fmt.Errorf("store returned %d: %s", resp.StatusCode, msg)
	}
}

// transientErr classifies a request-level failure. Context cancellation
// passes through so callers can tell deliberate cancellation from network
// trouble; everything else (timeouts included) is retryable.
func transientErr(doing string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", doing, err)
	}
	return fmt.Errorf("%s: %w", doing, errors.Join(err, robosync.ErrTransient))
}
