package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	robosync "github.com/wolfeidau/robosync"
	"github.com/wolfeidau/robosync/credentials"
)

// maxErrorBody caps how much of an error response body is read for the
// human-readable message.
const maxErrorBody = 4096

// Wire shapes for the store API. These never leave this package; callers
// only see robosync.ArtifactMetadata.

type metadataResponse struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	Size        int64     `json:"size"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}

func (m *metadataResponse) toMetadata() (*robosync.ArtifactMetadata, error) {
	if m.Name == "" || m.Version == "" {
		return nil, fmt.Errorf("store metadata missing name or version")
	}
	fp, err := robosync.ParseFingerprint(m.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("store metadata for %s@%s has invalid fingerprint: %w", m.Name, m.Version, err)
	}
	return &robosync.ArtifactMetadata{
		Name:        m.Name,
		Version:     m.Version,
		Fingerprint: fp,
		Size:        m.Size,
		DownloadURL: m.DownloadURL,
		ExpiresAt:   m.ExpiresAt,
	}, nil
}

type uploadSlotResponse struct {
	UploadID    string `json:"upload_id"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// RefreshCredential exchanges a refresh token at the store's auth endpoint.
// It is a free function so the credential manager can be wired with it
// without a construction cycle between the two packages. A rejected
// refresh token surfaces as a plain error, which the manager maps to
// robosync.ErrAuthExpired; network and server failures surface as
// robosync.ErrTransient after the retry budget is spent.
func RefreshCredential(ctx context.Context, httpc *http.Client, baseURL, refreshToken string) (*credentials.Credential, error) {
	endpoint := strings.TrimSuffix(baseURL, "/") + "/v1/auth/refresh"

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("encoding refresh request: %w", err)
	}

	return retryWith(ctx, DefaultMaxTries, func() (*credentials.Credential, error) {
		rctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(rctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating refresh request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpc.Do(req)
		if err != nil {
			return nil, transientErr("refreshing token", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("auth endpoint returned %d: %w", resp.StatusCode, robosync.ErrTransient)
		default:
			return nil, fmt.Errorf("auth endpoint returned %d: %s", resp.StatusCode, readErrorMessage(resp.Body))
		}

		var wire refreshResponse
		if err := decodeJSON(resp.Body, &wire); err != nil {
			return nil, fmt.Errorf("decoding refresh response: %w", err)
		}
		if wire.AccessToken == "" {
			return nil, fmt.Errorf("auth endpoint returned no access token")
		}

		cred := &credentials.Credential{
			AccessToken:  wire.AccessToken,
			RefreshToken: wire.RefreshToken,
		}
		if cred.RefreshToken == "" {
			cred.RefreshToken = refreshToken
		}
		if wire.ExpiresIn > 0 {
			cred.Expiry = time.Now().Add(time.Duration(wire.ExpiresIn) * time.Second)
		}
		return cred, nil
	})
}

// decodeJSON decodes a JSON response body, rejecting trailing garbage.
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// readErrorMessage extracts a message from an error response body, falling
// back to the raw body when it is not the store's JSON error shape.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	var wire errorResponse
	if err := json.Unmarshal(data, &wire); err == nil && wire.Error != "" {
		return wire.Error
	}
	return strings.TrimSpace(string(data))
}
