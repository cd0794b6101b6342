package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/content"
	"github.com/opd-ai/courier/wire"
)

// Uploader posts large ciphertext payloads to the send endpoint. The
// message-info header lets the server, and a restarted client, associate
// the body with its logical message.
type Uploader struct {
	endpoint string
	client   *http.Client
	tokens   TokenSource
}

// NewUploader creates an uploader for the send endpoint. A nil client
// falls back to http.DefaultClient.
func NewUploader(endpoint string, client *http.Client, tokens TokenSource) *Uploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Uploader{endpoint: endpoint, client: client, tokens: tokens}
}

// Endpoint returns the send endpoint URL.
func (u *Uploader) Endpoint() string { return u.endpoint }

// Upload streams the ciphertext body to the send endpoint.
func (u *Uploader) Upload(ctx context.Context, info wire.Info, body content.Reference) error {
	token, err := u.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}
	infoValue, err := info.Encode()
	if err != nil {
		return fmt.Errorf("encode message info: %w", err)
	}
	size, err := body.Size()
	if err != nil {
		return fmt.Errorf("size ciphertext: %w", err)
	}
	stream, err := body.Open()
	if err != nil {
		return fmt.Errorf("open ciphertext: %w", err)
	}
	defer stream.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, stream)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(wire.InfoHeader, infoValue)
	req.ContentLength = size

	logrus.WithFields(logrus.Fields{
		"function": "Upload",
		"id":       info.ID.String(),
		"size":     size,
	}).Info("Uploading message payload")

	resp, err := u.client.Do(req)
	if err != nil {
		return &NetworkError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()
	return statusToError("upload", resp.StatusCode)
}

// Downloader pulls large ciphertext payloads from the fetch endpoint.
type Downloader struct {
	endpoint string
	client   *http.Client
	tokens   TokenSource
}

// NewDownloader creates a downloader for the fetch endpoint. A nil client
// falls back to http.DefaultClient.
func NewDownloader(endpoint string, client *http.Client, tokens TokenSource) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{endpoint: endpoint, client: client, tokens: tokens}
}

// Endpoint returns the fetch endpoint URL.
func (d *Downloader) Endpoint() string { return d.endpoint }

// Download fetches the ciphertext for id into a temp-file reference the
// caller owns, along with the message info from the response header.
func (d *Downloader) Download(ctx context.Context, id uuid.UUID) (wire.Info, content.Reference, error) {
	token, err := d.tokens.Token(ctx)
	if err != nil {
		return wire.Info{}, nil, fmt.Errorf("acquire token: %w", err)
	}

	target, err := url.Parse(d.endpoint)
	if err != nil {
		return wire.Info{}, nil, fmt.Errorf("parse fetch endpoint: %w", err)
	}
	query := target.Query()
	query.Set("id", id.String())
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return wire.Info{}, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return wire.Info{}, nil, &NetworkError{Op: "download", Err: err}
	}
	defer resp.Body.Close()
	if err := statusToError("download", resp.StatusCode); err != nil {
		return wire.Info{}, nil, err
	}

	info, err := wire.ParseInfo(resp.Header.Get(wire.InfoHeader))
	if err != nil {
		return wire.Info{}, nil, fmt.Errorf("download for %s: %w", id, err)
	}
	ref, err := content.NewTempFromReader(resp.Body)
	if err != nil {
		return wire.Info{}, nil, &NetworkError{Op: "download", Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Download",
		"id":       id.String(),
		"length":   info.Length,
	}).Info("Downloaded message payload")
	return info, ref, nil
}

// statusToError maps HTTP status codes onto the transport error taxonomy.
func statusToError(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthenticationError{Op: op}
	default:
		return &NetworkError{Op: op, Err: fmt.Errorf("unexpected status %d", status)}
	}
}
