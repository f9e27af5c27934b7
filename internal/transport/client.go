// Package transport performs authenticated single-shot requests against the upstream
// portals on behalf of a student session.
package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// StatusTransportError is reported when no HTTP response was received.
const StatusTransportError = -1

const maxBodyBytes = 32 << 20

// Options customise a single request.
type Options struct {
	Method  string
	Headers map[string]string
	Body    string
	Cookie  string
}

// FetchResult is the text-mode response envelope.
type FetchResult struct {
	Success bool
	Status  int
	Data    string
	Error   string
}

// DownloadResult is the binary-mode response envelope. Data is base64 encoded.
type DownloadResult struct {
	Success     bool
	Status      int
	Data        string
	ContentType string
	Error       string
}

// Client performs requests and reports every failure through the envelope.
type Client interface {
	Fetch(ctx context.Context, url string, opts Options) FetchResult
	Download(ctx context.Context, url string, opts Options) DownloadResult
}

type httpClient struct {
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPClient builds a cookie-forwarding client with the given per-request timeout.
func NewHTTPClient(timeout time.Duration, logger zerolog.Logger) Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	return &httpClient{
		client: &http.Client{
			Timeout: timeout,
			// Expired sessions redirect to an HTML login page; surface that as-is.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		logger: logger.With().Str("component", "transport").Logger(),
	}
}

func (c *httpClient) Fetch(ctx context.Context, url string, opts Options) FetchResult {
	status, body, _, err := c.do(ctx, url, opts)
	if err != nil {
		return FetchResult{Success: false, Status: status, Error: err.Error()}
	}
	if status < 200 || status > 299 {
		return FetchResult{Success: false, Status: status, Error: strings.TrimSpace(string(body))}
	}

	return FetchResult{Success: true, Status: status, Data: string(body)}
}

func (c *httpClient) Download(ctx context.Context, url string, opts Options) DownloadResult {
	status, body, contentType, err := c.do(ctx, url, opts)
	if err != nil {
		return DownloadResult{Success: false, Status: status, Error: err.Error()}
	}
	if status < 200 || status > 299 {
		return DownloadResult{Success: false, Status: status, Error: fmt.Sprintf("download failed with status %d", status)}
	}

	return DownloadResult{
		Success:     true,
		Status:      status,
		Data:        base64.StdEncoding.EncodeToString(body),
		ContentType: contentType,
	}
}

func (c *httpClient) do(ctx context.Context, url string, opts Options) (int, []byte, string, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return StatusTransportError, nil, "", fmt.Errorf("build request: %w", err)
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	if opts.Cookie != "" {
		req.Header.Set("Cookie", opts.Cookie)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Str("url", url).Msg("upstream request failed")
		return StatusTransportError, nil, "", fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, "", fmt.Errorf("read body: %w", err)
	}

	c.logger.Debug().Str("method", method).Str("url", url).Int("status", resp.StatusCode).Msg("upstream request completed")

	return resp.StatusCode, payload, resp.Header.Get("Content-Type"), nil
}
