package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"market-cache/internal/common/errors"
	commonhttp "market-cache/internal/common/http"
	"market-cache/internal/common/logging"
)

// maxErrorBody caps how much of a failed response is kept in the error
const maxErrorBody = 512

// HTTPConfig configures an HTTPProvider
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
	// MaxConnsPerHost should be at least the fan-out concurrency
	MaxConnsPerHost int
	// Client overrides the HTTP client built from the fields above
	Client *http.Client
}

// HTTPProvider fetches JSON documents with GET {BaseURL}/{id}. Each
// slash-separated segment of id is path-escaped.
type HTTPProvider struct {
	baseURL *url.URL
	headers map[string]string
	client  *http.Client
	logger  logging.Logger
}

// NewHTTPProvider creates an HTTP provider
func NewHTTPProvider(config HTTPConfig, logger logging.Logger) (*HTTPProvider, error) {
	if config.BaseURL == "" {
		return nil, errors.ConfigError("provider base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.ConfigError(fmt.Sprintf("invalid provider base URL %q", config.BaseURL))
	}

	client := config.Client
	if client == nil {
		opts := []commonhttp.ClientOption{}
		if config.Timeout > 0 {
			opts = append(opts, commonhttp.WithTimeout(config.Timeout))
		}
		if config.MaxConnsPerHost > 0 {
			opts = append(opts, commonhttp.WithMaxIdleConnsPerHost(config.MaxConnsPerHost))
		}
		client = commonhttp.NewHTTPClient(opts...)
	}

	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &HTTPProvider{
		baseURL: base,
		headers: config.Headers,
		client:  client,
		logger:  logger.WithFields(logging.String("component", "provider"), logging.String("host", base.Host)),
	}, nil
}

// Fetch performs the GET and decodes the JSON body. Numbers are decoded as
// json.Number so prices keep their precision.
func (h *HTTPProvider) Fetch(ctx context.Context, id string) (interface{}, error) {
	if id == "" {
		return nil, errors.ValidationError("provider id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(id), nil)
	if err != nil {
		return nil, errors.InternalError("failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.CancelledError(id, ctx.Err())
		}
		return nil, errors.ProviderError(id, err)
	}
	defer resp.Body.Close()

	h.logger.Debug("Provider responded",
		logging.String("id", id),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		cause := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return nil, errors.ProviderError(id, cause).
			WithCode(fmt.Sprintf("http_%d", resp.StatusCode)).
			WithContext("status", resp.StatusCode)
	}

	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()

	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return nil, errors.ProviderError(id, fmt.Errorf("decode response: %w", err))
	}

	return value, nil
}

func (h *HTTPProvider) url(id string) string {
	segments := strings.Split(strings.Trim(id, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return h.baseURL.String() + "/" + strings.Join(segments, "/")
}
