package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"market-cache/internal/circuitbreaker"
	apperrors "market-cache/internal/common/errors"
	"market-cache/internal/common/logging"
	"market-cache/internal/common/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewHTTPProvider(HTTPConfig{
		BaseURL: server.URL + "/v1/quotes/",
		Timeout: time.Second,
		Headers: map[string]string{"X-Api-Key": "secret"},
	}, logging.NewNopLogger())
	require.NoError(t, err)
	return p
}

func TestNewHTTPProvider_Validation(t *testing.T) {
	_, err := NewHTTPProvider(HTTPConfig{}, logging.NewNopLogger())
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))

	_, err = NewHTTPProvider(HTTPConfig{BaseURL: "not a url"}, logging.NewNopLogger())
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
}

func TestHTTPProvider_Fetch(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/quotes/BRK.B/1d", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BRK.B","price":412.3100000001}`))
	})

	value, err := p.Fetch(context.Background(), "BRK.B/1d")
	require.NoError(t, err)

	doc, ok := value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BRK.B", doc["symbol"])
	assert.Equal(t, json.Number("412.3100000001"), doc["price"])
}

func TestHTTPProvider_EscapesSegments(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quotes/A%20B/1d", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := p.Fetch(context.Background(), "A B/1d")
	require.NoError(t, err)
}

func TestHTTPProvider_Errors(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unknown symbol", http.StatusNotFound)
		})

		_, err := p.Fetch(context.Background(), "ZZZZ/1d")
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeProvider))
		assert.Contains(t, err.Error(), "HTTP 404")
		assert.Contains(t, err.Error(), "unknown symbol")

		var appErr *apperrors.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, "http_404", appErr.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"price":`))
		})

		_, err := p.Fetch(context.Background(), "AAPL/1d")
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeProvider))
		assert.Contains(t, err.Error(), "decode response")
	})

	t.Run("empty id", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("no request expected")
		})

		_, err := p.Fetch(context.Background(), "")
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
	})

	t.Run("cancelled", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := p.Fetch(ctx, "AAPL/1d")
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeCancelled))
	})
}

func TestWithBreaker(t *testing.T) {
	var calls atomic.Int32
	failing := FetchFunc(func(ctx context.Context, id string) (interface{}, error) {
		calls.Add(1)
		return nil, apperrors.ProviderError(id, errors.New("502"))
	})

	breaker := circuitbreaker.NewGoBreaker("provider", circuitbreaker.Config{
		MaxFailures:           2,
		Timeout:               time.Minute,
		MaxConcurrentRequests: 1,
	}, logging.NewNopLogger())
	p := WithBreaker(failing, breaker)

	for i := 0; i < 2; i++ {
		_, err := p.Fetch(context.Background(), "AAPL/1d")
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeProvider))
	}

	_, err := p.Fetch(context.Background(), "AAPL/1d")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeUnavailable))
	assert.Equal(t, int32(2), calls.Load(), "open breaker short-circuits")
	assert.True(t, breaker.IsOpen())


	unguarded := WithBreaker(failing, nil)
	for i := 0; i < 3; i++ {
		_, _ = unguarded.Fetch(context.Background(), "AAPL/1d")
	}
	assert.Equal(t, int32(5), calls.Load(), "nil breaker never short-circuits")
}

func TestWithRateLimit(t *testing.T) {
	limiter, err := ratelimit.NewLocalLimiter(ratelimit.Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})
	require.NoError(t, err)

	var calls atomic.Int32
	p := WithRateLimit(FetchFunc(func(ctx context.Context, id string) (interface{}, error) {
		calls.Add(1)
		return id, nil
	}), limiter)

	value, err := p.Fetch(context.Background(), "AAPL/1d")
	require.NoError(t, err)
	assert.Equal(t, "AAPL/1d", value)

	// The bucket is empty and the next token is a second away
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Fetch(ctx, "MSFT/1d")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
