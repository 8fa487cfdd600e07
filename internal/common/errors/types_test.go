package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name: "basic error",
			appError: &AppError{
				Type:    ErrTypeConfig,
				Message: "CACHE_L1_CAPACITY must be positive",
			},
			want: "config: CACHE_L1_CAPACITY must be positive",
		},
		{
			name: "error with code",
			appError: &AppError{
				Type:    ErrTypeRateLimit,
				Message: "provider throttled",
				Code:    "RL001",
			},
			want: "rate_limit: provider throttled: code=RL001",
		},
		{
			name: "error with cause",
			appError: &AppError{
				Type:    ErrTypeUnavailable,
				Message: "redis tier unavailable",
				Cause:   errors.New("connection refused"),
			},
			want: "unavailable: redis tier unavailable: cause=connection refused",
		},
		{
			name: "context keys are sorted",
			appError: &AppError{
				Type:    ErrTypeProvider,
				Message: "fetch failed",
				Context: map[string]interface{}{
					"timeframe": "1d",
					"symbol":    "AAPL",
					"attempt":   1,
				},
			},
			want: "provider: fetch failed: context={attempt=1, symbol=AAPL, timeframe=1d}",
		},
		{
			name: "complete error",
			appError: &AppError{
				Type:    ErrTypeInternal,
				Message: "internal system error",
				Code:    "SYS001",
				Cause:   errors.New("panic recovered"),
				Context: map[string]interface{}{
					"component": "fanout",
				},
			},
			want: "internal: internal system error: code=SYS001: cause=panic recovered: context={component=fanout}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Error()
			if got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	appError := &AppError{
		Type:    ErrTypeInternal,
		Message: "wrapper error",
		Cause:   cause,
	}

	if unwrapped := appError.Unwrap(); unwrapped != cause {
		t.Errorf("AppError.Unwrap() = %v, want %v", unwrapped, cause)
	}

	appErrorNoCause := &AppError{
		Type:    ErrTypeConfig,
		Message: "no cause error",
	}

	if unwrapped := appErrorNoCause.Unwrap(); unwrapped != nil {
		t.Errorf("AppError.Unwrap() without cause = %v, want nil", unwrapped)
	}
}

func TestAppError_WithContext(t *testing.T) {
	appError := ProviderError("market_data:AAPL:1d", errors.New("502"))

	result := appError.WithContext("symbol", "AAPL")
	if result != appError {
		t.Error("WithContext should return the same instance")
	}

	if appError.Context["symbol"] != "AAPL" {
		t.Errorf("Context[symbol] = %v, want AAPL", appError.Context["symbol"])
	}

	appError.WithContext("timeframe", "1d")
	if len(appError.Context) != 2 {
		t.Errorf("Context length = %d, want 2", len(appError.Context))
	}
}

func TestAppError_WithCode(t *testing.T) {
	appError := RateLimitError("provider")

	if result := appError.WithCode("RL001"); result != appError {
		t.Error("WithCode should return the same instance")
	}

	if appError.Code != "RL001" {
		t.Errorf("Code = %v, want RL001", appError.Code)
	}
}

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name      string
		err       *AppError
		wantType  ErrorType
		wantMsg   string
		wantCause error
	}{
		{"unavailable", UnavailableError("redis tier", cause), ErrTypeUnavailable, "redis tier unavailable", cause},
		{"provider", ProviderError("AAPL", cause), ErrTypeProvider, "fetch AAPL failed", cause},
		{"cancelled", CancelledError("MSFT", context.Canceled), ErrTypeCancelled, "fetch MSFT cancelled", context.Canceled},
		{"validation", ValidationError("capacity must be at least 1"), ErrTypeValidation, "capacity must be at least 1", nil},
		{"config", ConfigError("bad backend"), ErrTypeConfig, "bad backend", nil},
		{"not found", NotFoundError("quote"), ErrTypeNotFound, "quote not found", nil},
		{"internal", InternalError("fetch panicked", cause), ErrTypeInternal, "fetch panicked", cause},
		{"timeout", TimeoutError("health check"), ErrTypeTimeout, "timeout during health check", nil},
		{"rate limit", RateLimitError("provider"), ErrTypeRateLimit, "rate limit exceeded for provider", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", tt.err.Type, tt.wantType)
			}
			if tt.err.Message != tt.wantMsg {
				t.Errorf("Message = %v, want %v", tt.err.Message, tt.wantMsg)
			}
			if tt.err.Cause != tt.wantCause {
				t.Errorf("Cause = %v, want %v", tt.err.Cause, tt.wantCause)
			}
		})
	}
}

func TestIsType(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		errType ErrorType
		want    bool
	}{
		{
			name:    "matching type",
			err:     ConfigError("test"),
			errType: ErrTypeConfig,
			want:    true,
		},
		{
			name:    "non-matching type",
			err:     ConfigError("test"),
			errType: ErrTypeProvider,
			want:    false,
		},
		{
			name:    "wrapped with fmt",
			err:     fmt.Errorf("quotes: %w", ProviderError("AAPL", nil)),
			errType: ErrTypeProvider,
			want:    true,
		},
		{
			name:    "nested app error",
			err:     ProviderError("AAPL", UnavailableError("provider breaker", nil)),
			errType: ErrTypeUnavailable,
			want:    true,
		},
		{
			name:    "non-app error",
			err:     errors.New("regular error"),
			errType: ErrTypeConfig,
			want:    false,
		},
		{
			name:    "nil error",
			err:     nil,
			errType: ErrTypeConfig,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsType(tt.err, tt.errType); got != tt.want {
				t.Errorf("IsType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"app error", CancelledError("AAPL", nil), ErrTypeCancelled},
		{"wrapped app error", fmt.Errorf("ctx: %w", ValidationError("x")), ErrTypeValidation},
		{"regular error", errors.New("regular error"), ErrTypeInternal},
		{"nil error", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetType(tt.err); got != tt.want {
				t.Errorf("GetType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorChaining(t *testing.T) {
	originalErr := errors.New("original error")
	wrappedErr := UnavailableError("redis tier", originalErr)

	if !errors.Is(wrappedErr, originalErr) {
		t.Error("errors.Is should work with wrapped AppError")
	}

	var appErr *AppError
	if !errors.As(wrappedErr, &appErr) {
		t.Fatal("errors.As should work with AppError")
	}

	if appErr.Type != ErrTypeUnavailable {
		t.Errorf("Unwrapped AppError type = %v, want %v", appErr.Type, ErrTypeUnavailable)
	}
}
