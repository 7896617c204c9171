package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorizedErrorMatchesSentinel(t *testing.T) {
	cause := stderrors.New("dial tcp: i/o timeout")
	err := fmt.Errorf("get asset: %w", NewChainUnavailableError("ownerOf", cause))

	assert.True(t, stderrors.Is(err, ErrChainUnavailable))
	assert.False(t, stderrors.Is(err, ErrNotFound))
	assert.True(t, stderrors.Is(err, cause), "cause must stay reachable")
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"chain", NewChainUnavailableError("op", nil), true},
		{"store", NewStoreUnavailableError("op", nil), true},
		{"not found", NewNotFoundError("asset", "1"), false},
		{"invariant", NewInvariantViolationError("mint", "k"), false},
		{"plain", stderrors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NewNotFoundError("asset", "1"), http.StatusNotFound},
		{"bare sentinel", fmt.Errorf("wrap: %w", ErrInvariantViolation), http.StatusConflict},
		{"invalid", NewInvalidParameterError("tokenId", "not numeric"), http.StatusBadRequest},
		{"gateway", NewGatewayExhaustedError("ipfs://x", 3, nil), http.StatusBadGateway},
		{"unknown", stderrors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatusCode(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatusCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCategorizeKeepsOutermost(t *testing.T) {
	inner := NewStoreUnavailableError("upsert", stderrors.New("conn refused"))
	got := Categorize(fmt.Errorf("reconcile: %w", inner))
	assert.Same(t, inner, got)
	assert.Equal(t, "STORE_UNAVAILABLE", got.Code)
}
