package webclient

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDoWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		responses []int
		wantCalls int
		want      int
	}{
		{"ok first", []int{200}, 1, 200},
		{"5xx then ok", []int{502, 503, 200}, 3, 200},
		{"404 is final", []int{404, 200}, 1, 404},
		{"429 retried until out of attempts", []int{429, 429, 429, 200}, 3, 429},
		{"transport error then ok", []int{0, 201}, 2, 201},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			status, _, _ := DoWithRetry(context.Background(), 3, time.Millisecond, func() (int, []byte, error) {
				s := tt.responses[calls]
				calls++
				if s == 0 {
					return 0, nil, errors.New("dial tcp: connection refused")
				}
				return s, nil, nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestDoWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := DoWithRetry(ctx, 5, time.Hour, func() (int, []byte, error) {
		calls++
		cancel()
		return http.StatusServiceUnavailable, nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
