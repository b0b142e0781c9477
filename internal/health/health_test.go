package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestHealthChecker(t *testing.T) {
	healthy := true
	hc := NewHealthChecker(zap.NewNop(), time.Second)
	hc.AddDependency("store", PingerFunc(func(ctx context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("connection refused")
	}))

	serve := func(h http.Handler) int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, serve(hc.LiveHandler()))
	assert.Equal(t, http.StatusOK, serve(hc.ReadyHandler()))

	healthy = false
	assert.Equal(t, http.StatusOK, serve(hc.LiveHandler()), "依赖故障不影响存活检查")
	assert.Equal(t, http.StatusServiceUnavailable, serve(hc.ReadyHandler()))
}
