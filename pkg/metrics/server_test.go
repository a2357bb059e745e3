package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServer_Healthz(t *testing.T) {
	healthy := true
	srv := NewServer(ServerConfig{Health: func() error {
		if !healthy {
			return errors.New("registry not loaded")
		}
		return nil
	}})
	assert.Equal(t, 9090, srv.Port())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "registry not loaded")
}

func TestNoopMetrics(t *testing.T) {
	NewNoopLoaderMetrics().RecordLoad("t", "hit")
	NewNoopDispatchMetrics().RecordOperation("open", "local", 0, nil)
	NewNoopDispatchMetrics().RecordBytes("read", 1)
	NewNoopRedirectMetrics().RecordResolution("local")
	NewNoopRedirectMetrics().RecordForward("h", 0, nil)
	NewNoopReplicaMetrics().RecordTransition("begin_write")
}
