package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-mesh/ctrl/pkg/broker"
	"github.com/tg-mesh/ctrl/pkg/ha"
)

// TestHealthHandler tests the /health endpoint
func TestHealthHandler(t *testing.T) {
	hs := NewHealthServer(nil, "v1")

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request succeeds", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST request fails", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
		{name: "PUT request fails", method: http.MethodPut, expectedStatus: http.StatusMethodNotAllowed},
		{name: "DELETE request fails", method: http.MethodDelete, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			w := httptest.NewRecorder()

			hs.healthHandler(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				err := json.NewDecoder(w.Body).Decode(&response)
				assert.NoError(t, err)
				assert.Equal(t, "healthy", response.Status)
				assert.NotZero(t, response.Timestamp)
			}
		})
	}
}

func TestHealthHandlerJSONFormat(t *testing.T) {
	hs := NewHealthServer(nil, "v1.2.3")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hs.healthHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "healthy", response.Status)
	assert.False(t, response.Timestamp.IsZero())
	assert.Equal(t, "v1.2.3", response.Version)
}

func TestReadyHandlerStandaloneIsAlwaysReady(t *testing.T) {
	hs := NewHealthServer(nil, "v1")

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	hs.readyHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ready", response.Status)
	assert.Equal(t, "standalone", response.Checks["ha"])
}

func TestReadyHandlerBackupControllerIsNotReady(t *testing.T) {
	r := ha.New(ha.DefaultConfig(ha.RoleBackup, "v1", "peer"), broker.New(nil), nil)
	hs := NewHealthServer(r, "v1")

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	hs.readyHandler(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "not ready", response.Status)
	assert.Equal(t, "BACKUP", response.Checks["ha"])
	assert.NotEmpty(t, response.Message)
}

func TestReadyHandlerMethodValidation(t *testing.T) {
	hs := NewHealthServer(nil, "v1")

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request accepted", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST request rejected", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
		{name: "PUT request rejected", method: http.MethodPut, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/ready", nil)
			w := httptest.NewRecorder()
			hs.readyHandler(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestNewHealthServerRegistersRoutes(t *testing.T) {
	hs := NewHealthServer(nil, "v1")

	assert.NotNil(t, hs)
	assert.NotNil(t, hs.mux)

	tests := []struct {
		path           string
		expectedStatus int
	}{
		{path: "/health", expectedStatus: http.StatusOK},
		{path: "/ready", expectedStatus: http.StatusOK},
		{path: "/metrics", expectedStatus: http.StatusOK},
		{path: "/nonexistent", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()
			hs.mux.ServeHTTP(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code, "Path: %s", tt.path)
		})
	}
}

func TestGetHandler(t *testing.T) {
	hs := NewHealthServer(nil, "v1")

	handler := hs.GetHandler()
	assert.NotNil(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthServerConcurrency(t *testing.T) {
	hs := NewHealthServer(nil, "v1")
	done := make(chan bool, 20)

	for i := 0; i < 10; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			hs.healthHandler(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()
			hs.readyHandler(w, req)
			assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		<-done
	}
}

func BenchmarkHealthHandler(b *testing.B) {
	hs := NewHealthServer(nil, "v1")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		hs.healthHandler(w, req)
	}
}

func BenchmarkReadyHandler(b *testing.B) {
	hs := NewHealthServer(nil, "v1")
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		hs.readyHandler(w, req)
	}
}
