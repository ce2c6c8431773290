package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/ndn-sync/internal/storage/filesystem"
)

type fakeDB struct {
	err error
}

func (f *fakeDB) Ping(ctx context.Context) error { return f.err }

func newStaging(t *testing.T) *filesystem.Storage {
	t.Helper()
	base := t.TempDir()
	s, err := filesystem.NewStorage(filesystem.Config{
		DataDir: filepath.Join(base, "data"),
		TempDir: filepath.Join(base, "tmp"),
	}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestHealthChecker_Healthy(t *testing.T) {
	checker := NewHealthChecker(HealthCheckerConfig{
		ItemStore: &fakeDB{},
		Staging:   newStaging(t),
		Logger:    zerolog.Nop(),
	})

	rec := httptest.NewRecorder()
	checker.HandleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, 200, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Contains(t, status.Components, "item_store")
	assert.Contains(t, status.Components, "staging")
}

func TestHealthChecker_UnhealthyStore(t *testing.T) {
	checker := NewHealthChecker(HealthCheckerConfig{
		ItemStore: &fakeDB{err: errors.New("database gone")},
		Staging:   newStaging(t),
		Logger:    zerolog.Nop(),
	})

	rec := httptest.NewRecorder()
	checker.HandleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, 503, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusUnhealthy, status.Components["item_store"].Status)
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(HealthCheckerConfig{
		ItemStore: &fakeDB{err: errors.New("down")},
		Staging:   newStaging(t),
		Logger:    zerolog.Nop(),
	})

	// Liveness only proves the process answers.
	rec := httptest.NewRecorder()
	checker.HandleLiveness(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
}
