package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/model"
)

type fakeReader struct {
	run       *model.AgentRun
	runs      []*model.AgentRun
	events    []model.AgentEvent
	artifacts []*model.Artifact
	err       error
}

func (f *fakeReader) GetAgentRun(ctx context.Context, id string) (*model.AgentRun, error) {
	return f.run, f.err
}
func (f *fakeReader) ListAgentRuns(ctx context.Context, agentSpecID string, limit int) ([]*model.AgentRun, error) {
	return f.runs, f.err
}
func (f *fakeReader) ListEventsByRun(ctx context.Context, runID string) ([]model.AgentEvent, error) {
	return f.events, f.err
}
func (f *fakeReader) ListArtifactsByRun(ctx context.Context, runID string) ([]*model.Artifact, error) {
	return f.artifacts, f.err
}

type fakeController struct {
	err error
	got string
}

func (f *fakeController) Pause(ctx context.Context, runID string) error  { f.got = "pause:" + runID; return f.err }
func (f *fakeController) Resume(ctx context.Context, runID string) error { f.got = "resume:" + runID; return f.err }
func (f *fakeController) Cancel(ctx context.Context, runID string) error { f.got = "cancel:" + runID; return f.err }

func TestServer_HealthCheck(t *testing.T) {
	s := NewServer(Config{}, &fakeReader{}, &fakeController{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_GetRun_NotFound(t *testing.T) {
	s := NewServer(Config{}, &fakeReader{run: nil}, &fakeController{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetRun_Found(t *testing.T) {
	run := &model.AgentRun{ID: "r1", Status: model.RunStatusRunning}
	s := NewServer(Config{}, &fakeReader{run: run}, &fakeController{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.AgentRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "r1", got.ID)
}

func TestServer_ListRuns(t *testing.T) {
	runs := []*model.AgentRun{{ID: "a"}, {ID: "b"}}
	s := NewServer(Config{}, &fakeReader{runs: runs}, &fakeController{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got []*model.AgentRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)
}

func TestServer_Pause_ForwardsToController(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(Config{}, &fakeReader{}, ctrl)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/r1/pause", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "pause:r1", ctrl.got)
}

func TestServer_Cancel_StateConflictMapsTo409(t *testing.T) {
	ctrl := &fakeController{err: apperr.New(apperr.KindStateConflict, "already terminal")}
	s := NewServer(Config{}, &fakeReader{}, ctrl)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs/r1/cancel", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ListEvents_ValidationErrorMapsTo400(t *testing.T) {
	reader := &fakeReader{err: apperr.New(apperr.KindValidation, "bad run id")}
	s := NewServer(Config{}, reader, &fakeController{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r1/events", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StorageFailureMapsTo500(t *testing.T) {
	reader := &fakeReader{err: apperr.New(apperr.KindStorageFailure, "db down")}
	s := NewServer(Config{}, reader, &fakeController{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r1/artifacts", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_RequiresAPIKeyWhenConfigured(t *testing.T) {
	s := NewServer(Config{APIKey: "secret"}, &fakeReader{}, &fakeController{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/", nil)
	req.Header.Set("X-API-Key", "secret")
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_HealthCheckBypassesAPIKey(t *testing.T) {
	s := NewServer(Config{APIKey: "secret"}, &fakeReader{}, &fakeController{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
