package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humblenginr/iris_pipeline/actor"
	"github.com/humblenginr/iris_pipeline/artifact"
	"github.com/humblenginr/iris_pipeline/knn"
	"github.com/humblenginr/iris_pipeline/logger"
	"github.com/humblenginr/iris_pipeline/metrics"
	"github.com/humblenginr/iris_pipeline/pipeline"
)

func newTestServer(t *testing.T, withModel bool) (*Server, *artifact.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewLogger(logger.TestConfig())
	m := metrics.New()

	pool, err := actor.NewPool(actor.DefaultConfig(), actor.WithLogger(log), actor.WithMetrics(m), actor.WithReapInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	store := artifact.NewMemoryStore()
	if withModel {
		d, err := knn.LoadIris()
		require.NoError(t, err)
		model, err := knn.Fit(d, 3)
		require.NoError(t, err)
		payload, err := json.Marshal(model)
		require.NoError(t, err)
		_, err = store.Put(context.Background(), artifact.Draft{Name: pipeline.KnnModel, Kind: pipeline.KindModel, Payload: payload})
		require.NoError(t, err)
	}
	return New(DefaultConfig(), store, pool, m, log), store
}

func post(t *testing.T, h http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/predict", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Predict(t *testing.T) {
	t.Run("Should predict species with the latest model", func(t *testing.T) {
		s, _ := newTestServer(t, true)
		w := post(t, s.Handler(), PredictRequest{Features: [][]float64{{5.1, 3.5, 1.4, 0.2}, {6.7, 3.0, 5.2, 2.3}}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp PredictResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, []int{0, 2}, resp.Labels)
		assert.Equal(t, []string{"setosa", "virginica"}, resp.Species)
		assert.EqualValues(t, 1, resp.ModelVersion)
		assert.NotEmpty(t, resp.Worker)
	})

	t.Run("Should serve repeated requests from the same warm worker", func(t *testing.T) {
		s, _ := newTestServer(t, true)
		body := PredictRequest{Model: pipeline.KnnModel, Features: pipeline.DefaultPredData()}
		var workers []string
		for range 2 {
			w := post(t, s.Handler(), body)
			require.Equal(t, http.StatusOK, w.Code)
			var resp PredictResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			workers = append(workers, resp.Worker)
		}
		assert.Equal(t, workers[0], workers[1])

		req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `iris_call_cache_lookups_total{pool="actor",result="hit"} 1`)
	})

	t.Run("Should return 404 when the model is missing", func(t *testing.T) {
		s, _ := newTestServer(t, false)
		w := post(t, s.Handler(), PredictRequest{Features: [][]float64{{1, 2, 3, 4}}})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "not_found")
	})

	t.Run("Should return 400 on bad input", func(t *testing.T) {
		s, _ := newTestServer(t, true)
		w := post(t, s.Handler(), map[string]any{"model": pipeline.KnnModel})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = post(t, s.Handler(), PredictRequest{Features: [][]float64{{1, 2}}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Should reject artifacts that are not models", func(t *testing.T) {
		s, store := newTestServer(t, false)
		_, err := store.Put(context.Background(), artifact.Draft{Name: "raw", Kind: pipeline.KindDataset, Payload: []byte("{}")})
		require.NoError(t, err)
		w := post(t, s.Handler(), PredictRequest{Model: "raw", Features: [][]float64{{1, 2, 3, 4}}})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("Should reject a stored model that does not validate", func(t *testing.T) {
		s, store := newTestServer(t, false)
		broken := `{"n_neighbors":3,"features":[[1,2],[3,4],[5,6]],"targets":[0,1]}`
		_, err := store.Put(context.Background(), artifact.Draft{Name: pipeline.KnnModel, Kind: pipeline.KindModel, Payload: []byte(broken)})
		require.NoError(t, err)
		w := post(t, s.Handler(), PredictRequest{Features: [][]float64{{1, 2}}})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), "invalid knn model")
	})
}

func TestServer_Health(t *testing.T) {
	t.Run("Should report pool status", func(t *testing.T) {
		s, _ := newTestServer(t, false)
		req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"ok"`)
		assert.Contains(t, w.Body.String(), `"pool":"actor"`)
	})
}
