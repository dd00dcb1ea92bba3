package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/humblenginr/iris_pipeline/actor"
	"github.com/humblenginr/iris_pipeline/artifact"
	"github.com/humblenginr/iris_pipeline/knn"
	"github.com/humblenginr/iris_pipeline/logger"
	"github.com/humblenginr/iris_pipeline/pipeline"
)

type PredictRequest struct {
	// Model is the artifact name, knn_model when empty.
	Model string `json:"model"`
	// Version 0 selects the latest model.
	Version  uint64      `json:"version"`
	Features [][]float64 `json:"features" binding:"required"`
}

type PredictResponse struct {
	Labels       []int    `json:"labels"`
	Species      []string `json:"species"`
	ModelVersion uint64   `json:"model_version"`
	Worker       string   `json:"worker"`
}

func (s *Server) health(c *gin.Context) {
	stats := s.pool.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"pool":    s.pool.Name(),
		"workers": stats.Live,
		"busy":    stats.Busy,
	})
}

func (s *Server) predict(c *gin.Context) {
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "details": err.Error()})
		return
	}
	if len(req.Features) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "details": "features must not be empty"})
		return
	}
	if req.Model == "" {
		req.Model = pipeline.KnnModel
	}

	ctx := c.Request.Context()
	model, err := s.store.Get(ctx, req.Model, req.Version)
	if err != nil {
		s.fail(c, err)
		return
	}
	if model.Kind != pipeline.KindModel {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unprocessable_entity", "details": model.Ref() + " is not a knn model"})
		return
	}

	var (
		labels []int
		worker string
	)
	err = s.pool.Do(ctx, func(ctx context.Context, w *actor.Worker) error {
		worker = w.ID()
		var err error
		labels, err = pipeline.PredictOnWorker(ctx, w, model.Payload, req.Features)
		return err
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	species := make([]string, len(labels))
	for i, l := range labels {
		species[i] = knn.SpeciesName(l)
	}
	c.JSON(http.StatusOK, PredictResponse{
		Labels:       labels,
		Species:      species,
		ModelVersion: model.Version,
		Worker:       worker,
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "details": err.Error()})
	case errors.Is(err, knn.ErrInvalidModel):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unprocessable_entity", "details": err.Error()})
	case errors.Is(err, knn.ErrDimension):
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "details": err.Error()})
	case errors.Is(err, actor.ErrWorkerUnavailable), errors.Is(err, actor.ErrPoolClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "details": err.Error()})
	default:
		logger.FromContext(c.Request.Context()).Error("prediction failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
