package pipeline

import (
	"context"
	"fmt"

	"github.com/humblenginr/iris_pipeline/actor"
	"github.com/humblenginr/iris_pipeline/artifact"
	"github.com/humblenginr/iris_pipeline/knn"
)

var memoPredict = actor.Memoize("knn.predict",
	func(_ context.Context, w *actor.Worker, stateKey string, x [][]float64) ([]int, error) {
		v, err := w.Load(stateKey, func() (any, error) {
			return nil, fmt.Errorf("model %s is not loaded", stateKey)
		})
		if err != nil {
			return nil, err
		}
		return v.(*knn.Model).Predict(x)
	})

// ModelKey identifies a model payload in a worker's loaded state.
func ModelKey(payload []byte) string {
	return KnnModel + ":" + artifact.Digest(payload)
}

// PredictOnWorker decodes the model once per worker and memoises predictions
// in the worker's call cache.
func PredictOnWorker(ctx context.Context, w *actor.Worker, payload []byte, x [][]float64) ([]int, error) {
	key := ModelKey(payload)
	if _, err := w.Load(key, func() (any, error) { return DecodeModel(payload) }); err != nil {
		return nil, err
	}
	return memoPredict(ctx, w, key, x)
}
