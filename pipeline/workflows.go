package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/humblenginr/iris_pipeline/artifact"
	"github.com/humblenginr/iris_pipeline/dag"
)

const (
	TrainIrisClassification = "train_iris_classification"
	BatchPredictionKNN      = "batch_prediction_knn"
	ActorPredictionKNN      = "actor_prediction_knn"
)

// DefaultPredData is the sample batch predicted when none is given.
func DefaultPredData() [][]float64 {
	return [][]float64{
		{1.2, 2.1, 3.3, 4.0},
		{5.2, 6.3, 7.1, 8.3},
		{9.1, 1.0, 1.1, 1.2},
	}
}

// TrainWorkflow downloads and splits the dataset, trains and evaluates a model
// and runs a batch prediction with it.
func TrainWorkflow(nNeighbors int, predData [][]float64) *dag.Workflow {
	if predData == nil {
		predData = [][]float64{{1.2, 2.1, 3.3, 4.0}}
	}
	wf := dag.NewWorkflow(TrainIrisClassification)
	data := wf.Call(TaskDownload)
	sets := wf.Call(TaskProcess, dag.Bind("data", data.Out("raw")))
	model := wf.Call(TaskTrain,
		dag.Bind("dataset", sets.Out("train")),
		dag.Bind("n_neighbors", dag.Int(nNeighbors)))
	wf.Call(TaskEvaluate,
		dag.Bind("model", model.Out("model")),
		dag.Bind("dataset", sets.Out("test")))
	wf.Call(TaskBatchPredict,
		dag.Bind("model", model.Out("model")),
		dag.Bind("pred_data", dag.JSON(KindMatrix, predData)))
	return wf
}

// BatchPredictionWorkflow predicts with a stored model. Version 0 uses the latest.
func BatchPredictionWorkflow(version uint64, predData [][]float64) *dag.Workflow {
	return predictionWorkflow(BatchPredictionKNN, TaskBatchPredict, version, predData)
}

// ActorPredictionWorkflow is BatchPredictionWorkflow on the warm-worker pool.
func ActorPredictionWorkflow(version uint64, predData [][]float64) *dag.Workflow {
	return predictionWorkflow(ActorPredictionKNN, TaskActorPredict, version, predData)
}

func predictionWorkflow(name, task string, version uint64, predData [][]float64) *dag.Workflow {
	if predData == nil {
		predData = DefaultPredData()
	}
	wf := dag.NewWorkflow(name)
	wf.Call(task,
		dag.Bind("model", dag.Query(KnnModel, version)),
		dag.Bind("pred_data", dag.JSON(KindMatrix, predData)))
	return wf
}

// Predictions decodes the labels a prediction node published.
func Predictions(res *dag.Result, nodeID string) ([]int, error) {
	a, ok := res.Output(nodeID, "predictions")
	if !ok {
		return nil, fmt.Errorf("node %s published no predictions", nodeID)
	}
	return DecodeLabels(a)
}

func DecodeLabels(a artifact.Artifact) ([]int, error) {
	var labels []int
	if err := json.Unmarshal(a.Payload, &labels); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", a.Ref(), err)
	}
	return labels, nil
}
