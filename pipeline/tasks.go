package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/humblenginr/iris_pipeline/actor"
	"github.com/humblenginr/iris_pipeline/dag"
	"github.com/humblenginr/iris_pipeline/knn"
	"github.com/humblenginr/iris_pipeline/logger"
)

// Payload kinds flowing between the iris tasks.
const (
	KindDataset = "dataset"
	KindModel   = "knn_model"
	KindMatrix  = "matrix"
	KindLabels  = "labels"
	KindReport  = "report"
)

// Artifact names published to the store.
const (
	RawIrisDataset   = "raw_iris_dataset"
	TrainIrisDataset = "train_iris_dataset"
	TestIrisDataset  = "test_iris_dataset"
	KnnModel         = "knn_model"
	ClassReport      = "classification_report"
)

const (
	TaskDownload     = "download_iris_dataset"
	TaskProcess      = "process_dataset"
	TaskTrain        = "train_knn_model"
	TaskEvaluate     = "evaluate_model"
	TaskBatchPredict = "batch_knn_predict"
	TaskActorPredict = "actor_knn_predict"
)

const (
	DefaultNNeighbors = 3
	DefaultTestSize   = 0.2
	DefaultSeed       = 42
	ReportFile        = "classification_report.txt"

	// DownloadCacheVersion is bumped when the download output format changes.
	DownloadCacheVersion = "4"
)

// Options tunes the registered tasks.
type Options struct {
	TestSize float64
	Seed     int64
	// ReportsDir receives the evaluation report as a text file when set.
	ReportsDir string
	// Pool is the warm-worker pool actor predictions are routed to.
	Pool string
	// Source is where the dataset is downloaded from.
	Source Source
}

func DefaultOptions() Options {
	return Options{
		TestSize: DefaultTestSize,
		Seed:     DefaultSeed,
		Pool:     actor.DefaultConfig().Name,
	}
}

// Register adds every iris task to r.
func Register(r *dag.Registry, opts Options) error {
	if opts.TestSize == 0 {
		opts.TestSize = DefaultTestSize
	}
	if opts.Pool == "" {
		opts.Pool = actor.DefaultConfig().Name
	}

	defs := []dag.Definition{
		dag.NewTask(TaskDownload).
			OutputAs("raw", KindDataset, RawIrisDataset).
			Resources("2", "2Gi").Idempotent().Retries(3).
			Cache(opts.Source.cacheVersion()).
			Run(download(opts.Source)).Build(),
		dag.NewTask(TaskProcess).
			Input("data", KindDataset).
			OutputAs("train", KindDataset, TrainIrisDataset).
			OutputAs("test", KindDataset, TestIrisDataset).
			Resources("2", "2Gi").Idempotent().Retries(1).
			Run(split(opts.TestSize, opts.Seed)).Build(),
		dag.NewTask(TaskTrain).
			Input("dataset", KindDataset).Input("n_neighbors", dag.KindInt).
			OutputAs("model", KindModel, KnnModel).
			Resources("2", "2Gi").Idempotent().
			Run(train).Build(),
		dag.NewTask(TaskEvaluate).
			Input("model", KindModel).Input("dataset", KindDataset).
			Output("model", KindModel).
			OutputAs("report", KindReport, ClassReport).
			Resources("2", "2Gi").
			Run(evaluate(opts.ReportsDir)).Build(),
		dag.NewTask(TaskBatchPredict).
			Input("model", KindModel).Input("pred_data", KindMatrix).
			Output("predictions", KindLabels).
			Resources("2", "2Gi").
			Run(batchPredict).Build(),
		dag.NewTask(TaskActorPredict).
			Input("model", KindModel).Input("pred_data", KindMatrix).
			Output("predictions", KindLabels).
			Resources("2", "500Mi").OnPool(opts.Pool).
			Run(actorPredict).Build(),
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("registering %s: %w", def.Name, err)
		}
	}
	return nil
}

func download(src Source) dag.RunFunc {
	return func(ctx context.Context, _ dag.Inputs) (dag.Outputs, error) {
		d, err := src.Load(ctx)
		if err != nil {
			return nil, err
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("downloaded dataset: %w", err)
		}
		location := src.Location
		if location == "" {
			location = "embedded"
		}
		logger.FromContext(ctx).Info("iris dataset loaded", "source", location, "rows", d.Len(), "columns", len(d.Columns))
		out := dag.Outputs{}
		return out, out.Set("raw", d)
	}
}

func split(testSize float64, seed int64) dag.RunFunc {
	return func(ctx context.Context, in dag.Inputs) (dag.Outputs, error) {
		var d knn.Dataset
		if err := in.Decode("data", &d); err != nil {
			return nil, err
		}
		train, test, err := knn.Split(d, testSize, seed)
		if err != nil {
			return nil, err
		}
		logger.FromContext(ctx).Info("dataset split", "train", train.Len(), "test", test.Len(), "seed", seed)
		out := dag.Outputs{}
		if err := out.Set("train", train); err != nil {
			return nil, err
		}
		return out, out.Set("test", test)
	}
}

func train(ctx context.Context, in dag.Inputs) (dag.Outputs, error) {
	var d knn.Dataset
	if err := in.Decode("dataset", &d); err != nil {
		return nil, err
	}
	var k int
	if err := in.Decode("n_neighbors", &k); err != nil {
		return nil, err
	}
	m, err := knn.Fit(d, k)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("knn model trained", "n_neighbors", k, "samples", d.Len())
	out := dag.Outputs{}
	return out, out.Set("model", m)
}

// evaluate scores the model and passes its payload through untouched.
func evaluate(reportsDir string) dag.RunFunc {
	return func(ctx context.Context, in dag.Inputs) (dag.Outputs, error) {
		m, err := DecodeModel(in["model"].Data)
		if err != nil {
			return nil, err
		}
		var test knn.Dataset
		if err := in.Decode("dataset", &test); err != nil {
			return nil, err
		}
		report, err := knn.Evaluate(m, test)
		if err != nil {
			return nil, err
		}

		log := logger.FromContext(ctx)
		log.Info("model evaluated", "accuracy", report.Accuracy, "samples", test.Len())
		log.Debug("classification report\n" + report.String())
		if reportsDir != "" {
			if err := writeReport(reportsDir, report); err != nil {
				return nil, err
			}
			log.Info("classification report written", "path", filepath.Join(reportsDir, ReportFile))
		}

		out := dag.Outputs{"model": in["model"].Data}
		return out, out.Set("report", report)
	}
}

func writeReport(dir string, r knn.Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating reports directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ReportFile), []byte(r.String()), 0o644); err != nil {
		return fmt.Errorf("writing classification report: %w", err)
	}
	return nil
}

func batchPredict(ctx context.Context, in dag.Inputs) (dag.Outputs, error) {
	m, err := DecodeModel(in["model"].Data)
	if err != nil {
		return nil, err
	}
	var x [][]float64
	if err := in.Decode("pred_data", &x); err != nil {
		return nil, err
	}
	labels, err := m.Predict(x)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("batch prediction done", "samples", len(x))
	out := dag.Outputs{}
	return out, out.Set("predictions", labels)
}

func actorPredict(ctx context.Context, in dag.Inputs) (dag.Outputs, error) {
	w, ok := actor.WorkerFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%s must run on a worker pool", TaskActorPredict)
	}
	var x [][]float64
	if err := in.Decode("pred_data", &x); err != nil {
		return nil, err
	}
	labels, err := PredictOnWorker(ctx, w, in["model"].Data, x)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("actor prediction done", "worker", w.ID(), "samples", len(x))
	out := dag.Outputs{}
	return out, out.Set("predictions", labels)
}

// DecodeModel parses and validates a knn_model payload. Failures wrap
// knn.ErrInvalidModel.
func DecodeModel(payload []byte) (*knn.Model, error) {
	var m knn.Model
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", knn.ErrInvalidModel, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
