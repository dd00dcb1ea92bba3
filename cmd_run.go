package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/humblenginr/iris_pipeline/dag"
	"github.com/humblenginr/iris_pipeline/knn"
	"github.com/humblenginr/iris_pipeline/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one of the iris workflows",
}

var runTrainCmd = &cobra.Command{
	Use:   "train",
	Short: "Download, split, train, evaluate and batch-predict",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		k := cfg.Train.NNeighbors
		if cmd.Flags().Changed("n-neighbors") {
			k, _ = cmd.Flags().GetInt("n-neighbors")
		}
		data, err := predData(cmd)
		if err != nil {
			return err
		}
		return runWorkflow(cmd, pipeline.TrainWorkflow(k, data), pipeline.TaskBatchPredict)
	},
}

var runBatchCmd = &cobra.Command{
	Use:   "batch-predict",
	Short: "Predict with a stored model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := predData(cmd)
		if err != nil {
			return err
		}
		ver, _ := cmd.Flags().GetUint64("version")
		return runWorkflow(cmd, pipeline.BatchPredictionWorkflow(ver, data), pipeline.TaskBatchPredict)
	},
}

var runActorCmd = &cobra.Command{
	Use:   "actor-predict",
	Short: "Predict with a stored model on the warm-worker pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := predData(cmd)
		if err != nil {
			return err
		}
		ver, _ := cmd.Flags().GetUint64("version")
		return runWorkflow(cmd, pipeline.ActorPredictionWorkflow(ver, data), pipeline.TaskActorPredict)
	},
}

func init() {
	runTrainCmd.Flags().Int("n-neighbors", pipeline.DefaultNNeighbors, "neighbours used by the classifier")
	for _, c := range []*cobra.Command{runTrainCmd, runBatchCmd, runActorCmd} {
		c.Flags().String("data", "", `feature rows as JSON, e.g. "[[5.1,3.5,1.4,0.2]]"`)
	}
	for _, c := range []*cobra.Command{runBatchCmd, runActorCmd} {
		c.Flags().Uint64("version", 0, "model version, 0 for the latest")
	}
	runCmd.AddCommand(runTrainCmd, runBatchCmd, runActorCmd)
}

// predData parses --data, returning nil so the workflow default applies when unset.
func predData(cmd *cobra.Command) ([][]float64, error) {
	raw, _ := cmd.Flags().GetString("data")
	if raw == "" {
		return nil, nil
	}
	var data [][]float64
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("parsing --data: %w", err)
	}
	return data, nil
}

func runWorkflow(cmd *cobra.Command, wf *dag.Workflow, predictNode string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.exec.Run(cmd.Context(), wf)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workflow %s run %s\n", res.Workflow, res.RunID)
	for _, art := range res.Artifacts() {
		fmt.Fprintf(out, "  published %s (%s)\n", art.Ref(), art.Kind)
	}
	labels, err := pipeline.Predictions(res, predictNode)
	if err != nil {
		return err
	}
	printPredictions(out, labels)
	return nil
}

func printPredictions(out io.Writer, labels []int) {
	species := make([]string, len(labels))
	for i, l := range labels {
		species[i] = knn.SpeciesName(l)
	}
	fmt.Fprintf(out, "predictions: %v (%s)\n", labels, strings.Join(species, ", "))
}
