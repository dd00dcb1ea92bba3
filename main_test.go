package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--log-level", "disabled"}, args...))
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestCLI(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("IRIS_STORE_PATH", filepath.Join(dir, "store", "artifacts.db"))

	t.Run("Should train and publish the model", func(t *testing.T) {
		out := execute(t, "run", "train")
		assert.Contains(t, out, "workflow train_iris_classification")
		assert.Contains(t, out, "published knn_model@1")
		assert.Contains(t, out, "predictions:")

		_, err := os.Stat(filepath.Join(dir, "reports", "classification_report.txt"))
		assert.NoError(t, err)
	})

	t.Run("Should predict with the stored model", func(t *testing.T) {
		out := execute(t, "run", "batch-predict", "--data", "[[5.1,3.5,1.4,0.2]]")
		assert.Contains(t, out, "predictions: [0] (setosa)")

		out = execute(t, "run", "actor-predict", "--data", "[[5.1,3.5,1.4,0.2]]")
		assert.Contains(t, out, "predictions: [0] (setosa)")
	})

	t.Run("Should list and show artifacts", func(t *testing.T) {
		out := execute(t, "artifacts", "list")
		assert.Contains(t, out, "knn_model")
		assert.Contains(t, out, "raw_iris_dataset")

		out = execute(t, "artifacts", "show", "knn_model")
		assert.Contains(t, out, "ref:         knn_model@1")
		assert.Contains(t, out, "kind:        knn_model")
	})
}
