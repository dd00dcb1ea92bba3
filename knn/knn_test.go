package knn

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLoadIris(t *testing.T) {
	t.Run("Should load 150 rows in three balanced classes", func(t *testing.T) {
		d, err := LoadIris()
		require.NoError(t, err)
		require.NoError(t, d.Validate())
		assert.Equal(t, 150, d.Len())
		assert.Len(t, d.Columns, 4)
		assert.Equal(t, []int{0, 1, 2}, d.Classes())

		counts := map[int]int{}
		for _, tg := range d.Targets {
			counts[tg]++
		}
		assert.Equal(t, map[int]int{0: 50, 1: 50, 2: 50}, counts)
		assert.Equal(t, []float64{5.1, 3.5, 1.4, 0.2}, d.Features[0])
	})

	t.Run("Should reject malformed rows", func(t *testing.T) {
		_, err := ReadCSV(strings.NewReader("a,b,target\n1,2,0\n1,x,1\n"))
		assert.Error(t, err)
		_, err = ReadCSV(strings.NewReader("a,target\n"))
		assert.ErrorIs(t, err, ErrEmptyDataset)
	})
}

func TestSplit(t *testing.T) {
	d, err := LoadIris()
	require.NoError(t, err)

	t.Run("Should stratify with a 0.2 test fraction", func(t *testing.T) {
		train, test, err := Split(d, 0.2, 42)
		require.NoError(t, err)
		assert.Equal(t, 120, train.Len())
		assert.Equal(t, 30, test.Len())

		counts := map[int]int{}
		for _, tg := range test.Targets {
			counts[tg]++
		}
		assert.Equal(t, map[int]int{0: 10, 1: 10, 2: 10}, counts)
	})

	t.Run("Should be deterministic for a seed", func(t *testing.T) {
		a1, b1, err := Split(d, 0.2, 42)
		require.NoError(t, err)
		a2, b2, err := Split(d, 0.2, 42)
		require.NoError(t, err)
		assert.Equal(t, a1, a2)
		assert.Equal(t, b1, b2)
	})

	t.Run("Should reject an out of range test size", func(t *testing.T) {
		_, _, err := Split(d, 0, 42)
		assert.Error(t, err)
		_, _, err = Split(d, 1, 42)
		assert.Error(t, err)
	})
}

func TestSplit_PartitionProperty(t *testing.T) {
	d, err := LoadIris()
	require.NoError(t, err)
	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.Int64().Draw(t, "seed")
		size := rapid.Float64Range(0.1, 0.9).Draw(t, "size")
		train, test, err := Split(d, size, seed)
		if err != nil {
			t.Fatalf("split: %v", err)
		}
		if train.Len()+test.Len() != d.Len() {
			t.Fatalf("split lost rows: %d + %d", train.Len(), test.Len())
		}
	})
}

func TestModel_Predict(t *testing.T) {
	t.Run("Should label three vectors with 1-NN over separable classes", func(t *testing.T) {
		train := Dataset{
			Features: [][]float64{{0, 0}, {0, 1}, {1, 0}, {10, 10}, {10, 11}, {11, 10}},
			Targets:  []int{0, 0, 0, 1, 1, 1},
		}
		m, err := Fit(train, 1)
		require.NoError(t, err)
		got, err := m.Predict([][]float64{{0.2, 0.1}, {9.5, 10.5}, {1, 1}})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 0}, got)
	})

	t.Run("Should break vote ties toward the smallest label", func(t *testing.T) {
		train := Dataset{Features: [][]float64{{1}, {-1}}, Targets: []int{1, 0}}
		m, err := Fit(train, 2)
		require.NoError(t, err)
		got, err := m.Predict([][]float64{{0}})
		require.NoError(t, err)
		assert.Equal(t, []int{0}, got)
	})

	t.Run("Should reject bad k and dimensions", func(t *testing.T) {
		train := Dataset{Features: [][]float64{{1, 2}}, Targets: []int{0}}
		_, err := Fit(train, 0)
		assert.ErrorIs(t, err, ErrInvalidK)
		_, err = Fit(train, 2)
		assert.ErrorIs(t, err, ErrInvalidK)

		m, err := Fit(train, 1)
		require.NoError(t, err)
		_, err = m.Predict([][]float64{{1, 2, 3}})
		assert.ErrorIs(t, err, ErrDimension)
	})

	t.Run("Should predict the same after a JSON round trip", func(t *testing.T) {
		d, err := LoadIris()
		require.NoError(t, err)
		m, err := Fit(d, 3)
		require.NoError(t, err)
		raw, err := json.Marshal(m)
		require.NoError(t, err)
		var back Model
		require.NoError(t, json.Unmarshal(raw, &back))

		x := [][]float64{{1.2, 2.1, 3.3, 4.0}, {5.2, 6.3, 7.1, 8.3}, {9.1, 1.0, 1.1, 1.2}}
		want, err := m.Predict(x)
		require.NoError(t, err)
		got, err := back.Predict(x)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestModel_Validate(t *testing.T) {
	t.Run("Should accept a fitted model", func(t *testing.T) {
		d, err := LoadIris()
		require.NoError(t, err)
		m, err := Fit(d, 3)
		require.NoError(t, err)
		assert.NoError(t, m.Validate())
	})

	t.Run("Should reject inconsistent models", func(t *testing.T) {
		cases := map[string]Model{
			"zero k":          {NNeighbors: 0, Features: [][]float64{{1}}, Targets: []int{0}},
			"k above samples": {NNeighbors: 3, Features: [][]float64{{1}, {2}}, Targets: []int{0, 1}},
			"missing targets": {NNeighbors: 1, Features: [][]float64{{1}, {2}}, Targets: []int{0}},
			"ragged rows":     {NNeighbors: 1, Features: [][]float64{{1, 2}, {3}}, Targets: []int{0, 1}},
			"no samples":      {NNeighbors: 1},
		}
		for name, m := range cases {
			err := m.Validate()
			assert.ErrorIs(t, err, ErrInvalidModel, name)
			assert.NotErrorIs(t, err, ErrDimension, name)
		}
	})
}

func TestEvaluate(t *testing.T) {
	t.Run("Should score iris well with k=3", func(t *testing.T) {
		d, err := LoadIris()
		require.NoError(t, err)
		train, test, err := Split(d, 0.2, 42)
		require.NoError(t, err)
		m, err := Fit(train, 3)
		require.NoError(t, err)

		r, err := Evaluate(m, test)
		require.NoError(t, err)
		assert.Greater(t, r.Accuracy, 0.85)
		assert.Len(t, r.Classes, 3)
		assert.Equal(t, 30, r.WeightedAvg.Support)
		assert.Contains(t, r.String(), "versicolor")
	})

	t.Run("Should compute the confusion matrix and per-class metrics", func(t *testing.T) {
		r, err := Score([]int{0, 0, 1, 1}, []int{0, 1, 1, 1})
		require.NoError(t, err)
		assert.InDelta(t, 0.75, r.Accuracy, 1e-9)
		assert.Equal(t, [][]int{{1, 1}, {0, 2}}, r.Confusion)
		assert.InDelta(t, 1.0, r.Classes[0].Precision, 1e-9)
		assert.InDelta(t, 0.5, r.Classes[0].Recall, 1e-9)
		assert.InDelta(t, 2.0/3.0, r.Classes[1].Precision, 1e-9)
		assert.InDelta(t, 1.0, r.Classes[1].Recall, 1e-9)
		assert.InDelta(t, 0.8, r.Classes[1].F1, 1e-9)
	})

	t.Run("Should reject predictions that do not match the labels", func(t *testing.T) {
		_, err := Score([]int{0, 1, 1}, []int{0, 1})
		assert.ErrorIs(t, err, ErrDimension)
		_, err = Score([]int{0}, []int{0, 1})
		assert.ErrorIs(t, err, ErrDimension)
	})
}
