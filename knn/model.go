package knn

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrInvalidK     = errors.New("n_neighbors must be positive")
	ErrInvalidModel = errors.New("invalid knn model")
)

// Model is a fitted k-nearest-neighbour classifier. Fitting memorises the
// training rows; prediction takes a Euclidean majority vote.
type Model struct {
	NNeighbors int         `json:"n_neighbors"`
	Columns    []string    `json:"columns,omitempty"`
	Features   [][]float64 `json:"features"`
	Targets    []int       `json:"targets"`
}

// Fit returns a classifier over train using k neighbours.
func Fit(train Dataset, k int) (*Model, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}
	if err := train.Validate(); err != nil {
		return nil, fmt.Errorf("fitting knn: %w", err)
	}
	if k > train.Len() {
		return nil, fmt.Errorf("%w: %d neighbours but only %d samples", ErrInvalidK, k, train.Len())
	}
	m := &Model{NNeighbors: k, Columns: train.Columns}
	fitted := train.subset(indexes(train.Len()))
	m.Features, m.Targets = fitted.Features, fitted.Targets
	return m, nil
}

// Validate checks a model read back from storage before it predicts.
func (m *Model) Validate() error {
	if m.NNeighbors <= 0 {
		return fmt.Errorf("%w: n_neighbors is %d", ErrInvalidModel, m.NNeighbors)
	}
	fitted := Dataset{Features: m.Features, Targets: m.Targets}
	if err := fitted.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if m.NNeighbors > fitted.Len() {
		return fmt.Errorf("%w: %d neighbours but only %d samples", ErrInvalidModel, m.NNeighbors, fitted.Len())
	}
	return nil
}

func (m *Model) dim() int {
	if len(m.Features) == 0 {
		return 0
	}
	return len(m.Features[0])
}

// Predict labels each row of x.
func (m *Model) Predict(x [][]float64) ([]int, error) {
	if m == nil || len(m.Features) == 0 {
		return nil, fmt.Errorf("predicting: %w", ErrEmptyDataset)
	}
	labels := make([]int, len(x))
	for i, row := range x {
		if len(row) != m.dim() {
			return nil, fmt.Errorf("%w: sample %d has %d features, model expects %d", ErrDimension, i, len(row), m.dim())
		}
		labels[i] = m.predictOne(row)
	}
	return labels, nil
}

type neighbour struct {
	dist float64
	row  int
}

// predictOne votes among the k closest rows. Distance ties keep training
// order; vote ties go to the smallest label.
func (m *Model) predictOne(x []float64) int {
	ns := make([]neighbour, len(m.Features))
	for i, row := range m.Features {
		ns[i] = neighbour{dist: euclidean(x, row), row: i}
	}
	sort.SliceStable(ns, func(a, b int) bool { return ns[a].dist < ns[b].dist })

	k := min(m.NNeighbors, len(ns))
	votes := make(map[int]int, k)
	for _, n := range ns[:k] {
		votes[m.Targets[n.row]]++
	}
	best, bestVotes := 0, -1
	for label, v := range votes {
		if v > bestVotes || (v == bestVotes && label < best) {
			best, bestVotes = label, v
		}
	}
	return best
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
